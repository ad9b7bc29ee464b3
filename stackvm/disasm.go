// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package stackvm

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/probeum/actorvm/bytecode"
)

// Disassemble returns a human-readable listing of a stack-VM chunk. img
// supplies the function table so CLOSURE's trailing capture descriptors can
// be decoded; it may be nil, in which case decoding stops at the first
// CLOSURE instruction.
func Disassemble(img *bytecode.Image, c *bytecode.Chunk) string {
	var b strings.Builder
	walkChunk(img, c, func(offset int, op Opcode, operands string) {
		fmt.Fprintf(&b, "[%04d] %-20s %s\n", offset, op, operands)
	})
	return b.String()
}

// DisassembleTable renders the listing as a bordered table with colorized
// mnemonics, for interactive inspection.
func DisassembleTable(w io.Writer, img *bytecode.Image, c *bytecode.Chunk) {
	mnemonic := color.New(color.FgCyan).SprintFunc()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"OFFSET", "OPCODE", "OPERANDS", "LINE"})
	walkChunk(img, c, func(offset int, op Opcode, operands string) {
		table.Append([]string{
			fmt.Sprintf("%04d", offset),
			mnemonic(op.String()),
			operands,
			fmt.Sprintf("%d", c.LineFor(offset)),
		})
	})
	table.Render()
}

// walkChunk decodes c's variable-width instruction stream, calling visit
// once per instruction with its byte offset and rendered operands.
func walkChunk(img *bytecode.Image, c *bytecode.Chunk, visit func(offset int, op Opcode, operands string)) {
	i := 0
	for i < len(c.Code) {
		offset := i
		op := Opcode(c.Code[i])
		i++
		if int(op) >= len(opcodeTable) {
			visit(offset, op, fmt.Sprintf("0x%02x", uint8(op)))
			return
		}

		var operands string
		switch opcodeTable[op].operand {
		case operandU8:
			operands = fmt.Sprintf("%d", c.Code[i])
			i++
		case operandU16:
			operands = fmt.Sprintf("%d", uint16(c.Code[i])|uint16(c.Code[i+1])<<8)
			i += 2
		case operandU16Pair:
			fnIx := int(uint16(c.Code[i]) | uint16(c.Code[i+1])<<8)
			i += 2
			if img == nil {
				visit(offset, op, fmt.Sprintf("%d, <truncated>", fnIx))
				return
			}
			fn := img.Function(fnIx)
			if fn == nil {
				visit(offset, op, fmt.Sprintf("%d, <bad index>", fnIx))
				return
			}
			captures := make([]string, 0, fn.NumUpvalues)
			for j := 0; j < fn.NumUpvalues; j++ {
				kind := "upvalue"
				if c.Code[i] == 1 {
					kind = "local"
				}
				captures = append(captures, fmt.Sprintf("%s %d", kind, c.Code[i+1]))
				i += 2
			}
			operands = fmt.Sprintf("%d [%s]", fnIx, strings.Join(captures, ", "))
		}
		visit(offset, op, operands)
	}
}
