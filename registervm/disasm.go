// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package registervm

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/probeum/actorvm/bytecode"
)

// Disassemble returns a human-readable listing of a register-VM chunk: one
// line per 32-bit instruction word.
func Disassemble(c *bytecode.Chunk) string {
	var b strings.Builder
	walkChunk(c, func(idx int, op Opcode, operands string) {
		fmt.Fprintf(&b, "[%04d] %-20s %s\n", idx, op, operands)
	})
	return b.String()
}

// DisassembleTable renders the listing as a bordered table with colorized
// mnemonics, for interactive inspection.
func DisassembleTable(w io.Writer, c *bytecode.Chunk) {
	mnemonic := color.New(color.FgCyan).SprintFunc()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"INDEX", "OPCODE", "OPERANDS", "LINE"})
	walkChunk(c, func(idx int, op Opcode, operands string) {
		table.Append([]string{
			fmt.Sprintf("%04d", idx),
			mnemonic(op.String()),
			operands,
			fmt.Sprintf("%d", c.LineFor(idx)),
		})
	})
	table.Render()
}

func walkChunk(c *bytecode.Chunk, visit func(idx int, op Opcode, operands string)) {
	for i := 0; i+4 <= len(c.Code); i += 4 {
		word := binary.LittleEndian.Uint32(c.Code[i:])
		op := Opcode(word & 0xFF)
		rd := uint8(word >> 8)
		rs1 := uint8(word >> 16)
		rs2 := uint8(word >> 24)

		var operands string
		switch op.shape() {
		case shapeRImm:
			operands = fmt.Sprintf("R%d, %d", rd, uint16(word>>16))
		case shapeOff24:
			operands = fmt.Sprintf("%+d", int32(word)>>8)
		case shapeROff16:
			operands = fmt.Sprintf("R%d, %+d", rd, int16(word>>16))
		default:
			operands = fmt.Sprintf("R%d, R%d, R%d", rd, rs1, rs2)
		}
		visit(i/4, op, operands)
	}
}
