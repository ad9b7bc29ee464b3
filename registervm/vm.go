// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package registervm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/probeum/actorvm/bytecode"
	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/hostio"
	"github.com/probeum/actorvm/internal/clock"
	"github.com/probeum/actorvm/internal/ic"
	"github.com/probeum/actorvm/internal/vmerrors"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/scheduler"
	"github.com/probeum/actorvm/value"
)

// ReductionBatch is the number of instructions a single Run call executes
// before checking for cooperative preemption; same batching as the stack
// VM, despite the fixed-width instruction stream.
const ReductionBatch = 64

const (
	maxRegs   = 256
	maxFrames = 64
)

// Status is the outcome of one Run call, shared in name and meaning with
// package stackvm's Status so a caller (package worker) can treat either
// VM identically.
type Status uint8

const (
	StatusOk Status = iota
	StatusHalt
	StatusYield
	StatusWaiting
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusHalt:
		return "halt"
	case StatusYield:
		return "yield"
	case StatusWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// regFrame is one call's activation record: its own inline register file
// (never shared with any other frame, unlike the stack VM's single shared
// stack array), its instruction pointer, its captured upvalues, and the
// upvalues its own locals have been captured into by nested closures.
type regFrame struct {
	chunk        *bytecode.Chunk
	ip           int
	regs         [maxRegs]value.Boxed64
	upvalues     []*object.Object
	openUpvalues []*object.Object
	returnReg    uint8
}

// VM is one register-machine execution context, bound to exactly one
// Block's Heap for the duration of a reduction batch, mirroring
// stackvm.VM's ownership discipline.
type VM struct {
	frames   [maxFrames]regFrame
	frameTop int

	globals map[string]value.Boxed64

	heap  *heap.Heap
	image *bytecode.Image
	ic    *ic.Cache

	// host is the optional cold-opcode primitive table. A
	// nil host makes OpSHA3/OpSHAKE256 fail with a Capability error instead
	// of silently succeeding, so a missing embedding is never mistaken for
	// an all-zero hash.
	host *hostio.Table

	clock clock.Clock

	reductions uint64
	block      *scheduler.Block
	sched      *scheduler.BasicScheduler

	result value.Boxed64
	err    error
}

// New constructs a VM bound to h, ready to execute img starting at its
// main chunk. SetHost installs a cold-opcode primitive table afterward, if
// the embedding provides one.
func New(img *bytecode.Image, h *heap.Heap, sched *scheduler.BasicScheduler, b *scheduler.Block, icCache *ic.Cache) *VM {
	vm := &VM{
		globals: make(map[string]value.Boxed64),
		heap:    h,
		image:   img,
		sched:   sched,
		block:   b,
		ic:      icCache,
		clock:   clock.System{},
	}
	vm.frames[0].chunk = img.Main
	vm.frameTop = 1
	return vm
}

// SetHost installs the host primitive table OpSHA3/OpSHAKE256 dispatch to.
func (vm *VM) SetHost(t *hostio.Table) { vm.host = t }

// SetClock swaps the deadline time source, for tests that drive
// RECV_TIMEOUT without real sleeps.
func (vm *VM) SetClock(c clock.Clock) { vm.clock = c }

// StartEntry rewinds the VM to begin execution at entry (a Closure object,
// already deep-copied into vm.heap) instead of the image's main chunk --
// used when a block was created by SPAWN rather than being the top-level
// block a driver starts by hand.
func (vm *VM) StartEntry(entry *object.Object) error {
	closure, ok := entry.Body().(*object.ClosureBody)
	if !ok {
		return vmerrors.Typef("entry object is not a closure")
	}
	fn, ok := closure.Func.Body().(*object.FunctionBody)
	if !ok {
		return vmerrors.Runtimef("entry closure's function field is corrupt")
	}
	chunk := vm.image.Function(fn.ChunkIndex)
	if chunk == nil {
		return vmerrors.Runtimef("entry function chunk index %d out of range", fn.ChunkIndex)
	}
	vm.frames[0] = regFrame{chunk: chunk, upvalues: closure.Upvalues}
	vm.frameTop = 1
	return nil
}

func (vm *VM) curFrame() *regFrame { return &vm.frames[vm.frameTop-1] }

// setReg writes v to register rd, except register 0, which is hard-wired
// to the zero value (an IEEE double 0.0) and silently discards writes.
func setReg(f *regFrame, rd uint8, v value.Boxed64) {
	if rd == 0 {
		return
	}
	f.regs[rd] = v
}

func (vm *VM) readWord() uint32 {
	f := vm.curFrame()
	w := binary.LittleEndian.Uint32(f.chunk.Code[f.ip:])
	f.ip += 4
	return w
}

// Run executes instructions until the chunk halts, the block blocks on an
// empty-mailbox receive, an error occurs, or ReductionBatch instructions
// have executed without any of those -- identical contract to
// stackvm.VM.Run, so package worker's Reducer can treat both uniformly.
func (vm *VM) Run(ctx context.Context) (Status, error) {
	for i := 0; i < ReductionBatch; i++ {
		select {
		case <-ctx.Done():
			return StatusYield, ctx.Err()
		default:
		}

		f := vm.curFrame()
		chunk, ipBefore := f.chunk, f.ip

		status, err := vm.step()
		vm.reductions++
		vm.block.Counters.Reductions++
		if err != nil {
			err = vmerrors.At(err, chunk.LineFor(ipBefore/4))
			vm.err = err
			return StatusOk, err
		}
		if status != StatusOk {
			return status, nil
		}
	}
	return StatusYield, nil
}

// step decodes and executes exactly one 32-bit instruction.
func (vm *VM) step() (Status, error) {
	f := vm.curFrame()
	if f.ip >= len(f.chunk.Code) {
		return StatusHalt, nil
	}
	word := vm.readWord()
	op := Opcode(word & 0xFF)
	rd := uint8((word >> 8) & 0xFF)
	rs1 := uint8((word >> 16) & 0xFF)
	rs2 := uint8((word >> 24) & 0xFF)
	imm16 := uint16(word >> 16)
	off16 := int16(word >> 16)
	off24 := int32(word) >> 8 // arithmetic shift sign-extends the 24-bit field

	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return StatusOk, vm.binaryArith(op, f, rd, rs1, rs2)

	case OpNeg:
		v := f.regs[rs1]
		switch {
		case value.IsInt(v):
			setReg(f, rd, value.EncodeInt(-value.DecodeInt(v)))
		case value.IsDouble(v):
			setReg(f, rd, value.EncodeDouble(-value.DecodeDouble(v)))
		default:
			return StatusOk, vmerrors.Typef("NEG: operand is %s, not a number", value.Kind(v))
		}
		return StatusOk, nil

	case OpAnd, OpOr, OpXor, OpShl, OpShr:
		return StatusOk, vm.bitwise(op, f, rd, rs1, rs2)

	case OpBNot:
		v := f.regs[rs1]
		if !value.IsInt(v) {
			return StatusOk, vmerrors.Typef("BNOT: operand is %s, not an integer", value.Kind(v))
		}
		setReg(f, rd, value.EncodeInt(^value.DecodeInt(v)))
		return StatusOk, nil

	case OpEq, OpNeq:
		eq := object.DeepEqual(f.regs[rs1], f.regs[rs2])
		if op == OpNeq {
			eq = !eq
		}
		setReg(f, rd, value.EncodeBool(eq))
		return StatusOk, nil

	case OpLt, OpLte, OpGt, OpGte:
		return StatusOk, vm.compare(op, f, rd, rs1, rs2)

	case OpNot:
		setReg(f, rd, value.EncodeBool(!value.IsTruthy(f.regs[rs1])))
		return StatusOk, nil

	case OpLoadConst:
		if int(imm16) >= len(f.chunk.Constants) {
			return StatusOk, vmerrors.OutOfBoundsf("constant index %d", imm16)
		}
		setReg(f, rd, retainIfObject(f.chunk.Constants[imm16]))
		return StatusOk, nil

	case OpLoadTrue:
		setReg(f, rd, value.EncodeBool(true))
		return StatusOk, nil
	case OpLoadFalse:
		setReg(f, rd, value.EncodeBool(false))
		return StatusOk, nil
	case OpLoadNil:
		setReg(f, rd, value.EncodeNil())
		return StatusOk, nil

	case OpMove:
		// Destructive move: the source gives up its reference, so no
		// retain is needed.
		setReg(f, rd, f.regs[rs1])
		if rs1 != 0 {
			f.regs[rs1] = value.EncodeNil()
		}
		return StatusOk, nil

	case OpCopy:
		setReg(f, rd, retainIfObject(f.regs[rs1]))
		return StatusOk, nil

	case OpGetGlobal:
		name := vm.image.String(int(imm16))
		v, ok := vm.globals[name]
		if !ok {
			return StatusOk, vmerrors.UndefinedVariablef("%s", name)
		}
		setReg(f, rd, retainIfObject(v))
		return StatusOk, nil

	case OpSetGlobal:
		name := vm.image.String(int(imm16))
		if _, ok := vm.globals[name]; !ok {
			return StatusOk, vmerrors.UndefinedVariablef("%s", name)
		}
		vm.globals[name] = retainIfObject(f.regs[rd])
		return StatusOk, nil

	case OpDefGlobal:
		name := vm.image.String(int(imm16))
		vm.globals[name] = retainIfObject(f.regs[rd])
		return StatusOk, nil

	case OpGetUpvalue:
		idx := int(rs1)
		if idx >= len(f.upvalues) {
			return StatusOk, vmerrors.OutOfBoundsf("upvalue index %d", idx)
		}
		setReg(f, rd, retainIfObject(f.upvalues[idx].Body().(*object.UpvalueBody).Get()))
		return StatusOk, nil

	case OpSetUpvalue:
		idx := int(rs1)
		if idx >= len(f.upvalues) {
			return StatusOk, vmerrors.OutOfBoundsf("upvalue index %d", idx)
		}
		f.upvalues[idx].Body().(*object.UpvalueBody).Set(retainIfObject(f.regs[rd]))
		return StatusOk, nil

	case OpJump:
		if t := f.ip + int(off24); t < 0 || t > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		f.ip += int(off24)
		return StatusOk, nil

	case OpJumpIf:
		if t := f.ip + int(off16); t < 0 || t > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		if value.IsTruthy(f.regs[rd]) {
			f.ip += int(off16)
		}
		return StatusOk, nil

	case OpJumpIfNot:
		if t := f.ip + int(off16); t < 0 || t > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		if !value.IsTruthy(f.regs[rd]) {
			f.ip += int(off16)
		}
		return StatusOk, nil

	case OpLoop:
		if f.ip-int(off24) < 0 {
			return StatusOk, vmerrors.Runtimef("loop jump out of bounds")
		}
		f.ip -= int(off24)
		return StatusOk, nil

	case OpCall:
		return StatusOk, vm.call(rd, rs1, rs2)

	case OpReturn:
		return vm.doReturn(rd)

	case OpHalt:
		vm.result = f.regs[rd]
		return StatusHalt, nil

	case OpClosure:
		return StatusOk, vm.makeClosure(f, rd, imm16)

	case OpCaptureLocal:
		return StatusOk, vm.captureLocal(f, rd, rs1, rs2)

	case OpCaptureUpvalue:
		return StatusOk, vm.captureEnclosingUpvalue(f, rd, rs1, rs2)

	case OpArrayNew:
		n := 0
		if value.IsInt(f.regs[rs1]) {
			n = int(value.DecodeInt(f.regs[rs1]))
		}
		if n < 0 {
			return StatusOk, vmerrors.Typef("ARRAY_NEW: size must be non-negative")
		}
		items := make([]value.Boxed64, n)
		for i := range items {
			items[i] = value.EncodeNil()
		}
		o, err := vm.heap.Alloc(object.KindArray, &object.ArrayBody{Items: items})
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(o))
		return StatusOk, nil

	case OpArrayGet:
		return StatusOk, vm.arrayGet(f, rd, rs1, rs2)
	case OpArraySet:
		return StatusOk, vm.arraySet(f, rd, rs1, rs2)
	case OpArrayPush:
		return StatusOk, vm.arrayPush(f, rd, rs1)
	case OpArrayLen:
		return StatusOk, vm.arrayLen(f, rd, rs1)

	case OpMapNew:
		o, err := vm.heap.Alloc(object.KindMap, object.NewMap())
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(o))
		return StatusOk, nil

	case OpMapGet:
		return StatusOk, vm.mapGet(f, rd, rs1, rs2)
	case OpMapSet:
		return StatusOk, vm.mapSet(f, rd, rs1, rs2)
	case OpMapRemove:
		return StatusOk, vm.mapRemove(f, rd, rs1)

	case OpMakeOk, OpMakeErr:
		o, err := vm.heap.Alloc(object.KindResult, &object.ResultBody{Ok: op == OpMakeOk, Payload: retainIfObject(f.regs[rs1])})
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(o))
		return StatusOk, nil

	case OpMakeSome:
		o, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: retainIfObject(f.regs[rs1])})
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(o))
		return StatusOk, nil

	case OpMakeNone:
		o, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: false})
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(o))
		return StatusOk, nil

	case OpIsOk:
		r, err := vm.resultBody(f.regs[rs1])
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, value.EncodeBool(r.Ok))
		return StatusOk, nil

	case OpIsSome:
		o, err := vm.optionBody(f.regs[rs1])
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, value.EncodeBool(o.Some))
		return StatusOk, nil

	case OpUnwrap:
		return StatusOk, vm.unwrap(f, rd, rs1)

	case OpConcat:
		return StatusOk, vm.concat(f, rd, rs1, rs2)

	case OpLen:
		return StatusOk, vm.length(f, rd, rs1)

	case OpType:
		return StatusOk, vm.typeOf(f, rd, rs1)

	case OpPrint:
		fmt.Print(vm.displayString(f.regs[rd]))
		return StatusOk, nil

	case OpSelf:
		setReg(f, rd, value.EncodePID(vm.block.PID.AsUint64()))
		return StatusOk, nil

	case OpSpawn:
		return StatusOk, vm.spawn(f, rd, rs1, rs2)

	case OpSend:
		return StatusOk, vm.send(f, rd, rs1)

	case OpRecv:
		return vm.recv(f, rd)

	case OpRecvTimeout:
		return vm.recvTimeout(f, rd, rs1)

	case OpRecvMatch:
		return vm.recvMatch(f, rd, rs1)

	case OpGetStats:
		return StatusOk, vm.getStats(f, rd)

	case OpYield:
		return StatusYield, nil

	case OpLink:
		return StatusOk, vm.link(f, rd)
	case OpUnlink:
		return StatusOk, vm.unlink(f, rd)
	case OpMonitor:
		return StatusOk, vm.monitor(f, rd)
	case OpDemonitor:
		return StatusOk, vm.demonitor(f, rd)

	case OpSHA3:
		return StatusOk, vm.hostCall(f, rd, "sha3_256", []value.Boxed64{f.regs[rs1]})
	case OpSHAKE256:
		return StatusOk, vm.hostCall(f, rd, "shake256", []value.Boxed64{f.regs[rs1], f.regs[rs2]})

	case OpFalcon512Verify, OpMLDSAVerify, OpSLHDSAVerify, OpSecp256k1Recover,
		OpBalance, OpTransfer, OpEmit, OpCaller, OpBlockNum, OpBlockTime:
		return StatusOk, vmerrors.Capabilityf("%s: no host primitive table installed for this opcode", op)

	case OpResourceNew:
		return StatusOk, vm.resourceNew(f, rd, rs1)
	case OpResourceDrop:
		return StatusOk, vm.resourceDrop(f, rd)
	case OpResourceCheck:
		return StatusOk, vm.resourceCheck(f, rd)

	default:
		return StatusOk, vmerrors.ErrInvalidOpcode
	}
}

// Result returns the value OpHalt/the outermost OpReturn left, once Run has
// returned StatusHalt.
func (vm *VM) Result() value.Boxed64 { return vm.result }

// Err returns the error (if any) that last halted Run.
func (vm *VM) Err() error { return vm.err }

// Roots implements heap.RootSource: every register of every live frame,
// every global, every upvalue, and the constant pools of the whole loaded
// image. Constants are rooted unconditionally, not just for chunks with a
// live frame: a dormant function's pool objects must survive every
// collection so a later CALL into it still finds them alive.
func (vm *VM) Roots(dst []value.Boxed64) []value.Boxed64 {
	for _, v := range vm.globals {
		dst = append(dst, v)
	}
	dst = append(dst, vm.image.Main.Constants...)
	for _, fn := range vm.image.Functions {
		dst = append(dst, fn.Constants...)
	}
	for i := 0; i < vm.frameTop; i++ {
		f := &vm.frames[i]
		dst = append(dst, f.regs[:]...)
		for _, uv := range f.upvalues {
			if uv != nil {
				dst = append(dst, object.ToBoxed(uv))
			}
		}
		for _, uv := range f.openUpvalues {
			dst = append(dst, object.ToBoxed(uv))
		}
	}
	return dst
}
