// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package stackvm implements the stack-based bytecode interpreter: a
// variable-width instruction stream over a fixed-capacity Boxed64 value
// stack, call frames with slot windows, open/closed upvalues, and
// cooperative reduction-counter preemption. It shares the fetch/decode/
// dispatch shape and the value/heap/scheduler model of package
// registervm, trading that engine's fixed 4-byte words for variable-width
// chunks.
package stackvm

import (
	"context"
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/probeum/actorvm/bytecode"
	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/internal/clock"
	"github.com/probeum/actorvm/internal/ic"
	"github.com/probeum/actorvm/internal/vmerrors"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/scheduler"
	"github.com/probeum/actorvm/value"
)

// ReductionBatch is the number of instructions a single Run call executes
// before checking for cooperative preemption. Amortizing the check across
// the batch keeps it out of the per-instruction hot path.
const ReductionBatch = 64

const (
	maxStack = 4096

	// The frame budget is soft: a VM starts with initialFrames and doubles
	// the allowance as call depth grows, overflowing only past maxFrames.
	initialFrames = 16
	maxFrames     = 256
)

// Status is the outcome of one Run call.
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

// frame is one call's activation record: its chunk, instruction pointer,
// the base stack slot its locals start at, and the upvalue list its
// closure (if any) captured.
type frame struct {
	chunk     *bytecode.Chunk
	ip        int
	stackBase int
	upvalues  []*object.Object
}

// VM is one stack-machine execution context, bound to exactly one Block's
// Heap for the duration of a reduction batch: one worker, one block, one
// VM+Heap at a time.
type VM struct {
	stack [maxStack]value.Boxed64
	sp    int

	frames     [maxFrames]frame
	frameTop   int
	frameLimit int

	globals map[string]value.Boxed64

	clock clock.Clock

	heap  *heap.Heap
	image *bytecode.Image
	ic    *ic.Cache

	openUpvalues []*object.Object // sorted by descending Location address

	reductions uint64
	block      *scheduler.Block
	sched      *scheduler.BasicScheduler

	err error
}

// New constructs a VM bound to h, ready to execute img starting at its main
// chunk, scheduling actor ops against sched on behalf of b.
func New(img *bytecode.Image, h *heap.Heap, sched *scheduler.BasicScheduler, b *scheduler.Block, icCache *ic.Cache) *VM {
	vm := &VM{
		globals:    make(map[string]value.Boxed64),
		heap:       h,
		image:      img,
		sched:      sched,
		block:      b,
		ic:         icCache,
		clock:      clock.System{},
		frameLimit: initialFrames,
	}
	vm.frames[0] = frame{chunk: img.Main}
	vm.frameTop = 1
	return vm
}

// SetClock swaps the deadline time source, for tests that drive
// RECEIVE_TIMEOUT without real sleeps.
func (vm *VM) SetClock(c clock.Clock) { vm.clock = c }

func (vm *VM) push(v value.Boxed64) error {
	if vm.sp >= maxStack {
		return vmerrors.ErrStackOverflow
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() (value.Boxed64, error) {
	if vm.sp == 0 {
		return 0, vmerrors.ErrStackUnderflow
	}
	vm.sp--
	return vm.stack[vm.sp], nil
}

func (vm *VM) peek(depth int) (value.Boxed64, error) {
	i := vm.sp - 1 - depth
	if i < 0 {
		return 0, vmerrors.ErrStackUnderflow
	}
	return vm.stack[i], nil
}

func (vm *VM) curFrame() *frame { return &vm.frames[vm.frameTop-1] }

func (vm *VM) readByte() byte {
	f := vm.curFrame()
	b := f.chunk.Code[f.ip]
	f.ip++
	return b
}

func (vm *VM) readU16() uint16 {
	f := vm.curFrame()
	v := binary.LittleEndian.Uint16(f.chunk.Code[f.ip:])
	f.ip += 2
	return v
}

// Run executes instructions until the chunk halts, the block blocks on an
// empty-mailbox receive, an error occurs, or ReductionBatch instructions
// have executed without any of those -- in which case Run returns
// StatusYield so the caller (see package worker) can requeue the block and
// let another one run.
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
			err = vmerrors.At(err, chunk.LineFor(ipBefore))
			vm.err = err
			return StatusOk, err
		}
		if status != StatusOk {
			return status, nil
		}
	}
	return StatusYield, nil
}

// retainIfObject bumps the refcount when v carries an object reference.
// Every instruction that duplicates a reference into a second slot (DUP,
// CONST, GET_LOCAL, closure capture, element reads, ...) routes the
// outgoing copy through here so Object.Exclusive sees every alias the
// program created and copy-on-write triggers on genuinely shared
// containers. Discarding a slot never releases: the count is an upper
// bound on aliases, which only makes the exclusivity check conservative,
// and the tracing collector reclaims by reachability regardless.
func retainIfObject(v value.Boxed64) value.Boxed64 {
	if value.IsObject(v) {
		object.FromBoxed(v).Retain()
	}
	return v
}

// step executes exactly one instruction.
func (vm *VM) step() (Status, error) {
	f := vm.curFrame()
	if f.ip >= len(f.chunk.Code) {
		return StatusHalt, nil
	}
	op := Opcode(vm.readByte())

	switch op {
	case OpNop:
		return StatusOk, nil

	case OpPop:
		_, err := vm.pop()
		return StatusOk, err

	case OpDup:
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(retainIfObject(v))

	case OpDup2:
		a, err := vm.peek(1)
		if err != nil {
			return StatusOk, err
		}
		b, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		if err := vm.push(retainIfObject(a)); err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(retainIfObject(b))

	case OpSwap:
		a, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		b, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		if err := vm.push(a); err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(b)

	case OpConstant:
		idx := vm.readU16()
		if int(idx) >= len(f.chunk.Constants) {
			return StatusOk, vmerrors.OutOfBoundsf("constant index %d", idx)
		}
		return StatusOk, vm.push(retainIfObject(f.chunk.Constants[idx]))

	case OpNil:
		return StatusOk, vm.push(value.EncodeNil())
	case OpTrue:
		return StatusOk, vm.push(value.EncodeBool(true))
	case OpFalse:
		return StatusOk, vm.push(value.EncodeBool(false))

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return StatusOk, vm.binaryArith(op)

	case OpNeg:
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		switch {
		case value.IsInt(v):
			return StatusOk, vm.push(value.EncodeInt(-value.DecodeInt(v)))
		case value.IsDouble(v):
			return StatusOk, vm.push(value.EncodeDouble(-value.DecodeDouble(v)))
		default:
			return StatusOk, vmerrors.Typef("NEG: operand is %s, not a number", value.Kind(v))
		}

	case OpEq, OpNeq:
		b, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		a, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		eq := object.DeepEqual(a, b)
		if op == OpNeq {
			eq = !eq
		}
		return StatusOk, vm.push(value.EncodeBool(eq))

	case OpLt, OpLte, OpGt, OpGte:
		return StatusOk, vm.compare(op)

	case OpNot:
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(value.EncodeBool(!value.IsTruthy(v)))

	case OpGetLocal:
		slot := int(vm.readByte())
		return StatusOk, vm.push(retainIfObject(vm.stack[f.stackBase+slot]))

	case OpSetLocal:
		slot := int(vm.readByte())
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		vm.stack[f.stackBase+slot] = retainIfObject(v)
		return StatusOk, nil

	case OpDefineGlobal:
		name := vm.image.String(int(vm.readU16()))
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		vm.globals[name] = v
		return StatusOk, nil

	case OpGetGlobal:
		name := vm.image.String(int(vm.readU16()))
		v, ok := vm.globals[name]
		if !ok {
			return StatusOk, vmerrors.UndefinedVariablef("%s", name)
		}
		return StatusOk, vm.push(retainIfObject(v))

	case OpSetGlobal:
		name := vm.image.String(int(vm.readU16()))
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		if _, ok := vm.globals[name]; !ok {
			return StatusOk, vmerrors.UndefinedVariablef("%s", name)
		}
		vm.globals[name] = retainIfObject(v)
		return StatusOk, nil

	case OpGetUpvalue:
		idx := int(vm.readByte())
		if idx >= len(f.upvalues) {
			return StatusOk, vmerrors.OutOfBoundsf("upvalue index %d", idx)
		}
		return StatusOk, vm.push(retainIfObject(f.upvalues[idx].Body().(*object.UpvalueBody).Get()))

	case OpSetUpvalue:
		idx := int(vm.readByte())
		if idx >= len(f.upvalues) {
			return StatusOk, vmerrors.OutOfBoundsf("upvalue index %d", idx)
		}
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		f.upvalues[idx].Body().(*object.UpvalueBody).Set(retainIfObject(v))
		return StatusOk, nil

	case OpCloseUpvalue:
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		vm.closeUpvaluesFrom(vm.sp)
		return StatusOk, vm.push(v)

	case OpJump:
		offset := vm.readU16()
		if f.ip+int(offset) > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		f.ip += int(offset)
		return StatusOk, nil

	case OpJumpIfFalse:
		offset := vm.readU16()
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		if f.ip+int(offset) > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		if !value.IsTruthy(v) {
			f.ip += int(offset)
		}
		return StatusOk, nil

	case OpJumpIfTrue:
		offset := vm.readU16()
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		if f.ip+int(offset) > len(f.chunk.Code) {
			return StatusOk, vmerrors.Runtimef("jump out of bounds")
		}
		if value.IsTruthy(v) {
			f.ip += int(offset)
		}
		return StatusOk, nil

	case OpLoop:
		offset := vm.readU16()
		if f.ip-int(offset) < 0 {
			return StatusOk, vmerrors.Runtimef("loop jump out of bounds")
		}
		f.ip -= int(offset)
		return StatusOk, nil

	case OpCall:
		argc := int(vm.readByte())
		return StatusOk, vm.call(argc)

	case OpClosure:
		return StatusOk, vm.makeClosure()

	case OpReturn:
		return vm.doReturn()

	case OpNewArray:
		n := int(vm.readU16())
		if vm.sp < n {
			return StatusOk, vmerrors.ErrStackUnderflow
		}
		items := make([]value.Boxed64, n)
		copy(items, vm.stack[vm.sp-n:vm.sp])
		vm.sp -= n
		o, err := vm.heap.Alloc(object.KindArray, &object.ArrayBody{Items: items})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(o))

	case OpArrayGet:
		return StatusOk, vm.arrayGet()
	case OpArraySet:
		return StatusOk, vm.arraySet()
	case OpArrayPush:
		return StatusOk, vm.arrayPush()
	case OpArrayLen:
		return StatusOk, vm.arrayLen()

	case OpNewMap:
		o, err := vm.heap.Alloc(object.KindMap, object.NewMap())
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(o))

	case OpMapSet:
		return StatusOk, vm.mapSet()
	case OpMapGet:
		return StatusOk, vm.mapGet(-1)
	case OpMapGetIC:
		slot := int(vm.readU16())
		return StatusOk, vm.mapGet(slot)
	case OpMapRemove:
		return StatusOk, vm.mapRemove()

	case OpMakeOk, OpMakeErr:
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		o, err := vm.heap.Alloc(object.KindResult, &object.ResultBody{Ok: op == OpMakeOk, Payload: v})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(o))

	case OpMakeSome:
		v, err := vm.pop()
		if err != nil {
			return StatusOk, err
		}
		o, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: v})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(o))

	case OpMakeNone:
		o, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: false})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(o))

	case OpIsOk, OpIsErr:
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		r, err := vm.resultBody(v)
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(value.EncodeBool(r.Ok == (op == OpIsOk)))

	case OpIsSome, OpIsNone:
		v, err := vm.peek(0)
		if err != nil {
			return StatusOk, err
		}
		o, err := vm.optionBody(v)
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(value.EncodeBool(o.Some == (op == OpIsSome)))

	case OpUnwrap:
		return StatusOk, vm.unwrap()

	case OpUnwrapOr:
		return StatusOk, vm.unwrapOr()

	case OpSelf:
		return StatusOk, vm.push(value.EncodePID(vm.block.PID.AsUint64()))

	case OpSpawn:
		return StatusOk, vm.spawn()

	case OpSend:
		return StatusOk, vm.send()

	case OpReceive:
		return vm.receive(1)

	case OpReceiveTimeout:
		return vm.receiveTimeout()

	case OpReceiveMatchStart:
		return StatusOk, nil

	case OpReceiveMatchNext:
		return vm.receiveMatch()

	case OpLink:
		return StatusOk, vm.link()
	case OpUnlink:
		return StatusOk, vm.unlink()
	case OpMonitor:
		return StatusOk, vm.monitor()
	case OpDemonitor:
		return StatusOk, vm.demonitor()

	case OpGetStats:
		return StatusOk, vm.getStats()

	case OpGroupJoin, OpGroupLeave, OpGroupBroadcast, OpSupStart, OpSupRestart, OpTrace, OpTraceOff:
		return StatusOk, vmerrors.ErrNotImplemented

	case OpHalt:
		return StatusHalt, nil

	case OpYield:
		return StatusYield, nil

	default:
		return StatusOk, vmerrors.ErrInvalidOpcode
	}
}

// stringOrNil returns the string form of v when v is a String object or
// nil (nil reads as ""), for ADD's concatenation mode.
func stringOrNil(v value.Boxed64) (string, bool) {
	if value.IsNil(v) {
		return "", true
	}
	if !value.IsObject(v) {
		return "", false
	}
	if s, ok := object.FromBoxed(v).Body().(*object.StringBody); ok {
		return s.String(), true
	}
	return "", false
}

func isString(v value.Boxed64) bool {
	if !value.IsObject(v) {
		return false
	}
	_, ok := object.FromBoxed(v).Body().(*object.StringBody)
	return ok
}

func (vm *VM) binaryArith(op Opcode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	// ADD doubles as concatenation when at least one operand is a string
	// and the other is string-or-nil (nil reads as "").
	if op == OpAdd && (isString(a) || isString(b)) {
		as, aok := stringOrNil(a)
		bs, bok := stringOrNil(b)
		if !aok || !bok {
			return vmerrors.Typef("ADD: cannot concatenate %s and %s", value.Kind(a), value.Kind(b))
		}
		o, err := vm.heap.Alloc(object.KindString, object.NewString(as+bs))
		if err != nil {
			return err
		}
		return vm.push(object.ToBoxed(o))
	}
	if value.IsInt(a) && value.IsInt(b) {
		ai, bi := value.DecodeInt(a), value.DecodeInt(b)
		switch op {
		case OpAdd:
			return vm.push(value.EncodeInt(ai + bi))
		case OpSub:
			return vm.push(value.EncodeInt(ai - bi))
		case OpMul:
			return vm.push(value.EncodeInt(ai * bi))
		case OpDiv:
			if bi == 0 {
				return vmerrors.ErrDivisionByZero
			}
			return vm.push(value.EncodeInt(ai / bi))
		case OpMod:
			if bi == 0 {
				return vmerrors.ErrDivisionByZero
			}
			return vm.push(value.EncodeInt(ai % bi))
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return vmerrors.Typef("arithmetic operand is not a number: %s, %s", value.Kind(a), value.Kind(b))
	}
	switch op {
	case OpAdd:
		return vm.push(value.EncodeDouble(af + bf))
	case OpSub:
		return vm.push(value.EncodeDouble(af - bf))
	case OpMul:
		return vm.push(value.EncodeDouble(af * bf))
	case OpDiv:
		if bf == 0 {
			return vmerrors.ErrDivisionByZero
		}
		return vm.push(value.EncodeDouble(af / bf))
	case OpMod:
		return vmerrors.Typef("MOD requires integer operands: %s, %s", value.Kind(a), value.Kind(b))
	}
	return vmerrors.ErrInvalidOpcode
}

func asFloat(v value.Boxed64) (float64, bool) {
	switch {
	case value.IsDouble(v):
		return value.DecodeDouble(v), true
	case value.IsInt(v):
		return float64(value.DecodeInt(v)), true
	default:
		return 0, false
	}
}

func (vm *VM) compare(op Opcode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	// Ordering is defined within a kind only: number against number, or
	// string against string (byte-lexicographic). Anything else is a type
	// error, including number-against-string.
	if isString(a) && isString(b) {
		as, _ := stringOrNil(a)
		bs, _ := stringOrNil(b)
		var result bool
		switch op {
		case OpLt:
			result = as < bs
		case OpLte:
			result = as <= bs
		case OpGt:
			result = as > bs
		case OpGte:
			result = as >= bs
		}
		return vm.push(value.EncodeBool(result))
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return vmerrors.Typef("comparison operands must both be numbers or both strings: %s, %s", value.Kind(a), value.Kind(b))
	}
	var result bool
	switch op {
	case OpLt:
		result = af < bf
	case OpLte:
		result = af <= bf
	case OpGt:
		result = af > bf
	case OpGte:
		result = af >= bf
	}
	return vm.push(value.EncodeBool(result))
}

func (vm *VM) resultBody(v value.Boxed64) (*object.ResultBody, error) {
	if !value.IsObject(v) {
		return nil, vmerrors.Typef("expected Result, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	r, ok := o.Body().(*object.ResultBody)
	if !ok {
		return nil, vmerrors.Typef("expected Result, got %s", o.Kind())
	}
	return r, nil
}

func (vm *VM) optionBody(v value.Boxed64) (*object.OptionBody, error) {
	if !value.IsObject(v) {
		return nil, vmerrors.Typef("expected Option, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	opt, ok := o.Body().(*object.OptionBody)
	if !ok {
		return nil, vmerrors.Typef("expected Option, got %s", o.Kind())
	}
	return opt, nil
}

func (vm *VM) unwrap() error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	if !value.IsObject(v) {
		return vmerrors.Typef("UNWRAP: expected Result or Option, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	switch b := o.Body().(type) {
	case *object.ResultBody:
		if !b.Ok {
			return vmerrors.Runtimef("UNWRAP called on Err result")
		}
		return vm.push(retainIfObject(b.Payload))
	case *object.OptionBody:
		if !b.Some {
			return vmerrors.Runtimef("UNWRAP called on None option")
		}
		return vm.push(retainIfObject(b.Payload))
	default:
		return vmerrors.Typef("UNWRAP: expected Result or Option, got %s", o.Kind())
	}
}

// unwrapOr pops a fallback value and a Result/Option beneath it, pushing
// the payload when the container is Ok/Some and the fallback otherwise --
// the non-faulting sibling of unwrap.
func (vm *VM) unwrapOr() error {
	fallback, err := vm.pop()
	if err != nil {
		return err
	}
	v, err := vm.pop()
	if err != nil {
		return err
	}
	if !value.IsObject(v) {
		return vmerrors.Typef("UNWRAP_OR: expected Result or Option, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	switch b := o.Body().(type) {
	case *object.ResultBody:
		if b.Ok {
			return vm.push(retainIfObject(b.Payload))
		}
		return vm.push(fallback)
	case *object.OptionBody:
		if b.Some {
			return vm.push(retainIfObject(b.Payload))
		}
		return vm.push(fallback)
	default:
		return vmerrors.Typef("UNWRAP_OR: expected Result or Option, got %s", o.Kind())
	}
}

func (vm *VM) arrayObj(v value.Boxed64) (*object.Object, *object.ArrayBody, error) {
	if !value.IsObject(v) {
		return nil, nil, vmerrors.Typef("expected array, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	a, ok := o.Body().(*object.ArrayBody)
	if !ok {
		return nil, nil, vmerrors.Typef("expected array, got %s", o.Kind())
	}
	return o, a, nil
}

func (vm *VM) arrayGet() error {
	idxV, err := vm.pop()
	if err != nil {
		return err
	}
	arrV, err := vm.pop()
	if err != nil {
		return err
	}
	_, a, err := vm.arrayObj(arrV)
	if err != nil {
		return err
	}
	if !value.IsInt(idxV) {
		return vmerrors.Typef("array index must be an integer")
	}
	idx := int(value.DecodeInt(idxV))
	if idx < 0 || idx >= len(a.Items) {
		return vmerrors.OutOfBoundsf("array index %d, length %d", idx, len(a.Items))
	}
	return vm.push(retainIfObject(a.Items[idx]))
}

func (vm *VM) arraySet() error {
	val, err := vm.pop()
	if err != nil {
		return err
	}
	idxV, err := vm.pop()
	if err != nil {
		return err
	}
	arrV, err := vm.pop()
	if err != nil {
		return err
	}
	o, _, err := vm.arrayObj(arrV)
	if err != nil {
		return err
	}
	if !value.IsInt(idxV) {
		return vmerrors.Typef("array index must be an integer")
	}
	idx := int(value.DecodeInt(idxV))
	updated, err := vm.heap.ArraySet(o, idx, val)
	if err != nil {
		return vmerrors.OutOfBoundsf("array index %d", idx)
	}
	return vm.push(object.ToBoxed(updated))
}

func (vm *VM) arrayPush() error {
	val, err := vm.pop()
	if err != nil {
		return err
	}
	arrV, err := vm.pop()
	if err != nil {
		return err
	}
	o, _, err := vm.arrayObj(arrV)
	if err != nil {
		return err
	}
	updated := vm.heap.ArrayPush(o, val)
	return vm.push(object.ToBoxed(updated))
}

func (vm *VM) arrayLen() error {
	arrV, err := vm.pop()
	if err != nil {
		return err
	}
	_, a, err := vm.arrayObj(arrV)
	if err != nil {
		return err
	}
	return vm.push(value.EncodeInt(int64(len(a.Items))))
}

func (vm *VM) mapObj(v value.Boxed64) (*object.Object, *object.MapBody, error) {
	if !value.IsObject(v) {
		return nil, nil, vmerrors.Typef("expected map, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	m, ok := o.Body().(*object.MapBody)
	if !ok {
		return nil, nil, vmerrors.Typef("expected map, got %s", o.Kind())
	}
	return o, m, nil
}

func (vm *VM) mapKeyString(v value.Boxed64) (string, error) {
	if !value.IsObject(v) {
		return "", vmerrors.Typef("map key must be a string")
	}
	o := object.FromBoxed(v)
	s, ok := o.Body().(*object.StringBody)
	if !ok {
		return "", vmerrors.Typef("map key must be a string")
	}
	return s.String(), nil
}

func (vm *VM) mapSet() error {
	val, err := vm.pop()
	if err != nil {
		return err
	}
	keyV, err := vm.pop()
	if err != nil {
		return err
	}
	mapV, err := vm.pop()
	if err != nil {
		return err
	}
	o, _, err := vm.mapObj(mapV)
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(keyV)
	if err != nil {
		return err
	}
	updated := vm.heap.MapSet(o, key, val)
	return vm.push(object.ToBoxed(updated))
}

// shapeID derives the inline-cache shape identity for a map object from
// its tagged Boxed64 pointer payload -- stable for the object's lifetime,
// which is exactly what a shape key needs to be.
func shapeID(v value.Boxed64) uintptr { return uintptr(value.DecodeObj(v)) }

func (vm *VM) mapGet(icSlot int) error {
	keyV, err := vm.pop()
	if err != nil {
		return err
	}
	mapV, err := vm.pop()
	if err != nil {
		return err
	}
	_, m, err := vm.mapObj(mapV)
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(keyV)
	if err != nil {
		return err
	}

	f := vm.curFrame()
	var slot *bytecode.ICSlot
	if icSlot >= 0 && icSlot < len(f.chunk.ICSlots) {
		slot = &f.chunk.ICSlots[icSlot]
	}

	// Fast path: the per-site slot first, then the shared megamorphic tier.
	// Either cache hands back a remembered bucket index; the bucket entry is
	// still rechecked by string equality, so a stale index only costs a miss.
	if slot != nil {
		if bucket, ok := slot.Lookup(shapeID(mapV)); ok {
			if v, found := m.GetAtBucket(bucket, key); found {
				o2, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: retainIfObject(v)})
				if err != nil {
					return err
				}
				return vm.push(object.ToBoxed(o2))
			}
		}
		if slot.State == bytecode.ICMegamorphic && vm.ic != nil {
			if bucket, ok := vm.ic.Lookup(shapeID(mapV), key); ok {
				if v, found := m.GetAtBucket(bucket, key); found {
					o2, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: retainIfObject(v)})
					if err != nil {
						return err
					}
					return vm.push(object.ToBoxed(o2))
				}
			}
		}
	}

	v, ok := m.Get(key)
	if !ok {
		o2, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: false})
		if err != nil {
			return err
		}
		return vm.push(object.ToBoxed(o2))
	}
	if slot != nil {
		slot.Update(shapeID(mapV), m.BucketIndex(key))
		if slot.State == bytecode.ICMegamorphic && vm.ic != nil {
			vm.ic.Remember(shapeID(mapV), key, m.BucketIndex(key))
		}
	}
	o2, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: retainIfObject(v)})
	if err != nil {
		return err
	}
	return vm.push(object.ToBoxed(o2))
}

func (vm *VM) mapRemove() error {
	keyV, err := vm.pop()
	if err != nil {
		return err
	}
	mapV, err := vm.pop()
	if err != nil {
		return err
	}
	o, _, err := vm.mapObj(mapV)
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(keyV)
	if err != nil {
		return err
	}
	updated, _, _ := vm.heap.MapRemove(o, key)
	return vm.push(object.ToBoxed(updated))
}

func (vm *VM) send() error {
	val, err := vm.pop()
	if err != nil {
		return err
	}
	targetV, err := vm.pop()
	if err != nil {
		return err
	}
	if !value.IsPID(targetV) {
		return vmerrors.Typef("SEND target must be a PID")
	}
	target, ok := vm.sched.LookupPID(value.DecodePID(targetV))
	if !ok {
		return vmerrors.SendFailedf("unknown target PID")
	}
	dst, ok := vm.sched.GetBlock(target)
	if !ok {
		return vmerrors.SendFailedf("unknown target block")
	}
	if err := vm.sched.Send(target, vm.block.PID, vm.block.Capabilities, val, vm.heap, vm.sched.HeapFor(dst)); err != nil {
		return vmerrors.SendFailedf("%s", err)
	}
	vm.block.Counters.MessagesSent++
	return nil
}

// spawn implements OpSpawn: pops a capability-mask int and an entry
// closure, starts a fresh block owning a fresh heap, and pushes the new
// block's PID. The entry closure must not capture any upvalues: a spawned
// block's VM has no enclosing frame for them to point into.
func (vm *VM) spawn() error {
	closureV, err := vm.pop()
	if err != nil {
		return err
	}
	capsV, err := vm.pop()
	if err != nil {
		return err
	}
	if !vm.block.Capabilities.Has(scheduler.CapSpawn) {
		return vmerrors.Capabilityf("SPAWN: block lacks CapSpawn")
	}
	if !value.IsInt(capsV) {
		return vmerrors.Typef("SPAWN: capability mask must be an integer")
	}
	if !value.IsObject(closureV) {
		return vmerrors.Typef("SPAWN: entry must be a closure")
	}
	o := object.FromBoxed(closureV)
	closure, ok := o.Body().(*object.ClosureBody)
	if !ok {
		return vmerrors.Typef("SPAWN: entry must be a closure, got %s", o.Kind())
	}
	if len(closure.Upvalues) > 0 {
		return vmerrors.Runtimef("SPAWN: entry closure must not capture upvalues")
	}
	fn, ok := closure.Func.Body().(*object.FunctionBody)
	if !ok {
		return vmerrors.Runtimef("SPAWN: closure's function field is corrupt")
	}

	childHeap := heap.New(heap.Config{})
	fnObj, err := childHeap.Alloc(object.KindFunction, &object.FunctionBody{
		Name: fn.Name, Arity: fn.Arity, ChunkIndex: fn.ChunkIndex, UpvalueCount: fn.UpvalueCount,
	})
	if err != nil {
		return err
	}
	entryObj, err := childHeap.Alloc(object.KindClosure, &object.ClosureBody{Func: fnObj})
	if err != nil {
		return err
	}

	caps := scheduler.Capability(value.DecodeInt(capsV))
	pid, err := vm.sched.Spawn(fn.Name, caps, vm.block.PID, true, childHeap, entryObj)
	if err != nil {
		return err
	}
	return vm.push(value.EncodePID(pid.AsUint64()))
}

func (vm *VM) targetPID() (scheduler.PID, error) {
	v, err := vm.pop()
	if err != nil {
		return scheduler.PID{}, err
	}
	if !value.IsPID(v) {
		return scheduler.PID{}, vmerrors.Typef("expected a PID")
	}
	pid, ok := vm.sched.LookupPID(value.DecodePID(v))
	if !ok {
		return scheduler.PID{}, vmerrors.Runtimef("unknown PID")
	}
	return pid, nil
}

func (vm *VM) link() error {
	if !vm.block.Capabilities.Has(scheduler.CapLink) {
		return vmerrors.Capabilityf("LINK: block lacks CapLink")
	}
	target, err := vm.targetPID()
	if err != nil {
		return err
	}
	return vm.sched.Link(vm.block.PID, target)
}

func (vm *VM) unlink() error {
	if !vm.block.Capabilities.Has(scheduler.CapLink) {
		return vmerrors.Capabilityf("UNLINK: block lacks CapLink")
	}
	target, err := vm.targetPID()
	if err != nil {
		return err
	}
	vm.sched.Unlink(vm.block.PID, target)
	return nil
}

func (vm *VM) monitor() error {
	if !vm.block.Capabilities.Has(scheduler.CapMonitor) {
		return vmerrors.Capabilityf("MONITOR: block lacks CapMonitor")
	}
	target, err := vm.targetPID()
	if err != nil {
		return err
	}
	return vm.sched.Monitor(vm.block.PID, target)
}

func (vm *VM) demonitor() error {
	if !vm.block.Capabilities.Has(scheduler.CapMonitor) {
		return vmerrors.Capabilityf("DEMONITOR: block lacks CapMonitor")
	}
	target, err := vm.targetPID()
	if err != nil {
		return err
	}
	vm.sched.Demonitor(vm.block.PID, target)
	return nil
}

// call invokes the closure at stack depth argc (i.e. pushed before its
// argc arguments) with those arguments, pushing a new frame. A native Go
// recursion-free call: the new frame's stackBase is the first argument's
// slot, so the closure's own locals simply continue the same physical
// stack array.
func (vm *VM) call(argc int) error {
	calleeV, err := vm.peek(argc)
	if err != nil {
		return err
	}
	if !value.IsObject(calleeV) {
		return vmerrors.Typef("CALL: callee is not a closure")
	}
	o := object.FromBoxed(calleeV)
	closure, ok := o.Body().(*object.ClosureBody)
	if !ok {
		return vmerrors.Typef("CALL: callee is not a closure, got %s", o.Kind())
	}
	fnObj := closure.Func
	fn, ok := fnObj.Body().(*object.FunctionBody)
	if !ok {
		return vmerrors.Typef("CALL: closure's function field is corrupt")
	}
	if fn.Arity != argc {
		return vmerrors.Arityf("%s expects %d arguments, got %d", fn.Name, fn.Arity, argc)
	}
	if vm.frameTop >= vm.frameLimit {
		if vm.frameLimit >= maxFrames {
			return vmerrors.ErrStackOverflow
		}
		vm.frameLimit *= 2
		if vm.frameLimit > maxFrames {
			vm.frameLimit = maxFrames
		}
	}
	chunk := vm.image.Function(fn.ChunkIndex)
	if chunk == nil {
		return vmerrors.Runtimef("CALL: function chunk index %d out of range", fn.ChunkIndex)
	}
	vm.frames[vm.frameTop] = frame{
		chunk:     chunk,
		stackBase: vm.sp - argc,
		upvalues:  closure.Upvalues,
	}
	vm.frameTop++
	return nil
}

// doReturn pops the current frame, leaving its top-of-stack return value
// in place of the callee and its arguments. Returning from the outermost
// (main-chunk) frame halts the VM instead.
func (vm *VM) doReturn() (Status, error) {
	result, err := vm.pop()
	if err != nil {
		return StatusOk, err
	}
	f := vm.curFrame()
	vm.closeUpvaluesFrom(f.stackBase)
	returnBase := f.stackBase - 1 // the slot the callee closure itself occupied
	vm.frameTop--
	if vm.frameTop == 0 {
		return StatusHalt, nil
	}
	vm.sp = returnBase
	return StatusOk, vm.push(result)
}

// makeClosure implements OpClosure: it reads the target function-chunk
// index and then, for each of that chunk's declared upvalues, an
// (isLocal, index) byte pair -- isLocal=1 captures the enclosing frame's
// local slot `index` (opening a fresh UpvalueBody, inserted into the
// VM's open list), isLocal=0 copies the enclosing closure's own upvalue
// `index` by reference. Capture provenance is described once, at
// closure-creation time, rather than re-resolved at every access.
func (vm *VM) makeClosure() error {
	idx := int(vm.readU16())
	chunk := vm.image.Function(idx)
	if chunk == nil {
		return vmerrors.Runtimef("CLOSURE: function chunk index %d out of range", idx)
	}
	fnObj, err := vm.heap.Alloc(object.KindFunction, &object.FunctionBody{
		Name: chunk.Name, Arity: chunk.NumParams, ChunkIndex: idx, UpvalueCount: chunk.NumUpvalues,
	})
	if err != nil {
		return err
	}
	enclosing := vm.curFrame()
	upvalues := make([]*object.Object, chunk.NumUpvalues)
	for i := 0; i < chunk.NumUpvalues; i++ {
		isLocal := vm.readByte()
		index := int(vm.readByte())
		if isLocal == 1 {
			uv, err := vm.captureUpvalue(enclosing.stackBase + index)
			if err != nil {
				return err
			}
			uv.Retain()
			upvalues[i] = uv
		} else {
			uv := enclosing.upvalues[index]
			uv.Retain()
			upvalues[i] = uv
		}
	}
	closureObj, err := vm.heap.Alloc(object.KindClosure, &object.ClosureBody{Func: fnObj, Upvalues: upvalues})
	if err != nil {
		return err
	}
	return vm.push(object.ToBoxed(closureObj))
}

// slotOf returns the stack index loc points into, given that every open
// upvalue's Location is required to point somewhere inside vm.stack (a
// fixed-size array that never reallocates, unlike a growable slice).
func (vm *VM) slotOf(loc *value.Boxed64) int {
	base := uintptr(unsafe.Pointer(&vm.stack[0]))
	p := uintptr(unsafe.Pointer(loc))
	return int((p - base) / unsafe.Sizeof(vm.stack[0]))
}

// captureUpvalue returns the existing open upvalue pointing at stack slot
// slotIdx, or opens a fresh one, keeping vm.openUpvalues sorted by
// descending slot index so closing every upvalue at or above a slot stays
// a prefix walk.
func (vm *VM) captureUpvalue(slotIdx int) (*object.Object, error) {
	for _, uv := range vm.openUpvalues {
		if vm.slotOf(uv.Body().(*object.UpvalueBody).Location) == slotIdx {
			return uv, nil
		}
	}
	o, err := vm.heap.Alloc(object.KindUpvalue, &object.UpvalueBody{Location: &vm.stack[slotIdx]})
	if err != nil {
		return nil, err
	}
	inserted := false
	for i, uv := range vm.openUpvalues {
		if vm.slotOf(uv.Body().(*object.UpvalueBody).Location) < slotIdx {
			vm.openUpvalues = append(vm.openUpvalues[:i], append([]*object.Object{o}, vm.openUpvalues[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		vm.openUpvalues = append(vm.openUpvalues, o)
	}
	return o, nil
}

// closeUpvaluesFrom closes every open upvalue whose Location is at or
// above stack slot from, detaching it from the stack (its value survives
// by value in UpvalueBody.Closed) -- called when a frame returns or a
// block-scoped local goes out of scope.
func (vm *VM) closeUpvaluesFrom(from int) {
	kept := vm.openUpvalues[:0]
	for _, uv := range vm.openUpvalues {
		ub := uv.Body().(*object.UpvalueBody)
		if ub.Location != nil && vm.slotOf(ub.Location) >= from {
			ub.Close()
			continue
		}
		kept = append(kept, uv)
	}
	vm.openUpvalues = kept
}

// receiveTimeout is RECEIVE with a millisecond budget peeked from the top
// of the stack (peeked, not popped, so a re-dispatch after waking sees it
// again). It pushes Ok({sender, value}) when a message arrives in time and
// Err("timeout") once the deadline fires; in between it parks the block
// exactly like RECEIVE, with the pending deadline recorded on the block so
// the scheduler can wake it when the timer fires.
func (vm *VM) receiveTimeout() (Status, error) {
	msV, err := vm.peek(0)
	if err != nil {
		return StatusOk, err
	}
	if !value.IsInt(msV) {
		return StatusOk, vmerrors.Typef("RECEIVE_TIMEOUT: budget must be an integer millisecond count")
	}

	if env, ok := vm.block.Mailbox.Pop(); ok {
		vm.block.PendingDeadline = nil
		if _, err := vm.pop(); err != nil {
			return StatusOk, err
		}
		m := object.NewMap()
		m.Set("sender", value.EncodePID(env.Sender.AsUint64()))
		m.Set("value", env.Value)
		mo, err := vm.heap.Alloc(object.KindMap, m)
		if err != nil {
			return StatusOk, err
		}
		ro, err := vm.heap.Alloc(object.KindResult, &object.ResultBody{Ok: true, Payload: object.ToBoxed(mo)})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(ro))
	}

	now := vm.clock.Now().UnixNano()
	if vm.block.PendingDeadline == nil {
		d := now + value.DecodeInt(msV)*int64(time.Millisecond)
		vm.block.PendingDeadline = &d
	}
	if now >= *vm.block.PendingDeadline {
		vm.block.PendingDeadline = nil
		if _, err := vm.pop(); err != nil {
			return StatusOk, err
		}
		so, err := vm.heap.Alloc(object.KindString, object.NewString("timeout"))
		if err != nil {
			return StatusOk, err
		}
		ro, err := vm.heap.Alloc(object.KindResult, &object.ResultBody{Ok: false, Payload: object.ToBoxed(so)})
		if err != nil {
			return StatusOk, err
		}
		return StatusOk, vm.push(object.ToBoxed(ro))
	}

	vm.block.State = scheduler.StateWaiting
	vm.curFrame().ip -= opcodeWidth(OpReceiveTimeout)
	return StatusWaiting, nil
}

// getStats pushes a map snapshot of the block's lifetime counters.
func (vm *VM) getStats() error {
	st := vm.heap.Stats()
	m := object.NewMap()
	m.Set("messages_sent", value.EncodeInt(int64(vm.block.Counters.MessagesSent)))
	m.Set("messages_received", value.EncodeInt(int64(vm.block.Counters.MessagesReceived)))
	m.Set("reductions", value.EncodeInt(int64(vm.block.Counters.Reductions)))
	m.Set("gc_full_cycles", value.EncodeInt(int64(st.FullCycles)))
	m.Set("gc_minor_cycles", value.EncodeInt(int64(st.MinorCycles)))
	m.Set("gc_bytes_reclaimed", value.EncodeInt(int64(st.BytesReclaimed)))
	o, err := vm.heap.Alloc(object.KindMap, m)
	if err != nil {
		return err
	}
	return vm.push(object.ToBoxed(o))
}

func (vm *VM) receive(instrWidth int) (Status, error) {
	env, ok := vm.block.Mailbox.Pop()
	if !ok {
		vm.block.State = scheduler.StateWaiting
		vm.curFrame().ip -= instrWidth
		return StatusWaiting, nil
	}
	m := object.NewMap()
	m.Set("sender", value.EncodePID(env.Sender.AsUint64()))
	m.Set("value", env.Value)
	o, err := vm.heap.Alloc(object.KindMap, m)
	if err != nil {
		return StatusOk, err
	}
	if err := vm.push(object.ToBoxed(o)); err != nil {
		return StatusOk, err
	}
	return StatusOk, nil
}

// receiveMatch peeks the predicate closure at the top of the stack and
// scans the save queue then the mailbox FIFO for the first message it
// accepts. The predicate is invoked through the VM's own call machinery
// rather than a separate pattern matcher, since it already is compiled
// bytecode.
func (vm *VM) receiveMatch() (Status, error) {
	predV, err := vm.peek(0)
	if err != nil {
		return StatusOk, err
	}
	if !value.IsObject(predV) {
		return StatusOk, vmerrors.Typef("RECEIVE_MATCH pattern must be a map or a closure")
	}

	mb := &vm.block.Mailbox
	scanned := make([]scheduler.Envelope, 0, 4)
	for {
		var env scheduler.Envelope
		var ok bool
		if len(mb.SaveQueue()) > 0 {
			env = mb.PopSaved(0)
			ok = true
		} else {
			env, ok = mb.Pop()
		}
		if !ok {
			break
		}

		matched, err := vm.matchMessage(predV, env.Value)
		if err != nil {
			return StatusOk, err
		}
		if matched {
			for _, s := range scanned {
				mb.Defer(s)
			}
			if _, err := vm.pop(); err != nil {
				return StatusOk, err
			}
			m := object.NewMap()
			m.Set("sender", value.EncodePID(env.Sender.AsUint64()))
			m.Set("value", env.Value)
			o, err := vm.heap.Alloc(object.KindMap, m)
			if err != nil {
				return StatusOk, err
			}
			return StatusOk, vm.push(object.ToBoxed(o))
		}
		scanned = append(scanned, env)
	}
	for _, s := range scanned {
		mb.Defer(s)
	}
	vm.block.State = scheduler.StateWaiting
	vm.curFrame().ip -= opcodeWidth(OpReceiveMatchNext)
	return StatusWaiting, nil
}

// matchMessage decides whether msg satisfies the RECEIVE_MATCH operand: a
// pattern Map matches when it is a structural subset of the message (every
// pattern key whose pattern value is non-nil must deep-equal that field of
// the message); a Closure is invoked as a one-argument predicate over the
// message, for matches a subset pattern cannot express.
func (vm *VM) matchMessage(patternV, msg value.Boxed64) (bool, error) {
	switch pb := object.FromBoxed(patternV).Body().(type) {
	case *object.MapBody:
		if !value.IsObject(msg) {
			return false, nil
		}
		mb, ok := object.FromBoxed(msg).Body().(*object.MapBody)
		if !ok {
			return false, nil
		}
		for _, k := range pb.Keys() {
			want, _ := pb.Get(k)
			if value.IsNil(want) {
				continue // nil pattern value: key is a wildcard
			}
			got, ok := mb.Get(k)
			if !ok || !object.DeepEqual(want, got) {
				return false, nil
			}
		}
		return true, nil
	case *object.ClosureBody:
		return vm.callPredicate(patternV, msg)
	default:
		return false, vmerrors.Typef("RECEIVE_MATCH pattern must be a map or a closure")
	}
}

// callPredicate synchronously invokes a one-argument closure to
// completion, used only by RECEIVE_MATCH. It does not count against the
// reduction batch the way top-level instructions do -- the predicate is
// part of evaluating a single RECEIVE_MATCH_NEXT instruction.
func (vm *VM) callPredicate(closureV value.Boxed64, arg value.Boxed64) (bool, error) {
	if err := vm.push(retainIfObject(closureV)); err != nil {
		return false, err
	}
	if err := vm.push(retainIfObject(arg)); err != nil {
		return false, err
	}
	targetDepth := vm.frameTop
	if err := vm.call(1); err != nil {
		return false, err
	}
	for vm.frameTop > targetDepth {
		if _, err := vm.step(); err != nil {
			return false, err
		}
	}
	result, err := vm.pop()
	if err != nil {
		return false, err
	}
	return value.IsTruthy(result), nil
}

func opcodeWidth(op Opcode) int {
	switch opcodeTable[op].operand {
	case operandU8:
		return 2
	case operandU16:
		return 3
	case operandU32:
		return 5
	default:
		return 1
	}
}

// Err returns the error (if any) that last halted Run.
func (vm *VM) Err() error { return vm.err }

// Top returns the value at the top of the stack without popping it.
func (vm *VM) Top() (value.Boxed64, error) { return vm.peek(0) }

// FrameDepth reports the number of live call frames (1 while only the
// main chunk runs).
func (vm *VM) FrameDepth() int { return vm.frameTop }

// Roots implements heap.RootSource: every live stack slot, every global,
// every open or closed upvalue, and the constant pools of the whole loaded
// image. Constants are rooted unconditionally, not just for chunks with a
// live frame: a dormant function's pool objects must survive every
// collection so a later CALL into it still finds them alive.
func (vm *VM) Roots(dst []value.Boxed64) []value.Boxed64 {
	dst = append(dst, vm.stack[:vm.sp]...)
	for _, v := range vm.globals {
		dst = append(dst, v)
	}
	for _, uv := range vm.openUpvalues {
		dst = append(dst, object.ToBoxed(uv))
	}
	dst = append(dst, vm.image.Main.Constants...)
	for _, fn := range vm.image.Functions {
		dst = append(dst, fn.Constants...)
	}
	for i := 0; i < vm.frameTop; i++ {
		for _, uv := range vm.frames[i].upvalues {
			dst = append(dst, object.ToBoxed(uv))
		}
	}
	return dst
}
