// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package registervm

import (
	"strconv"
	"time"

	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/internal/vmerrors"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/scheduler"
	"github.com/probeum/actorvm/value"
)

// retainIfObject bumps the refcount when v carries an object reference.
// The register file is non-destructive (a source register keeps its value
// after almost every instruction), so any instruction that writes an
// existing reference into a second slot -- a register, a global, a
// container, a Result/Option payload -- routes the outgoing copy through
// here. Discarding a slot never releases: the count is an upper bound on
// aliases, which only makes the copy-on-write exclusivity check
// conservative, and the tracing collector reclaims by reachability
// regardless.
func retainIfObject(v value.Boxed64) value.Boxed64 {
	if value.IsObject(v) {
		object.FromBoxed(v).Retain()
	}
	return v
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

func (vm *VM) binaryArith(op Opcode, f *regFrame, rd, rs1, rs2 uint8) error {
	a, b := f.regs[rs1], f.regs[rs2]
	if value.IsInt(a) && value.IsInt(b) {
		ai, bi := value.DecodeInt(a), value.DecodeInt(b)
		switch op {
		case OpAdd:
			setReg(f, rd, value.EncodeInt(ai+bi))
			return nil
		case OpSub:
			setReg(f, rd, value.EncodeInt(ai-bi))
			return nil
		case OpMul:
			setReg(f, rd, value.EncodeInt(ai*bi))
			return nil
		case OpDiv:
			if bi == 0 {
				return vmerrors.ErrDivisionByZero
			}
			setReg(f, rd, value.EncodeInt(ai/bi))
			return nil
		case OpMod:
			if bi == 0 {
				return vmerrors.ErrDivisionByZero
			}
			setReg(f, rd, value.EncodeInt(ai%bi))
			return nil
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return vmerrors.Typef("arithmetic operand is not a number: %s, %s", value.Kind(a), value.Kind(b))
	}
	switch op {
	case OpAdd:
		setReg(f, rd, value.EncodeDouble(af+bf))
	case OpSub:
		setReg(f, rd, value.EncodeDouble(af-bf))
	case OpMul:
		setReg(f, rd, value.EncodeDouble(af*bf))
	case OpDiv:
		if bf == 0 {
			return vmerrors.ErrDivisionByZero
		}
		setReg(f, rd, value.EncodeDouble(af/bf))
	case OpMod:
		return vmerrors.Typef("MOD requires integer operands: %s, %s", value.Kind(a), value.Kind(b))
	}
	return nil
}

func (vm *VM) bitwise(op Opcode, f *regFrame, rd, rs1, rs2 uint8) error {
	a, b := f.regs[rs1], f.regs[rs2]
	if !value.IsInt(a) || !value.IsInt(b) {
		return vmerrors.Typef("bitwise operand is not an integer: %s, %s", value.Kind(a), value.Kind(b))
	}
	ai, bi := value.DecodeInt(a), value.DecodeInt(b)
	switch op {
	case OpAnd:
		setReg(f, rd, value.EncodeInt(ai&bi))
	case OpOr:
		setReg(f, rd, value.EncodeInt(ai|bi))
	case OpXor:
		setReg(f, rd, value.EncodeInt(ai^bi))
	case OpShl:
		setReg(f, rd, value.EncodeInt(ai<<uint(bi)))
	case OpShr:
		setReg(f, rd, value.EncodeInt(ai>>uint(bi)))
	}
	return nil
}

func stringBody(v value.Boxed64) (*object.StringBody, bool) {
	if !value.IsObject(v) {
		return nil, false
	}
	s, ok := object.FromBoxed(v).Body().(*object.StringBody)
	return s, ok
}

func (vm *VM) compare(op Opcode, f *regFrame, rd, rs1, rs2 uint8) error {
	// Ordering is defined within a kind only: number against number, or
	// string against string (byte-lexicographic).
	if sa, ok := stringBody(f.regs[rs1]); ok {
		sb, ok := stringBody(f.regs[rs2])
		if !ok {
			return vmerrors.Typef("comparison operands must both be numbers or both strings")
		}
		as, bs := sa.String(), sb.String()
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
		setReg(f, rd, value.EncodeBool(result))
		return nil
	}
	af, aok := asFloat(f.regs[rs1])
	bf, bok := asFloat(f.regs[rs2])
	if !aok || !bok {
		return vmerrors.Typef("comparison operands must both be numbers or both strings: %s, %s", value.Kind(f.regs[rs1]), value.Kind(f.regs[rs2]))
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
	setReg(f, rd, value.EncodeBool(result))
	return nil
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

func (vm *VM) unwrap(f *regFrame, rd, rs1 uint8) error {
	v := f.regs[rs1]
	if !value.IsObject(v) {
		return vmerrors.Typef("UNWRAP: expected Result or Option, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	switch b := o.Body().(type) {
	case *object.ResultBody:
		if !b.Ok {
			return vmerrors.Runtimef("UNWRAP called on Err result")
		}
		setReg(f, rd, retainIfObject(b.Payload))
		return nil
	case *object.OptionBody:
		if !b.Some {
			return vmerrors.Runtimef("UNWRAP called on None option")
		}
		setReg(f, rd, retainIfObject(b.Payload))
		return nil
	default:
		return vmerrors.Typef("UNWRAP: expected Result or Option, got %s", o.Kind())
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

func (vm *VM) arrayGet(f *regFrame, rd, rs1, rs2 uint8) error {
	_, a, err := vm.arrayObj(f.regs[rs1])
	if err != nil {
		return err
	}
	idxV := f.regs[rs2]
	if !value.IsInt(idxV) {
		return vmerrors.Typef("array index must be an integer")
	}
	idx := int(value.DecodeInt(idxV))
	if idx < 0 || idx >= len(a.Items) {
		return vmerrors.OutOfBoundsf("array index %d, length %d", idx, len(a.Items))
	}
	setReg(f, rd, retainIfObject(a.Items[idx]))
	return nil
}

// arraySet mutates the array held in register rd in place (cloning on
// write if shared), reading the index from rs1 and the value from rs2 --
// rd is both the array operand and the (possibly reallocated) result,
// matching OpArraySet's documented shape.
func (vm *VM) arraySet(f *regFrame, rd, rs1, rs2 uint8) error {
	o, _, err := vm.arrayObj(f.regs[rd])
	if err != nil {
		return err
	}
	idxV := f.regs[rs1]
	if !value.IsInt(idxV) {
		return vmerrors.Typef("array index must be an integer")
	}
	idx := int(value.DecodeInt(idxV))
	updated, err := vm.heap.ArraySet(o, idx, retainIfObject(f.regs[rs2]))
	if err != nil {
		return vmerrors.OutOfBoundsf("array index %d", idx)
	}
	setReg(f, rd, object.ToBoxed(updated))
	return nil
}

func (vm *VM) arrayPush(f *regFrame, rd, rs1 uint8) error {
	o, _, err := vm.arrayObj(f.regs[rd])
	if err != nil {
		return err
	}
	updated := vm.heap.ArrayPush(o, retainIfObject(f.regs[rs1]))
	setReg(f, rd, object.ToBoxed(updated))
	return nil
}

func (vm *VM) arrayLen(f *regFrame, rd, rs1 uint8) error {
	_, a, err := vm.arrayObj(f.regs[rs1])
	if err != nil {
		return err
	}
	setReg(f, rd, value.EncodeInt(int64(len(a.Items))))
	return nil
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

// mapGet looks up key rs2 in map rs1, writing an Option into rd. A
// 3-address 32-bit instruction has no spare field for an inline-cache slot
// index, so there is only a plain MAP_GET here, no MAP_GET_IC.
func (vm *VM) mapGet(f *regFrame, rd, rs1, rs2 uint8) error {
	_, m, err := vm.mapObj(f.regs[rs1])
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(f.regs[rs2])
	if err != nil {
		return err
	}
	v, ok := m.Get(key)
	if ok {
		v = retainIfObject(v)
	}
	o2, err := vm.heap.Alloc(object.KindOption, &object.OptionBody{Some: ok, Payload: v})
	if err != nil {
		return err
	}
	setReg(f, rd, object.ToBoxed(o2))
	return nil
}

func (vm *VM) mapSet(f *regFrame, rd, rs1, rs2 uint8) error {
	o, _, err := vm.mapObj(f.regs[rd])
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(f.regs[rs1])
	if err != nil {
		return err
	}
	updated := vm.heap.MapSet(o, key, retainIfObject(f.regs[rs2]))
	setReg(f, rd, object.ToBoxed(updated))
	return nil
}

func (vm *VM) mapRemove(f *regFrame, rd, rs1 uint8) error {
	o, _, err := vm.mapObj(f.regs[rd])
	if err != nil {
		return err
	}
	key, err := vm.mapKeyString(f.regs[rs1])
	if err != nil {
		return err
	}
	updated, _, _ := vm.heap.MapRemove(o, key)
	setReg(f, rd, object.ToBoxed(updated))
	return nil
}

// concat implements OpConcat: string concatenation, with nil operands
// treated as the empty string.
func (vm *VM) concat(f *regFrame, rd, rs1, rs2 uint8) error {
	sa, err := vm.asConcatString(f.regs[rs1])
	if err != nil {
		return err
	}
	sb, err := vm.asConcatString(f.regs[rs2])
	if err != nil {
		return err
	}
	o, err := vm.heap.Alloc(object.KindString, object.NewString(sa+sb))
	if err != nil {
		return err
	}
	setReg(f, rd, object.ToBoxed(o))
	return nil
}

func (vm *VM) asConcatString(v value.Boxed64) (string, error) {
	if value.IsNil(v) {
		return "", nil
	}
	if value.IsObject(v) {
		o := object.FromBoxed(v)
		if s, ok := o.Body().(*object.StringBody); ok {
			return s.String(), nil
		}
	}
	return "", vmerrors.Typef("CONCAT: operand is %s, not a string", value.Kind(v))
}

func (vm *VM) length(f *regFrame, rd, rs1 uint8) error {
	v := f.regs[rs1]
	if !value.IsObject(v) {
		return vmerrors.Typef("LEN: operand is %s, has no length", value.Kind(v))
	}
	o := object.FromBoxed(v)
	var n int
	switch b := o.Body().(type) {
	case *object.StringBody:
		n = len(b.Data)
	case *object.BytesBody:
		n = len(b.Data)
	case *object.ArrayBody:
		n = len(b.Items)
	case *object.MapBody:
		n = b.Len()
	default:
		return vmerrors.Typef("LEN: %s has no length", o.Kind())
	}
	setReg(f, rd, value.EncodeInt(int64(n)))
	return nil
}

func (vm *VM) typeOf(f *regFrame, rd, rs1 uint8) error {
	v := f.regs[rs1]
	name := value.Kind(v)
	if value.IsObject(v) {
		name = object.FromBoxed(v).Kind().String()
	}
	o, err := vm.heap.Alloc(object.KindString, object.NewString(name))
	if err != nil {
		return err
	}
	setReg(f, rd, object.ToBoxed(o))
	return nil
}

// displayString renders v for OpPrint: a plain type switch, no per-type
// display customization layer.
func (vm *VM) displayString(v value.Boxed64) string {
	switch {
	case value.IsNil(v):
		return "nil"
	case value.IsBool(v):
		return strconv.FormatBool(value.DecodeBool(v))
	case value.IsInt(v):
		return strconv.FormatInt(value.DecodeInt(v), 10)
	case value.IsDouble(v):
		return strconv.FormatFloat(value.DecodeDouble(v), 'g', -1, 64)
	case value.IsPID(v):
		return "#pid"
	case value.IsObject(v):
		o := object.FromBoxed(v)
		if s, ok := o.Body().(*object.StringBody); ok {
			return s.String()
		}
		return "#" + o.Kind().String()
	default:
		return "?"
	}
}

// ---- closures / upvalues -------------------------------------------------

func (vm *VM) makeClosure(f *regFrame, rd uint8, imm16 uint16) error {
	idx := int(imm16)
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
	closureObj, err := vm.heap.Alloc(object.KindClosure, &object.ClosureBody{
		Func: fnObj, Upvalues: make([]*object.Object, chunk.NumUpvalues),
	})
	if err != nil {
		return err
	}
	setReg(f, rd, object.ToBoxed(closureObj))
	return nil
}

func (vm *VM) closureUpvalues(f *regFrame, rd uint8) ([]*object.Object, error) {
	v := f.regs[rd]
	if !value.IsObject(v) {
		return nil, vmerrors.Typef("capture target is not a closure")
	}
	c, ok := object.FromBoxed(v).Body().(*object.ClosureBody)
	if !ok {
		return nil, vmerrors.Typef("capture target is not a closure")
	}
	return c.Upvalues, nil
}

// captureUpvalue returns the existing open upvalue over f's own register
// slotIdx, or opens a fresh one. Because every regFrame owns a distinct
// inline register array, pointer identity of &f.regs[slotIdx] alone
// distinguishes one frame's captures from another's -- no cross-frame
// address ordering is needed the way the stack VM's shared-array design
// requires.
func (vm *VM) captureUpvalue(f *regFrame, slotIdx int) (*object.Object, error) {
	for _, uv := range f.openUpvalues {
		if uv.Body().(*object.UpvalueBody).Location == &f.regs[slotIdx] {
			return uv, nil
		}
	}
	o, err := vm.heap.Alloc(object.KindUpvalue, &object.UpvalueBody{Location: &f.regs[slotIdx]})
	if err != nil {
		return nil, err
	}
	f.openUpvalues = append(f.openUpvalues, o)
	return o, nil
}

func (vm *VM) captureLocal(f *regFrame, rd, rs1, rs2 uint8) error {
	ups, err := vm.closureUpvalues(f, rd)
	if err != nil {
		return err
	}
	if int(rs2) >= len(ups) {
		return vmerrors.OutOfBoundsf("upvalue slot %d", rs2)
	}
	uv, err := vm.captureUpvalue(f, int(rs1))
	if err != nil {
		return err
	}
	uv.Retain()
	ups[rs2] = uv
	return nil
}

func (vm *VM) captureEnclosingUpvalue(f *regFrame, rd, rs1, rs2 uint8) error {
	ups, err := vm.closureUpvalues(f, rd)
	if err != nil {
		return err
	}
	if int(rs1) >= len(f.upvalues) || int(rs2) >= len(ups) {
		return vmerrors.OutOfBoundsf("upvalue slot %d or %d", rs1, rs2)
	}
	uv := f.upvalues[rs1]
	uv.Retain()
	ups[rs2] = uv
	return nil
}

// closeFrameUpvalues closes every upvalue f's own locals were captured
// into, called when f returns.
func closeFrameUpvalues(f *regFrame) {
	for _, uv := range f.openUpvalues {
		uv.Body().(*object.UpvalueBody).Close()
	}
	f.openUpvalues = nil
}

// ---- calls / returns ------------------------------------------------------

// call invokes the closure in register rs1 with arguments starting at
// register rs2 (rs2, rs2+1, ..., rs2+arity-1 of the CALLER frame), pushing
// a fresh frame whose own register file is entirely distinct from the
// caller's. rd names the caller's register the eventual return value
// lands in.
func (vm *VM) call(rd, rs1, rs2 uint8) error {
	caller := vm.curFrame()
	calleeV := caller.regs[rs1]
	if !value.IsObject(calleeV) {
		return vmerrors.Typef("CALL: callee is not a closure")
	}
	o := object.FromBoxed(calleeV)
	closure, ok := o.Body().(*object.ClosureBody)
	if !ok {
		return vmerrors.Typef("CALL: callee is not a closure, got %s", o.Kind())
	}
	fn, ok := closure.Func.Body().(*object.FunctionBody)
	if !ok {
		return vmerrors.Runtimef("CALL: closure's function field is corrupt")
	}
	if vm.frameTop >= maxFrames {
		return vmerrors.ErrStackOverflow
	}
	chunk := vm.image.Function(fn.ChunkIndex)
	if chunk == nil {
		return vmerrors.Runtimef("CALL: function chunk index %d out of range", fn.ChunkIndex)
	}
	if int(rs2)+fn.Arity > maxRegs {
		return vmerrors.Arityf("%s: argument window overflows register file", fn.Name)
	}

	callee := &vm.frames[vm.frameTop]
	callee.chunk = chunk
	callee.ip = 0
	callee.upvalues = closure.Upvalues
	callee.openUpvalues = nil
	callee.returnReg = rd
	// Only registers 0..NumRegs are touched by the chunk's code; zero
	// exactly that range so a reused frame never leaks a previous call's
	// values into this one.
	for i := 0; i < chunk.NumRegs && i < maxRegs; i++ {
		callee.regs[i] = 0
	}
	for i := 0; i < fn.Arity; i++ {
		callee.regs[i+1] = retainIfObject(caller.regs[int(rs2)+i])
	}
	vm.frameTop++
	return nil
}

// doReturn pops the current frame, delivering register rd's value into the
// caller's destination register named at CALL time. Returning from the
// outermost frame halts the VM, mirroring stackvm.doReturn.
func (vm *VM) doReturn(rd uint8) (Status, error) {
	f := vm.curFrame()
	result := f.regs[rd]
	closeFrameUpvalues(f)
	returnReg := f.returnReg
	vm.frameTop--
	if vm.frameTop == 0 {
		vm.result = result
		return StatusHalt, nil
	}
	setReg(vm.curFrame(), returnReg, result)
	return StatusOk, nil
}

// ---- actor operations -----------------------------------------------------

func (vm *VM) send(f *regFrame, rd, rs1 uint8) error {
	targetV := f.regs[rd]
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
	if err := vm.sched.Send(target, vm.block.PID, vm.block.Capabilities, f.regs[rs1], vm.heap, vm.sched.HeapFor(dst)); err != nil {
		return vmerrors.SendFailedf("%s", err)
	}
	vm.block.Counters.MessagesSent++
	return nil
}

// spawn implements OpSpawn: register rs1 holds a capability-mask integer,
// rs2 an entry closure, rd receives the new block's PID. Same restriction
// as the stack VM's SPAWN: the entry closure must not capture upvalues.
func (vm *VM) spawn(f *regFrame, rd, rs1, rs2 uint8) error {
	if !vm.block.Capabilities.Has(scheduler.CapSpawn) {
		return vmerrors.Capabilityf("SPAWN: block lacks CapSpawn")
	}
	capsV, closureV := f.regs[rs1], f.regs[rs2]
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
	setReg(f, rd, value.EncodePID(pid.AsUint64()))
	return nil
}

func (vm *VM) recv(f *regFrame, rd uint8) (Status, error) {
	env, ok := vm.block.Mailbox.Pop()
	if !ok {
		vm.block.State = scheduler.StateWaiting
		vm.curFrame().ip -= 4
		return StatusWaiting, nil
	}
	m := object.NewMap()
	m.Set("sender", value.EncodePID(env.Sender.AsUint64()))
	m.Set("value", env.Value)
	o, err := vm.heap.Alloc(object.KindMap, m)
	if err != nil {
		return StatusOk, err
	}
	setReg(f, rd, object.ToBoxed(o))
	return StatusOk, nil
}

// recvTimeout is recv with a millisecond budget read from R[rs1]: it
// writes Ok({sender, value}) to R[rd] when a message arrives in time,
// Err("timeout") once the deadline fires, and parks the block with the
// pending deadline recorded in between. The same contract as the stack
// VM's RECEIVE_TIMEOUT, register-shaped.
func (vm *VM) recvTimeout(f *regFrame, rd, rs1 uint8) (Status, error) {
	msV := f.regs[rs1]
	if !value.IsInt(msV) {
		return StatusOk, vmerrors.Typef("RECV_TIMEOUT: budget must be an integer millisecond count")
	}

	if env, ok := vm.block.Mailbox.Pop(); ok {
		vm.block.PendingDeadline = nil
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
		setReg(f, rd, object.ToBoxed(ro))
		return StatusOk, nil
	}

	now := vm.clock.Now().UnixNano()
	if vm.block.PendingDeadline == nil {
		d := now + value.DecodeInt(msV)*int64(time.Millisecond)
		vm.block.PendingDeadline = &d
	}
	if now >= *vm.block.PendingDeadline {
		vm.block.PendingDeadline = nil
		so, err := vm.heap.Alloc(object.KindString, object.NewString("timeout"))
		if err != nil {
			return StatusOk, err
		}
		ro, err := vm.heap.Alloc(object.KindResult, &object.ResultBody{Ok: false, Payload: object.ToBoxed(so)})
		if err != nil {
			return StatusOk, err
		}
		setReg(f, rd, object.ToBoxed(ro))
		return StatusOk, nil
	}

	vm.block.State = scheduler.StateWaiting
	vm.curFrame().ip -= 4
	return StatusWaiting, nil
}

// recvMatch scans the save queue, then the mailbox FIFO, for the first
// message whose value the pattern map in R[rs1] structurally subsets
// (every pattern key with a non-nil value must deep-equal that field of
// the message; nil pattern values are wildcards). Mismatches defer to the
// save queue tail; with no match the block parks and the instruction
// re-dispatches on resume. Unlike the stack VM's RECEIVE_MATCH, only a map
// pattern is accepted: a predicate closure would need a nested synchronous
// call, which this engine's flat frame discipline does not provide.
func (vm *VM) recvMatch(f *regFrame, rd, rs1 uint8) (Status, error) {
	patternV := f.regs[rs1]
	if !value.IsObject(patternV) {
		return StatusOk, vmerrors.Typef("RECV_MATCH pattern must be a map")
	}
	pb, ok := object.FromBoxed(patternV).Body().(*object.MapBody)
	if !ok {
		return StatusOk, vmerrors.Typef("RECV_MATCH pattern must be a map")
	}

	mb := &vm.block.Mailbox
	scanned := make([]scheduler.Envelope, 0, 4)
	for {
		var env scheduler.Envelope
		var popped bool
		if len(mb.SaveQueue()) > 0 {
			env = mb.PopSaved(0)
			popped = true
		} else {
			env, popped = mb.Pop()
		}
		if !popped {
			break
		}

		if matchesPattern(pb, env.Value) {
			for _, s := range scanned {
				mb.Defer(s)
			}
			m := object.NewMap()
			m.Set("sender", value.EncodePID(env.Sender.AsUint64()))
			m.Set("value", env.Value)
			o, err := vm.heap.Alloc(object.KindMap, m)
			if err != nil {
				return StatusOk, err
			}
			setReg(f, rd, object.ToBoxed(o))
			return StatusOk, nil
		}
		scanned = append(scanned, env)
	}
	for _, s := range scanned {
		mb.Defer(s)
	}
	vm.block.State = scheduler.StateWaiting
	vm.curFrame().ip -= 4
	return StatusWaiting, nil
}

func matchesPattern(pb *object.MapBody, msg value.Boxed64) bool {
	if !value.IsObject(msg) {
		return false
	}
	mb, ok := object.FromBoxed(msg).Body().(*object.MapBody)
	if !ok {
		return false
	}
	for _, k := range pb.Keys() {
		want, _ := pb.Get(k)
		if value.IsNil(want) {
			continue
		}
		got, ok := mb.Get(k)
		if !ok || !object.DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// getStats writes a map snapshot of the block's lifetime counters to R[rd].
func (vm *VM) getStats(f *regFrame, rd uint8) error {
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
	setReg(f, rd, object.ToBoxed(o))
	return nil
}

func (vm *VM) targetPID(f *regFrame, rd uint8) (scheduler.PID, error) {
	v := f.regs[rd]
	if !value.IsPID(v) {
		return scheduler.PID{}, vmerrors.Typef("expected a PID")
	}
	pid, ok := vm.sched.LookupPID(value.DecodePID(v))
	if !ok {
		return scheduler.PID{}, vmerrors.Runtimef("unknown PID")
	}
	return pid, nil
}

func (vm *VM) link(f *regFrame, rd uint8) error {
	if !vm.block.Capabilities.Has(scheduler.CapLink) {
		return vmerrors.Capabilityf("LINK: block lacks CapLink")
	}
	target, err := vm.targetPID(f, rd)
	if err != nil {
		return err
	}
	return vm.sched.Link(vm.block.PID, target)
}

func (vm *VM) unlink(f *regFrame, rd uint8) error {
	if !vm.block.Capabilities.Has(scheduler.CapLink) {
		return vmerrors.Capabilityf("UNLINK: block lacks CapLink")
	}
	target, err := vm.targetPID(f, rd)
	if err != nil {
		return err
	}
	vm.sched.Unlink(vm.block.PID, target)
	return nil
}

func (vm *VM) monitor(f *regFrame, rd uint8) error {
	if !vm.block.Capabilities.Has(scheduler.CapMonitor) {
		return vmerrors.Capabilityf("MONITOR: block lacks CapMonitor")
	}
	target, err := vm.targetPID(f, rd)
	if err != nil {
		return err
	}
	return vm.sched.Monitor(vm.block.PID, target)
}

func (vm *VM) demonitor(f *regFrame, rd uint8) error {
	if !vm.block.Capabilities.Has(scheduler.CapMonitor) {
		return vmerrors.Capabilityf("DEMONITOR: block lacks CapMonitor")
	}
	target, err := vm.targetPID(f, rd)
	if err != nil {
		return err
	}
	vm.sched.Demonitor(vm.block.PID, target)
	return nil
}

// ---- host primitives -------------------------------------------------------

func (vm *VM) hostCall(f *regFrame, rd uint8, name string, args []value.Boxed64) error {
	if vm.host == nil {
		return vmerrors.Capabilityf("%s: no host primitive table installed", name)
	}
	result, err := vm.host.Call(name, vm.heap, vm.block.Capabilities, args)
	if err != nil {
		return err
	}
	setReg(f, rd, result)
	return nil
}

// ---- resources --------------------------------------------------------------

// resourceTypeName tags the StructBody a resource handle is realized as;
// Fields[0] is the caller-chosen type tag, Fields[1] an alive flag flipped
// false by RESOURCE_DROP so a second drop is rejected rather than
// double-releasing the handle's reference.
const resourceTypeName = "__resource__"

func (vm *VM) resourceNew(f *regFrame, rd, rs1 uint8) error {
	o, err := vm.heap.Alloc(object.KindStruct, &object.StructBody{
		TypeName: resourceTypeName,
		Fields:   []value.Boxed64{retainIfObject(f.regs[rs1]), value.EncodeBool(true)},
	})
	if err != nil {
		return err
	}
	setReg(f, rd, object.ToBoxed(o))
	return nil
}

func (vm *VM) resourceStruct(v value.Boxed64) (*object.Object, *object.StructBody, error) {
	if !value.IsObject(v) {
		return nil, nil, vmerrors.Typef("expected a resource handle, got %s", value.Kind(v))
	}
	o := object.FromBoxed(v)
	s, ok := o.Body().(*object.StructBody)
	if !ok || s.TypeName != resourceTypeName {
		return nil, nil, vmerrors.Typef("expected a resource handle")
	}
	return o, s, nil
}

func (vm *VM) resourceDrop(f *regFrame, rd uint8) error {
	o, s, err := vm.resourceStruct(f.regs[rd])
	if err != nil {
		return err
	}
	if !value.DecodeBool(s.Fields[1]) {
		return vmerrors.Runtimef("RESOURCE_DROP: handle already dropped")
	}
	s.Fields[1] = value.EncodeBool(false)
	o.Release()
	f.regs[rd] = value.EncodeNil()
	return nil
}

func (vm *VM) resourceCheck(f *regFrame, rd uint8) error {
	_, s, err := vm.resourceStruct(f.regs[rd])
	if err != nil {
		return err
	}
	setReg(f, rd, value.EncodeBool(value.DecodeBool(s.Fields[1])))
	return nil
}
