// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package stackvm

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/probeum/actorvm/bytecode"
	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/internal/clock"
	"github.com/probeum/actorvm/internal/vmerrors"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/scheduler"
	"github.com/probeum/actorvm/value"
)

// ---- Bytecode builder helpers ----------------------------------------------

func op(o Opcode) []byte { return []byte{byte(o)} }

func opU8(o Opcode, v uint8) []byte { return []byte{byte(o), v} }

func opU16(o Opcode, v uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(o)
	binary.LittleEndian.PutUint16(buf[1:], v)
	return buf
}

// program concatenates instruction byte slices into a single code stream.
func program(instrs ...[]byte) []byte {
	var out []byte
	for _, i := range instrs {
		out = append(out, i...)
	}
	return out
}

// testEnv bundles the heap, scheduler, and block a VM under test runs
// against, with GC thresholds set high enough that no collection fires
// mid-test unless a test asks for one.
type testEnv struct {
	h     *heap.Heap
	sched *scheduler.BasicScheduler
	block *scheduler.Block
}

func newTestEnv() *testEnv {
	h := heap.New(heap.Config{
		MaxSize:          1 << 30,
		InitialNextGC:    1 << 29,
		YoungGCThreshold: 1 << 29,
	})
	sched := scheduler.NewBasicScheduler(nil)
	caps := scheduler.CapSend | scheduler.CapReceive | scheduler.CapSpawn |
		scheduler.CapLink | scheduler.CapMonitor
	block := scheduler.NewBlock(caps, h)
	sched.Register(block)
	return &testEnv{h: h, sched: sched, block: block}
}

func (e *testEnv) newVM(t *testing.T, img *bytecode.Image) *VM {
	t.Helper()
	return New(img, e.h, e.sched, e.block, nil)
}

// str allocates a string constant on the test heap.
func (e *testEnv) str(t *testing.T, s string) value.Boxed64 {
	t.Helper()
	o, err := e.h.Alloc(object.KindString, object.NewString(s))
	if err != nil {
		t.Fatalf("alloc string %q: %v", s, err)
	}
	return object.ToBoxed(o)
}

// runToHalt drives vm through as many reduction batches as it takes to
// halt, failing the test on error or on an unexpected wait.
func runToHalt(t *testing.T, vm *VM) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		status, err := vm.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		switch status {
		case StatusHalt:
			return
		case StatusYield:
		default:
			t.Fatalf("Run returned %v, want halt or yield", status)
		}
	}
	t.Fatal("VM did not halt within 1000 reduction batches")
}

// runExpectError drives vm until it errors, returning the error.
func runExpectError(t *testing.T, vm *VM) error {
	t.Helper()
	for i := 0; i < 1000; i++ {
		status, err := vm.Run(context.Background())
		if err != nil {
			return err
		}
		if status == StatusHalt {
			t.Fatal("VM halted cleanly, want an error")
		}
	}
	t.Fatal("VM did not error within 1000 reduction batches")
	return nil
}

func top(t *testing.T, vm *VM) value.Boxed64 {
	t.Helper()
	v, err := vm.Top()
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	return v
}

func topMap(t *testing.T, vm *VM) *object.MapBody {
	t.Helper()
	v := top(t, vm)
	if !value.IsObject(v) {
		t.Fatalf("top of stack is %s, want a map object", value.Kind(v))
	}
	m, ok := object.FromBoxed(v).Body().(*object.MapBody)
	if !ok {
		t.Fatalf("top of stack is %s, want a map", object.FromBoxed(v).Kind())
	}
	return m
}

// ---- Arithmetic, calls, control flow ---------------------------------------

func TestCallReturnArithmetic(t *testing.T) {
	e := newTestEnv()
	// f(x) = x + 1, main computes f(41).
	f := &bytecode.Chunk{
		Name:      "f",
		NumParams: 1,
		Constants: []value.Boxed64{value.EncodeInt(1)},
		Code: program(
			opU8(OpGetLocal, 0),
			opU16(OpConstant, 0),
			op(OpAdd),
			op(OpReturn),
		),
	}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Constants: []value.Boxed64{value.EncodeInt(41)},
			Code: program(
				opU16(OpClosure, 0),
				opU16(OpConstant, 0),
				opU8(OpCall, 1),
				op(OpHalt),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}

	vm := e.newVM(t, img)
	runToHalt(t, vm)

	if got := top(t, vm); !value.IsInt(got) || value.DecodeInt(got) != 42 {
		t.Fatalf("f(41) = %v, want 42", got)
	}
	if vm.FrameDepth() != 1 {
		t.Fatalf("frame depth after return is %d, want 1", vm.FrameDepth())
	}
}

func TestCallArityMismatch(t *testing.T) {
	e := newTestEnv()
	f := &bytecode.Chunk{
		Name:      "f",
		NumParams: 1,
		Code:      program(op(OpNil), op(OpReturn)),
	}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Constants: []value.Boxed64{value.EncodeInt(1), value.EncodeInt(2)},
			Code: program(
				opU16(OpClosure, 0),
				opU16(OpConstant, 0),
				opU16(OpConstant, 1),
				opU8(OpCall, 2),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrArity) {
		t.Fatalf("CALL with wrong argc returned %v, want arity error", err)
	}
}

func TestDivisionByZero(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(1), value.EncodeInt(0)},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpDiv),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrDivisionByZero) {
		t.Fatalf("1/0 returned %v, want division-by-zero", err)
	}
}

func TestFloatDivisionByZero(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeDouble(1.5), value.EncodeDouble(0)},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpDiv),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrDivisionByZero) {
		t.Fatalf("1.5/0.0 returned %v, want division-by-zero", err)
	}
}

func TestLoopJumpOutOfBounds(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(opU16(OpLoop, 100)),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrRuntime) {
		t.Fatalf("underflowing LOOP returned %v, want runtime error", err)
	}
}

func TestForwardJumpOutOfBounds(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(opU16(OpJump, 1000)),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrRuntime) {
		t.Fatalf("overflowing JUMP returned %v, want runtime error", err)
	}
}

func TestErrorCarriesSourceLine(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{
		Strings: []string{"missing"},
		Main: &bytecode.Chunk{
			Code:  program(opU16(OpGetGlobal, 0)),
			Lines: []int{7, 0, 0},
		},
	}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrUndefinedVariable) {
		t.Fatalf("lookup of undefined global returned %v", err)
	}
	if line := vmerrors.LineOf(err); line != 7 {
		t.Fatalf("error carries line %d, want 7", line)
	}
}

// ---- Strings ---------------------------------------------------------------

func TestAddConcatenatesStrings(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "foo"), e.str(t, "bar")},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpAdd),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	got := top(t, vm)
	s, ok := object.FromBoxed(got).Body().(*object.StringBody)
	if !ok || s.String() != "foobar" {
		t.Fatalf(`"foo"+"bar" = %v, want "foobar"`, got)
	}
}

func TestAddTreatsNilAsEmptyString(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "foo")},
		Code: program(
			opU16(OpConstant, 0),
			op(OpNil),
			op(OpAdd),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	s, ok := object.FromBoxed(top(t, vm)).Body().(*object.StringBody)
	if !ok || s.String() != "foo" {
		t.Fatalf(`"foo"+nil = %v, want "foo"`, top(t, vm))
	}
}

func TestStringComparison(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "apple"), e.str(t, "banana")},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpLt),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	if got := top(t, vm); !value.IsBool(got) || !value.DecodeBool(got) {
		t.Fatalf(`"apple" < "banana" = %v, want true`, got)
	}
}

func TestMixedComparisonIsTypeError(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(1), e.str(t, "b")},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpLt),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrType) {
		t.Fatalf("1 < \"b\" returned %v, want type error", err)
	}
}

func TestEqUsesStructuralEquality(t *testing.T) {
	e := newTestEnv()
	// Two distinct string objects with equal bytes must compare equal.
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "same"), e.str(t, "same")},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpEq),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	if got := top(t, vm); !value.IsBool(got) || !value.DecodeBool(got) {
		t.Fatal("two equal-byte strings compared unequal under EQ")
	}
}

// ---- Containers ------------------------------------------------------------

func TestArrayGetAtLengthIsOutOfBounds(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(7), value.EncodeInt(1)},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpNewArray, 1),
			opU16(OpConstant, 1), // index == length
			op(OpArrayGet),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Fatalf("get at index==length returned %v, want out-of-bounds", err)
	}
}

func TestCopyOnWriteUnderBytecodeAliasing(t *testing.T) {
	e := newTestEnv()
	// Build [], alias it with DUP, push 7 through the alias, then compute
	// len(pushed)*10 + len(original). 10 means the push cloned: the pushed
	// handle holds one element while the original is untouched.
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(7), value.EncodeInt(10)},
		Code: program(
			opU16(OpNewArray, 0),
			op(OpDup),
			opU16(OpConstant, 0),
			op(OpArrayPush),
			op(OpArrayLen),
			opU16(OpConstant, 1),
			op(OpMul),
			op(OpSwap),
			op(OpArrayLen),
			op(OpAdd),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	if got := top(t, vm); !value.IsInt(got) || value.DecodeInt(got) != 10 {
		t.Fatalf("len(pushed)*10 + len(original) = %v, want 10 (clone on shared push)", got)
	}
}

func TestMapRemoveClonesWhenShared(t *testing.T) {
	e := newTestEnv()
	// {k:1}, aliased with DUP, then k removed through the alias: the alias
	// must come back as a fresh container while the original keeps its key.
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "k"), value.EncodeInt(1)},
		Code: program(
			op(OpNewMap),
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpMapSet),
			op(OpDup),
			opU16(OpConstant, 0),
			op(OpMapRemove),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)

	removed := topMap(t, vm)
	if _, ok := removed.Get("k"); ok {
		t.Fatal("returned map still holds the removed key")
	}
	origV, err := vm.peek(1)
	if err != nil {
		t.Fatalf("peek original: %v", err)
	}
	if object.FromBoxed(origV) == object.FromBoxed(top(t, vm)) {
		t.Fatal("remove under sharing returned the same container")
	}
	orig := object.FromBoxed(origV).Body().(*object.MapBody)
	if _, ok := orig.Get("k"); !ok {
		t.Fatal("shared original lost its key: remove mutated in place")
	}
}

func TestMapGetICWarmsPerSiteSlot(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{e.str(t, "k"), value.EncodeInt(7)},
		ICSlots:   make([]bytecode.ICSlot, 1),
		Code: program(
			op(OpNewMap),
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpMapSet),
			op(OpDup),
			opU16(OpConstant, 0),
			opU16(OpMapGetIC, 0), // cold: falls back to hashing, warms the slot
			op(OpUnwrap),
			op(OpPop),
			opU16(OpConstant, 0),
			opU16(OpMapGetIC, 0), // warm: served from the monomorphic entry
			op(OpUnwrap),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)

	if got := top(t, vm); !value.IsInt(got) || value.DecodeInt(got) != 7 {
		t.Fatalf("cached lookup = %v, want 7", got)
	}
	if st := img.Main.ICSlots[0].State; st != bytecode.ICMonomorphic {
		t.Fatalf("IC slot state after one shape = %v, want monomorphic", st)
	}
}

func TestDormantFunctionConstantsSurviveCollection(t *testing.T) {
	e := newTestEnv()
	keep := e.str(t, "keep")
	f := &bytecode.Chunk{
		Name:      "f",
		Constants: []value.Boxed64{keep},
		Code: program(
			opU16(OpConstant, 0),
			op(OpReturn),
		),
	}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Code: program(
				opU16(OpClosure, 0),
				opU8(OpCall, 0),
				op(OpHalt),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}
	vm := e.newVM(t, img)
	e.h.AddRootSource(vm)

	// Collect while f is dormant: no frame references it yet, so only the
	// image-wide constant rooting keeps its pool alive.
	e.h.Collect()
	if object.FromBoxed(keep).Refcount() < 1 {
		t.Fatal("dormant function's constant was reclaimed by a full collection")
	}

	runToHalt(t, vm)
	s, ok := object.FromBoxed(top(t, vm)).Body().(*object.StringBody)
	if !ok || s.String() != "keep" {
		t.Fatalf("call after collection returned %v, want the constant string", top(t, vm))
	}
}

// ---- Closures / upvalues ---------------------------------------------------

func TestClosureCapturesLocal(t *testing.T) {
	e := newTestEnv()
	// main: local slot 0 = 10; closure over it; call; returned upvalue read
	// must see 10.
	f := &bytecode.Chunk{
		Name:        "f",
		NumUpvalues: 1,
		Code: program(
			opU8(OpGetUpvalue, 0),
			op(OpReturn),
		),
	}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Constants: []value.Boxed64{value.EncodeInt(10)},
			Code: program(
				opU16(OpConstant, 0),                       // slot 0 of the main frame
				program(opU16(OpClosure, 0), []byte{1, 0}), // capture local 0
				opU8(OpCall, 0),
				op(OpHalt),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	if got := top(t, vm); !value.IsInt(got) || value.DecodeInt(got) != 10 {
		t.Fatalf("captured upvalue read %v, want 10", got)
	}
}

func TestOpenUpvalueListStaysSortedAndDeduplicated(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(1), value.EncodeInt(2)},
	}}
	vm := e.newVM(t, img)
	if err := vm.push(value.EncodeInt(1)); err != nil {
		t.Fatal(err)
	}
	if err := vm.push(value.EncodeInt(2)); err != nil {
		t.Fatal(err)
	}

	uv1a, err := vm.captureUpvalue(1)
	if err != nil {
		t.Fatal(err)
	}
	uv0, err := vm.captureUpvalue(0)
	if err != nil {
		t.Fatal(err)
	}
	uv1b, err := vm.captureUpvalue(1)
	if err != nil {
		t.Fatal(err)
	}
	if uv1a != uv1b {
		t.Fatal("capturing the same slot twice produced two distinct upvalues")
	}
	if len(vm.openUpvalues) != 2 {
		t.Fatalf("open list holds %d entries, want 2", len(vm.openUpvalues))
	}
	// Descending slot order: slot 1 first, slot 0 second.
	if vm.openUpvalues[0] != uv1a || vm.openUpvalues[1] != uv0 {
		t.Fatal("open upvalue list is not sorted by descending slot")
	}
}

func TestCloseUpvaluesCopiesLiveValue(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{}}
	vm := e.newVM(t, img)
	if err := vm.push(value.EncodeInt(5)); err != nil {
		t.Fatal(err)
	}
	uv, err := vm.captureUpvalue(0)
	if err != nil {
		t.Fatal(err)
	}
	vm.stack[0] = value.EncodeInt(99) // mutate the slot while still open

	vm.closeUpvaluesFrom(0)
	ub := uv.Body().(*object.UpvalueBody)
	if ub.IsOpen() {
		t.Fatal("upvalue still open after closeUpvaluesFrom")
	}
	if got := ub.Get(); value.DecodeInt(got) != 99 {
		t.Fatalf("closed upvalue holds %v, want the live value 99", got)
	}
	if len(vm.openUpvalues) != 0 {
		t.Fatal("open list not emptied")
	}
}

// ---- Cooperative preemption ------------------------------------------------

func TestReductionBatchYields(t *testing.T) {
	e := newTestEnv()
	// A self-loop: LOOP back to its own start, forever.
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(opU16(OpLoop, 3)),
	}}
	vm := e.newVM(t, img)
	status, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusYield {
		t.Fatalf("infinite loop returned %v, want yield after one batch", status)
	}
}

func TestYieldOpcode(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(op(OpYield), op(OpHalt)),
	}}
	vm := e.newVM(t, img)
	status, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusYield {
		t.Fatalf("YIELD returned %v, want yield", status)
	}
	runToHalt(t, vm)
}

// ---- Receive ---------------------------------------------------------------

func (e *testEnv) msgMap(t *testing.T, fields map[string]value.Boxed64) value.Boxed64 {
	t.Helper()
	m := object.NewMap()
	for k, v := range fields {
		m.Set(k, v)
	}
	o, err := e.h.Alloc(object.KindMap, m)
	if err != nil {
		t.Fatalf("alloc message map: %v", err)
	}
	return object.ToBoxed(o)
}

func TestReceiveWaitsThenDelivers(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(op(OpReceive), op(OpHalt)),
	}}
	vm := e.newVM(t, img)

	status, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusWaiting {
		t.Fatalf("RECEIVE on empty mailbox returned %v, want waiting", status)
	}
	if e.block.State != scheduler.StateWaiting {
		t.Fatalf("block state is %v, want waiting", e.block.State)
	}

	sender := scheduler.NewPID()
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: sender, Value: value.EncodeInt(5)})
	e.block.State = scheduler.StateRunnable

	runToHalt(t, vm)
	m := topMap(t, vm)
	got, ok := m.Get("value")
	if !ok || value.DecodeInt(got) != 5 {
		t.Fatalf("delivered message value = %v, want 5", got)
	}
	if s, ok := m.Get("sender"); !ok || !value.IsPID(s) {
		t.Fatal("delivered message does not carry a PID sender")
	}
}

func TestSelectiveReceiveDefersNonMatching(t *testing.T) {
	e := newTestEnv()

	msgB := e.msgMap(t, map[string]value.Boxed64{"kind": e.str(t, "B")})
	msgA := e.msgMap(t, map[string]value.Boxed64{"kind": e.str(t, "A"), "n": value.EncodeInt(1)})
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: scheduler.NewPID(), Value: msgB})
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: scheduler.NewPID(), Value: msgA})

	// pred(m) = m["kind"] == "A"
	pred := &bytecode.Chunk{
		Name:      "pred",
		NumParams: 1,
		Constants: []value.Boxed64{e.str(t, "kind"), e.str(t, "A")},
		Code: program(
			opU8(OpGetLocal, 0),
			opU16(OpConstant, 0),
			op(OpMapGet),
			op(OpUnwrap),
			opU16(OpConstant, 1),
			op(OpEq),
			op(OpReturn),
		),
	}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Code: program(
				opU16(OpClosure, 0),
				op(OpReceiveMatchNext),
				op(OpHalt),
			),
		},
		Functions: []*bytecode.Chunk{pred},
	}

	vm := e.newVM(t, img)
	runToHalt(t, vm)

	result := topMap(t, vm)
	val, ok := result.Get("value")
	if !ok {
		t.Fatal("selective receive result has no value field")
	}
	vb := object.FromBoxed(val).Body().(*object.MapBody)
	kind, _ := vb.Get("kind")
	if s := object.FromBoxed(kind).Body().(*object.StringBody); s.String() != "A" {
		t.Fatalf(`matched message kind = %q, want "A"`, s.String())
	}
	if n, ok := vb.Get("n"); !ok || value.DecodeInt(n) != 1 {
		t.Fatal("matched message lost its n field")
	}

	saved := e.block.Mailbox.SaveQueue()
	if len(saved) != 1 {
		t.Fatalf("save queue holds %d messages, want 1", len(saved))
	}
	sb := object.FromBoxed(saved[0].Value).Body().(*object.MapBody)
	kindB, _ := sb.Get("kind")
	if s := object.FromBoxed(kindB).Body().(*object.StringBody); s.String() != "B" {
		t.Fatalf(`deferred message kind = %q, want "B"`, s.String())
	}
}

func TestSelectiveReceiveWithPatternMap(t *testing.T) {
	e := newTestEnv()

	msgB := e.msgMap(t, map[string]value.Boxed64{"kind": e.str(t, "B")})
	msgA := e.msgMap(t, map[string]value.Boxed64{"kind": e.str(t, "A"), "n": value.EncodeInt(1)})
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: scheduler.NewPID(), Value: msgB})
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: scheduler.NewPID(), Value: msgA})

	// The pattern {kind: "A"} is a structural subset of msgA only.
	pattern := e.msgMap(t, map[string]value.Boxed64{"kind": e.str(t, "A")})
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{pattern},
		Code: program(
			opU16(OpConstant, 0),
			op(OpReceiveMatchNext),
			op(OpHalt),
		),
	}}

	vm := e.newVM(t, img)
	runToHalt(t, vm)

	result := topMap(t, vm)
	val, _ := result.Get("value")
	vb := object.FromBoxed(val).Body().(*object.MapBody)
	kind, _ := vb.Get("kind")
	if s := object.FromBoxed(kind).Body().(*object.StringBody); s.String() != "A" {
		t.Fatalf(`pattern match selected kind %q, want "A"`, s.String())
	}
	if len(e.block.Mailbox.SaveQueue()) != 1 {
		t.Fatal("non-matching message was not deferred to the save queue")
	}
}

func TestReceiveTimeoutExpires(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(50)},
		Code: program(
			opU16(OpConstant, 0),
			op(OpReceiveTimeout),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	manual := clock.NewManual(time.Unix(0, 0))
	vm.SetClock(manual)

	status, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusWaiting {
		t.Fatalf("first entry returned %v, want waiting", status)
	}
	if e.block.PendingDeadline == nil {
		t.Fatal("no pending deadline installed")
	}

	manual.Advance(60 * time.Millisecond)
	e.block.State = scheduler.StateRunnable
	runToHalt(t, vm)

	r, ok := object.FromBoxed(top(t, vm)).Body().(*object.ResultBody)
	if !ok {
		t.Fatal("RECEIVE_TIMEOUT did not leave a Result")
	}
	if r.Ok {
		t.Fatal("expired RECEIVE_TIMEOUT returned Ok")
	}
	s := object.FromBoxed(r.Payload).Body().(*object.StringBody)
	if s.String() != "timeout" {
		t.Fatalf(`timeout reason = %q, want "timeout"`, s.String())
	}
	if e.block.PendingDeadline != nil {
		t.Fatal("pending deadline not cleared after expiry")
	}
}

func TestReceiveTimeoutDeliversInTime(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(50)},
		Code: program(
			opU16(OpConstant, 0),
			op(OpReceiveTimeout),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	manual := clock.NewManual(time.Unix(0, 0))
	vm.SetClock(manual)

	if status, _ := vm.Run(context.Background()); status != StatusWaiting {
		t.Fatal("first entry should wait")
	}

	manual.Advance(10 * time.Millisecond) // before the deadline
	e.block.Mailbox.Enqueue(scheduler.Envelope{Sender: scheduler.NewPID(), Value: value.EncodeInt(9)})
	e.block.State = scheduler.StateRunnable
	runToHalt(t, vm)

	r := object.FromBoxed(top(t, vm)).Body().(*object.ResultBody)
	if !r.Ok {
		t.Fatal("in-time delivery returned Err")
	}
	m := object.FromBoxed(r.Payload).Body().(*object.MapBody)
	if got, _ := m.Get("value"); value.DecodeInt(got) != 9 {
		t.Fatalf("delivered value = %v, want 9", got)
	}
}

// ---- Result / Option -------------------------------------------------------

func TestUnwrapOrFallsBack(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeInt(3)},
		Code: program(
			op(OpMakeNone),
			opU16(OpConstant, 0),
			op(OpUnwrapOr),
			op(OpHalt),
		),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	if got := top(t, vm); value.DecodeInt(got) != 3 {
		t.Fatalf("UNWRAP_OR(None, 3) = %v, want 3", got)
	}
}

func TestUnwrapErrFaults(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(
			op(OpNil),
			op(OpMakeErr),
			op(OpUnwrap),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrRuntime) {
		t.Fatalf("UNWRAP on Err returned %v, want runtime error", err)
	}
}

// ---- Spawn / send ----------------------------------------------------------

func TestSpawnWithoutCapabilityDenied(t *testing.T) {
	h := heap.New(heap.Config{MaxSize: 1 << 30, InitialNextGC: 1 << 29, YoungGCThreshold: 1 << 29})
	sched := scheduler.NewBasicScheduler(nil)
	block := scheduler.NewBlock(0, h) // no capabilities at all
	sched.Register(block)

	f := &bytecode.Chunk{Name: "child", Code: program(op(OpHalt))}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Constants: []value.Boxed64{value.EncodeInt(0)},
			Code: program(
				opU16(OpConstant, 0), // capability mask
				opU16(OpClosure, 0),
				op(OpSpawn),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}
	vm := New(img, h, sched, block, nil)
	err := runExpectError(t, vm)
	if !errors.Is(err, vmerrors.ErrCapability) {
		t.Fatalf("SPAWN without CapSpawn returned %v, want capability error", err)
	}
}

func TestSpawnRegistersChildBlock(t *testing.T) {
	e := newTestEnv()
	f := &bytecode.Chunk{Name: "child", Code: program(op(OpHalt))}
	img := &bytecode.Image{
		Main: &bytecode.Chunk{
			Constants: []value.Boxed64{value.EncodeInt(int64(scheduler.CapReceive))},
			Code: program(
				opU16(OpConstant, 0),
				opU16(OpClosure, 0),
				op(OpSpawn),
				op(OpHalt),
			),
		},
		Functions: []*bytecode.Chunk{f},
	}
	vm := e.newVM(t, img)
	runToHalt(t, vm)

	pidV := top(t, vm)
	if !value.IsPID(pidV) {
		t.Fatalf("SPAWN left %s on the stack, want a PID", value.Kind(pidV))
	}
	childPID, ok := e.sched.LookupPID(value.DecodePID(pidV))
	if !ok {
		t.Fatal("spawned PID is not registered with the scheduler")
	}
	child, ok := e.sched.GetBlock(childPID)
	if !ok {
		t.Fatal("no block registered for the spawned PID")
	}
	if child.Entry == nil {
		t.Fatal("spawned block has no entry closure")
	}
	if !child.HasParent || child.Parent != e.block.PID {
		t.Fatal("spawned block does not record its parent")
	}
}

func TestModRequiresIntegers(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Constants: []value.Boxed64{value.EncodeDouble(7.5), value.EncodeInt(2)},
		Code: program(
			opU16(OpConstant, 0),
			opU16(OpConstant, 1),
			op(OpMod),
		),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrType) {
		t.Fatalf("7.5 %% 2 returned %v, want type error", err)
	}
}

func TestSupervisorOpcodesFailClosed(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(op(OpSupStart)),
	}}
	err := runExpectError(t, e.newVM(t, img))
	if !errors.Is(err, vmerrors.ErrNotImplemented) {
		t.Fatalf("SUP_START returned %v, want not-implemented", err)
	}
}

// ---- Stats -----------------------------------------------------------------

func TestGetStatsSnapshot(t *testing.T) {
	e := newTestEnv()
	img := &bytecode.Image{Main: &bytecode.Chunk{
		Code: program(op(OpGetStats), op(OpHalt)),
	}}
	vm := e.newVM(t, img)
	runToHalt(t, vm)
	m := topMap(t, vm)
	if _, ok := m.Get("reductions"); !ok {
		t.Fatal("stats map is missing the reductions counter")
	}
}
