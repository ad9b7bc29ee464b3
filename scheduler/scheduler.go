// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package scheduler

import (
	"errors"
	"sync"

	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// ErrCapabilityDenied is returned (or used to construct the Capability
// VM error) when a block attempts an operation its capability set does
// not grant.
var ErrCapabilityDenied = errors.New("scheduler: capability denied")

// ErrUnknownBlock is returned when an operation names a PID with no
// corresponding live Block.
var ErrUnknownBlock = errors.New("scheduler: unknown block")

// Spawner is implemented by whatever embeds this module to actually start
// a new worker executing a freshly spawned block's VM; the in-memory
// BasicScheduler below executes nothing itself (without a Spawner, Spawn
// only registers the block) and is a test/demo stand-in, not a real
// worker pool (see package worker for that).
type Spawner interface {
	Spawn(b *Block) error
}

// BasicScheduler is a minimal in-memory Scheduler: a map of live blocks
// plus a FIFO run queue. It implements exactly enough of the Block
// contract to drive the actor opcodes and selective receive end to end;
// it is explicitly not a production scheduler (no real preemption across
// OS threads, no supervisor trees, no distribution).
type BasicScheduler struct {
	mu      sync.Mutex
	blocks  map[PID]*Block
	byFold  map[uint64]PID
	runQ    []PID
	spawner Spawner
}

// NewBasicScheduler constructs an empty scheduler. spawner may be nil; if
// so, Spawn only registers the block without starting any execution
// (useful for unit tests that drive a VM by hand).
func NewBasicScheduler(spawner Spawner) *BasicScheduler {
	return &BasicScheduler{blocks: make(map[PID]*Block), byFold: make(map[uint64]PID), spawner: spawner}
}

// GetBlock returns the live block for pid, if any.
func (s *BasicScheduler) GetBlock(pid PID) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[pid]
	return b, ok
}

// LookupPID recovers the full PID a Boxed64 PID immediate's folded 48-bit
// payload (PID.AsUint64) was derived from -- the fold is lossy, so the
// scheduler keeps this reverse index rather than trying to invert it
// arithmetically.
func (s *BasicScheduler) LookupPID(fold uint64) (PID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.byFold[fold]
	return pid, ok
}

// HeapFor returns b's private heap, for callers (e.g. the VM's SEND
// opcode) that only have a *Block and need the destination heap for a
// cross-block deep copy.
func (s *BasicScheduler) HeapFor(b *Block) *heap.Heap { return b.Heap }

// Register adds an already-constructed block to the scheduler (used by
// Spawn and directly by tests that construct a Block themselves).
func (s *BasicScheduler) Register(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.PID] = b
	s.byFold[b.PID.AsUint64()] = b.PID
	s.runQ = append(s.runQ, b.PID)
}

// Enqueue marks b runnable and appends it to the run queue if not already
// present there.
func (s *BasicScheduler) Enqueue(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.State == StateDead {
		return
	}
	b.State = StateRunnable
	for _, pid := range s.runQ {
		if pid == b.PID {
			return
		}
	}
	s.runQ = append(s.runQ, b.PID)
}

// Spawn constructs a new block with the given capabilities, registers it,
// and (if a Spawner was supplied) asks it to start execution. name is
// carried only for diagnostics/tracing; entry is the closure (already
// deep-copied into h) the new block's VM starts running; the returned PID
// is the block's true identity.
func (s *BasicScheduler) Spawn(name string, caps Capability, parent PID, hasParent bool, h *heap.Heap, entry *object.Object) (PID, error) {
	b := NewBlock(caps, h)
	b.Parent = parent
	b.HasParent = hasParent
	b.Entry = entry
	s.Register(b)
	if s.spawner != nil {
		if err := s.spawner.Spawn(b); err != nil {
			return PID{}, err
		}
	}
	return b.PID, nil
}

// GetBlockGroups returns every distinct parent PID with at least one live
// child -- the process-group surface, without committing to a
// supervisor-tree implementation.
func (s *BasicScheduler) GetBlockGroups() map[PID][]PID {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make(map[PID][]PID)
	for pid, b := range s.blocks {
		if b.HasParent {
			groups[b.Parent] = append(groups[b.Parent], pid)
		}
	}
	return groups
}

// Send implements block_send: it checks the sender's SEND capability,
// deep-copies v from the sender's heap into the target's heap (values
// never alias Objects across block boundaries), and enqueues the
// resulting Envelope onto the target's mailbox, waking it if it was
// waiting.
func (s *BasicScheduler) Send(target, sender PID, senderCaps Capability, v value.Boxed64, srcHeap, dstHeap *heap.Heap) error {
	if !senderCaps.Has(CapSend) {
		return ErrCapabilityDenied
	}
	s.mu.Lock()
	tb, ok := s.blocks[target]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownBlock
	}

	copied, err := DeepCopy(v, srcHeap, dstHeap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tb.Mailbox.Enqueue(Envelope{Sender: sender, Value: copied})
	tb.Counters.MessagesReceived++ // accounted to the recipient's eventual receive
	if tb.State == StateWaiting {
		tb.State = StateRunnable
		s.runQ = append(s.runQ, tb.PID)
	}
	s.mu.Unlock()
	return nil
}

// DeepCopy reconstructs v in dst, allocating fresh Objects for every
// referenced heap body so the two blocks never share container identity:
// the runtime deep-copies values across block boundaries, always.
// Primitive Boxed64 values (numbers, bool, nil, PID) are copied by value
// with no allocation.
func DeepCopy(v value.Boxed64, src, dst *heap.Heap) (value.Boxed64, error) {
	if !value.IsObject(v) {
		return v, nil
	}
	o := object.FromBoxed(v)
	return deepCopyObject(o, dst)
}

func deepCopyObject(o *object.Object, dst *heap.Heap) (value.Boxed64, error) {
	switch o.Kind() {
	case object.KindString:
		s := o.Body().(*object.StringBody)
		data := make([]byte, len(s.Data))
		copy(data, s.Data)
		n, err := dst.Alloc(object.KindString, &object.StringBody{Data: data})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindBytes:
		b := o.Body().(*object.BytesBody)
		data := make([]byte, len(b.Data))
		copy(data, b.Data)
		n, err := dst.Alloc(object.KindBytes, &object.BytesBody{Data: data})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindArray:
		a := o.Body().(*object.ArrayBody)
		items := make([]value.Boxed64, len(a.Items))
		for i, item := range a.Items {
			cv, err := DeepCopy(item, nil, dst)
			if err != nil {
				return 0, err
			}
			items[i] = cv
		}
		n, err := dst.Alloc(object.KindArray, &object.ArrayBody{Items: items})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindMap:
		m := o.Body().(*object.MapBody)
		nm := object.NewMap()
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			cv, err := DeepCopy(v, nil, dst)
			if err != nil {
				return 0, err
			}
			nm.Set(k, cv)
		}
		n, err := dst.Alloc(object.KindMap, nm)
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindStruct:
		st := o.Body().(*object.StructBody)
		fields := make([]value.Boxed64, len(st.Fields))
		for i, f := range st.Fields {
			cv, err := DeepCopy(f, nil, dst)
			if err != nil {
				return 0, err
			}
			fields[i] = cv
		}
		n, err := dst.Alloc(object.KindStruct, &object.StructBody{TypeName: st.TypeName, Fields: fields})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindEnum:
		e := o.Body().(*object.EnumBody)
		nb := &object.EnumBody{TypeName: e.TypeName, Variant: e.Variant, HasPayload: e.HasPayload}
		if e.HasPayload {
			cv, err := DeepCopy(e.Payload, nil, dst)
			if err != nil {
				return 0, err
			}
			nb.Payload = cv
		}
		n, err := dst.Alloc(object.KindEnum, nb)
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindResult:
		r := o.Body().(*object.ResultBody)
		cv, err := DeepCopy(r.Payload, nil, dst)
		if err != nil {
			return 0, err
		}
		n, err := dst.Alloc(object.KindResult, &object.ResultBody{Ok: r.Ok, Payload: cv})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	case object.KindOption:
		opt := o.Body().(*object.OptionBody)
		nb := &object.OptionBody{Some: opt.Some}
		if opt.Some {
			cv, err := DeepCopy(opt.Payload, nil, dst)
			if err != nil {
				return 0, err
			}
			nb.Payload = cv
		}
		n, err := dst.Alloc(object.KindOption, nb)
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(n), nil
	default:
		// Function/Closure/Upvalue are not sendable across block
		// boundaries; the surface language's compiler is responsible
		// for rejecting attempts to send a closure.
		return 0, errors.New("scheduler: value not sendable across block boundary")
	}
}

// Receive implements block_receive: pop the mailbox head.
func (s *BasicScheduler) Receive(b *Block) (Envelope, bool) {
	return b.Mailbox.Pop()
}

// Next pops the next runnable PID from the run queue, or false if empty.
func (s *BasicScheduler) Next() (PID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.runQ) > 0 {
		pid := s.runQ[0]
		s.runQ = s.runQ[1:]
		if b, ok := s.blocks[pid]; ok && b.State == StateRunnable {
			return pid, true
		}
	}
	return PID{}, false
}

// Terminate transitions b to DEAD with reason, and signals linked and
// monitoring blocks: linked blocks receive an exit signal (here: are
// themselves terminated with the same reason, approximating
// unless-trapped propagation); monitors receive a DOWN message carrying
// the reason as a string payload appended to their mailbox.
func (s *BasicScheduler) Terminate(b *Block, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.State == StateDead {
		return
	}
	b.State = StateDead
	b.ExitReason = reason

	for _, pid := range b.Links.ToSlice() {
		if other, ok := s.blocks[pid]; ok && other.State != StateDead {
			other.State = StateDead
			other.ExitReason = "linked exit: " + reason
		}
	}
	for _, pid := range b.MonitoredBy.ToSlice() {
		if other, ok := s.blocks[pid]; ok {
			other.Mailbox.Enqueue(Envelope{Sender: b.PID, Value: downMessage(other.Heap, reason)})
			if other.State == StateWaiting {
				other.State = StateRunnable
				s.runQ = append(s.runQ, other.PID)
			}
		}
	}
}

// downMessage builds the {kind: "down", reason} map a monitor receives when
// a watched block terminates, allocated on the monitor's own heap. If that
// allocation itself fails the DOWN still arrives, just with a nil payload.
func downMessage(h *heap.Heap, reason string) value.Boxed64 {
	if h == nil {
		return value.EncodeNil()
	}
	kind, err := h.Alloc(object.KindString, object.NewString("down"))
	if err != nil {
		return value.EncodeNil()
	}
	rs, err := h.Alloc(object.KindString, object.NewString(reason))
	if err != nil {
		return value.EncodeNil()
	}
	m := object.NewMap()
	m.Set("kind", object.ToBoxed(kind))
	m.Set("reason", object.ToBoxed(rs))
	mo, err := h.Alloc(object.KindMap, m)
	if err != nil {
		return value.EncodeNil()
	}
	return object.ToBoxed(mo)
}

// Link establishes a bidirectional link between a and b (LINK opcode).
func (s *BasicScheduler) Link(a, b PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ba, ok := s.blocks[a]
	if !ok {
		return ErrUnknownBlock
	}
	bb, ok := s.blocks[b]
	if !ok {
		return ErrUnknownBlock
	}
	ba.Links.Add(b)
	bb.Links.Add(a)
	return nil
}

// Unlink removes a bidirectional link (UNLINK opcode).
func (s *BasicScheduler) Unlink(a, b PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ba, ok := s.blocks[a]; ok {
		ba.Links.Remove(b)
	}
	if bb, ok := s.blocks[b]; ok {
		bb.Links.Remove(a)
	}
}

// Monitor makes watcher observe target: watcher receives a DOWN message
// when target terminates (MONITOR opcode).
func (s *BasicScheduler) Monitor(watcher, target PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.blocks[target]
	if !ok {
		return ErrUnknownBlock
	}
	wb, ok := s.blocks[watcher]
	if !ok {
		return ErrUnknownBlock
	}
	tb.MonitoredBy.Add(watcher)
	wb.Monitors.Add(target)
	return nil
}

// Demonitor reverses Monitor (DEMONITOR opcode).
func (s *BasicScheduler) Demonitor(watcher, target PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb, ok := s.blocks[target]; ok {
		tb.MonitoredBy.Remove(watcher)
	}
	if wb, ok := s.blocks[watcher]; ok {
		wb.Monitors.Remove(target)
	}
}
