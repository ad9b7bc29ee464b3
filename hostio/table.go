// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package hostio is the host I/O primitive table: effectful,
// capability-gated primitives invoked by the cold opcodes of either VM.
// Each primitive receives Boxed64 arguments and returns a Result-wrapped
// Boxed64. Hashing is real (golang.org/x/crypto/sha3), as are
// JSON/base64/env/time/random/string/math; process-exec primitives are
// documented stubs that deny until a host embedder wires a real
// implementation.
package hostio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/holiman/uint256"

	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/sandbox"
	"github.com/probeum/actorvm/scheduler"
	"github.com/probeum/actorvm/value"
)

// ErrCapabilityDenied mirrors scheduler.ErrCapabilityDenied for
// primitives that deny as a Result::Err rather than aborting execution;
// the distinction is drawn per opcode, not per package, so both packages
// carry their own sentinel of the same shape.
var ErrCapabilityDenied = errors.New("hostio: capability denied")

// Fn is one host primitive: it receives the calling block's capability
// set (for its own gate check) plus its Boxed64 arguments, and returns a
// Result-wrapped Boxed64 allocated on the calling block's heap.
type Fn func(h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error)

// Table is the full set of named host primitives a VM's cold opcodes
// dispatch to by name. The opcode's operand selects the table entry at
// compile time; this module does not specify that encoding.
type Table struct {
	fns     map[string]Fn
	sandbox *sandbox.Sandbox
}

// NewTable constructs the default primitive table. sandbox may be nil,
// in which case all file-read/file-write primitives deny unconditionally.
func NewTable(sb *sandbox.Sandbox) *Table {
	t := &Table{fns: make(map[string]Fn), sandbox: sb}
	t.registerCrypto()
	t.registerData()
	t.registerEnvTime()
	t.registerFile()
	t.registerMath()
	return t
}

// Call invokes the named primitive, or returns an error if name is not
// registered -- an unregistered cold opcode is a compiler/loader bug, not
// a runtime Result::Err, so it is surfaced as a Go error rather than
// wrapped.
func (t *Table) Call(name string, h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
	fn, ok := t.fns[name]
	if !ok {
		return 0, errors.New("hostio: unknown primitive " + name)
	}
	return fn(h, caps, args)
}

func okResult(h *heap.Heap, v value.Boxed64) (value.Boxed64, error) {
	o, err := h.Alloc(object.KindResult, &object.ResultBody{Ok: true, Payload: v})
	if err != nil {
		return 0, err
	}
	return object.ToBoxed(o), nil
}

func errResult(h *heap.Heap, msg string) (value.Boxed64, error) {
	s, err := h.Alloc(object.KindString, object.NewString(msg))
	if err != nil {
		return 0, err
	}
	o, err := h.Alloc(object.KindResult, &object.ResultBody{Ok: false, Payload: object.ToBoxed(s)})
	if err != nil {
		return 0, err
	}
	return object.ToBoxed(o), nil
}

func argString(b value.Boxed64) (string, bool) {
	if !value.IsObject(b) {
		return "", false
	}
	o := object.FromBoxed(b)
	if o.Kind() != object.KindString {
		return "", false
	}
	return o.Body().(*object.StringBody).String(), true
}

func argBytes(b value.Boxed64) ([]byte, bool) {
	if !value.IsObject(b) {
		return nil, false
	}
	o := object.FromBoxed(b)
	switch o.Kind() {
	case object.KindBytes:
		return o.Body().(*object.BytesBody).Data, true
	case object.KindString:
		return o.Body().(*object.StringBody).Data, true
	default:
		return nil, false
	}
}

// ---- crypto -----------------------------------------------------------

func (t *Table) registerCrypto() {
	t.fns["sha3_256"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 {
			return errResult(h, "sha3_256: expected 1 argument")
		}
		data, ok := argBytes(args[0])
		if !ok {
			return errResult(h, "sha3_256: argument must be string or bytes")
		}
		sum := sha3.Sum256(data)
		o, err := h.Alloc(object.KindBytes, &object.BytesBody{Data: sum[:]})
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["shake256"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 2 {
			return errResult(h, "shake256: expected (data, outLen)")
		}
		data, ok := argBytes(args[0])
		if !ok {
			return errResult(h, "shake256: first argument must be string or bytes")
		}
		if !value.IsInt(args[1]) {
			return errResult(h, "shake256: outLen must be an integer")
		}
		outLen := value.DecodeInt(args[1])
		if outLen <= 0 || outLen > 1<<20 {
			return errResult(h, "shake256: outLen out of range")
		}
		out := make([]byte, outLen)
		sh := sha3.NewShake256()
		sh.Write(data)
		sh.Read(out)
		o, err := h.Alloc(object.KindBytes, &object.BytesBody{Data: out})
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}
}

// ---- JSON / base64 / string utilities ----------------------------------

func (t *Table) registerData() {
	t.fns["base64_encode"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 {
			return errResult(h, "base64_encode: expected 1 argument")
		}
		data, ok := argBytes(args[0])
		if !ok {
			return errResult(h, "base64_encode: argument must be string or bytes")
		}
		enc := base64.StdEncoding.EncodeToString(data)
		o, err := h.Alloc(object.KindString, object.NewString(enc))
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["base64_decode"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 {
			return errResult(h, "base64_decode: expected 1 argument")
		}
		s, ok := argString(args[0])
		if !ok {
			return errResult(h, "base64_decode: argument must be a string")
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return errResult(h, "base64_decode: "+err.Error())
		}
		o, err := h.Alloc(object.KindBytes, &object.BytesBody{Data: data})
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["json_encode"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 {
			return errResult(h, "json_encode: expected 1 argument")
		}
		native := toNative(args[0])
		buf, err := json.Marshal(native)
		if err != nil {
			return errResult(h, "json_encode: "+err.Error())
		}
		o, err := h.Alloc(object.KindString, object.NewString(string(buf)))
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["json_decode"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 {
			return errResult(h, "json_decode: expected 1 argument")
		}
		s, ok := argString(args[0])
		if !ok {
			return errResult(h, "json_decode: argument must be a string")
		}
		var native any
		if err := json.Unmarshal([]byte(s), &native); err != nil {
			return errResult(h, "json_decode: "+err.Error())
		}
		v, err := fromNative(h, native)
		if err != nil {
			return 0, err
		}
		return okResult(h, v)
	}

	t.fns["string_upper"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		s, ok := argString(args[0])
		if !ok {
			return errResult(h, "string_upper: argument must be a string")
		}
		o, err := h.Alloc(object.KindString, object.NewString(strings.ToUpper(s)))
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["string_lower"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		s, ok := argString(args[0])
		if !ok {
			return errResult(h, "string_lower: argument must be a string")
		}
		o, err := h.Alloc(object.KindString, object.NewString(strings.ToLower(s)))
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}
}

// toNative converts a Boxed64/Object graph to plain Go values for
// json.Marshal; it is the inverse of fromNative.
func toNative(b value.Boxed64) any {
	switch {
	case value.IsNil(b):
		return nil
	case value.IsBool(b):
		return value.DecodeBool(b)
	case value.IsInt(b):
		return value.DecodeInt(b)
	case value.IsDouble(b):
		return value.DecodeDouble(b)
	case value.IsObject(b):
		o := object.FromBoxed(b)
		switch o.Kind() {
		case object.KindString:
			return o.Body().(*object.StringBody).String()
		case object.KindArray:
			items := o.Body().(*object.ArrayBody).Items
			out := make([]any, len(items))
			for i, it := range items {
				out[i] = toNative(it)
			}
			return out
		case object.KindMap:
			m := o.Body().(*object.MapBody)
			out := make(map[string]any, m.Len())
			for _, k := range m.Keys() {
				v, _ := m.Get(k)
				out[k] = toNative(v)
			}
			return out
		}
	}
	return nil
}

// fromNative reconstructs a Boxed64/Object graph from a decoded JSON
// value, allocating containers on h.
func fromNative(h *heap.Heap, v any) (value.Boxed64, error) {
	switch x := v.(type) {
	case nil:
		return value.EncodeNil(), nil
	case bool:
		return value.EncodeBool(x), nil
	case float64:
		return value.EncodeDouble(x), nil
	case string:
		o, err := h.Alloc(object.KindString, object.NewString(x))
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(o), nil
	case []any:
		items := make([]value.Boxed64, len(x))
		for i, e := range x {
			cv, err := fromNative(h, e)
			if err != nil {
				return 0, err
			}
			items[i] = cv
		}
		o, err := h.Alloc(object.KindArray, &object.ArrayBody{Items: items})
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(o), nil
	case map[string]any:
		m := object.NewMap()
		for k, e := range x {
			cv, err := fromNative(h, e)
			if err != nil {
				return 0, err
			}
			m.Set(k, cv)
		}
		o, err := h.Alloc(object.KindMap, m)
		if err != nil {
			return 0, err
		}
		return object.ToBoxed(o), nil
	default:
		return value.EncodeNil(), nil
	}
}

// ---- env / time / sleep / random ---------------------------------------

func (t *Table) registerEnvTime() {
	t.fns["env_get"] = func(h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapEnv) {
			return errResult(h, "env_get: capability denied")
		}
		name, ok := argString(args[0])
		if !ok {
			return errResult(h, "env_get: argument must be a string")
		}
		v, present := os.LookupEnv(name)
		if !present {
			o, err := h.Alloc(object.KindOption, &object.OptionBody{Some: false})
			if err != nil {
				return 0, err
			}
			return okResult(h, object.ToBoxed(o))
		}
		s, err := h.Alloc(object.KindString, object.NewString(v))
		if err != nil {
			return 0, err
		}
		o, err := h.Alloc(object.KindOption, &object.OptionBody{Some: true, Payload: object.ToBoxed(s)})
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["env_set"] = func(h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapEnv) {
			return errResult(h, "env_set: capability denied")
		}
		if len(args) != 2 {
			return errResult(h, "env_set: expected (name, value)")
		}
		name, ok1 := argString(args[0])
		val, ok2 := argString(args[1])
		if !ok1 || !ok2 {
			return errResult(h, "env_set: arguments must be strings")
		}
		if err := os.Setenv(name, val); err != nil {
			return errResult(h, "env_set: "+err.Error())
		}
		return okResult(h, value.EncodeNil())
	}

	t.fns["time_now"] = func(h *heap.Heap, _ scheduler.Capability, _ []value.Boxed64) (value.Boxed64, error) {
		return okResult(h, value.EncodeDouble(float64(time.Now().UnixNano())/1e9))
	}

	// sleep blocks the calling worker thread, not just the block; a
	// scheduler-integrated timer (RECEIVE_TIMEOUT's deadline path) is the
	// cooperative alternative for long waits.
	t.fns["sleep"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 1 || !value.IsInt(args[0]) {
			return errResult(h, "sleep: expected a millisecond integer")
		}
		ms := value.DecodeInt(args[0])
		if ms < 0 || ms > 60_000 {
			return errResult(h, "sleep: duration out of range")
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return okResult(h, value.EncodeNil())
	}

	t.fns["random"] = func(h *heap.Heap, _ scheduler.Capability, _ []value.Boxed64) (value.Boxed64, error) {
		return okResult(h, value.EncodeDouble(rand.Float64()))
	}
}

// ---- file I/O (sandbox-checked) ----------------------------------------

func (t *Table) registerFile() {
	t.fns["file_read"] = func(h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapFileRead) {
			return errResult(h, "file_read: capability denied")
		}
		path, ok := argString(args[0])
		if !ok {
			return errResult(h, "file_read: argument must be a string")
		}
		if t.sandbox == nil {
			return errResult(h, "file_read: no sandbox configured")
		}
		resolved, allowed := t.sandbox.ResolveRead(path)
		if !allowed {
			return errResult(h, "file_read: path denied by sandbox")
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return errResult(h, "file_read: "+err.Error())
		}
		o, err := h.Alloc(object.KindBytes, &object.BytesBody{Data: data})
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}

	t.fns["file_write"] = func(h *heap.Heap, caps scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapFileWrite) {
			return errResult(h, "file_write: capability denied")
		}
		if len(args) != 2 {
			return errResult(h, "file_write: expected (path, data)")
		}
		path, ok := argString(args[0])
		if !ok {
			return errResult(h, "file_write: path must be a string")
		}
		data, ok := argBytes(args[1])
		if !ok {
			return errResult(h, "file_write: data must be string or bytes")
		}
		if t.sandbox == nil {
			return errResult(h, "file_write: no sandbox configured")
		}
		resolved, allowed := t.sandbox.ResolveWrite(path)
		if !allowed {
			return errResult(h, "file_write: path denied by sandbox")
		}
		if err := os.WriteFile(resolved, data, 0o644); err != nil {
			return errResult(h, "file_write: "+err.Error())
		}
		return okResult(h, value.EncodeNil())
	}

	// SHELL/EXEC dispatch through a shell by design (unlike the hashing
	// primitives, which never touch one); no process-exec runtime is
	// wired into this module, so they are documented stubs an embedder
	// replaces wholesale.
	t.fns["shell"] = func(h *heap.Heap, caps scheduler.Capability, _ []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapShell) {
			return errResult(h, "shell: capability denied")
		}
		return errResult(h, "shell: not implemented by this embedding")
	}
	t.fns["exec"] = func(h *heap.Heap, caps scheduler.Capability, _ []value.Boxed64) (value.Boxed64, error) {
		if !caps.Has(scheduler.CapExec) {
			return errResult(h, "exec: capability denied")
		}
		return errResult(h, "exec: not implemented by this embedding")
	}
}

// ---- math (uint256 scratch arithmetic) ---------------------------------

func (t *Table) registerMath() {
	t.fns["math_add256"] = func(h *heap.Heap, _ scheduler.Capability, args []value.Boxed64) (value.Boxed64, error) {
		if len(args) != 2 {
			return errResult(h, "math_add256: expected 2 arguments")
		}
		a, ok1 := argString(args[0])
		b, ok2 := argString(args[1])
		if !ok1 || !ok2 {
			return errResult(h, "math_add256: arguments must be decimal strings")
		}
		ai, err := uint256.FromDecimal(a)
		if err != nil {
			return errResult(h, "math_add256: "+err.Error())
		}
		bi, err := uint256.FromDecimal(b)
		if err != nil {
			return errResult(h, "math_add256: "+err.Error())
		}
		sum := new(uint256.Int).Add(ai, bi)
		o, err := h.Alloc(object.KindString, object.NewString(sum.Dec()))
		if err != nil {
			return 0, err
		}
		return okResult(h, object.ToBoxed(o))
	}
}
