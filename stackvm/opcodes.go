// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package stackvm

// Opcode is one stack-VM instruction mnemonic. The encoding is variable
// width: one opcode byte followed by zero or more operand bytes, per
// opcode. The operand width is fixed per-opcode, recorded in opcodeInfo
// below, and never depends on the operand's runtime value.
type Opcode uint8

const (
	// Stack shape.
	OpNop Opcode = iota
	OpPop
	OpDup
	OpDup2
	OpSwap

	// Constants and literals.
	OpConstant // u16 constant pool index
	OpNil
	OpTrue
	OpFalse

	// Arithmetic.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// Comparison.
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte

	// Logic.
	OpNot

	// Locals (frame-relative stack slots).
	OpGetLocal // u8 slot
	OpSetLocal // u8 slot

	// Globals (by string-table index).
	OpDefineGlobal // u16 name index
	OpGetGlobal    // u16 name index
	OpSetGlobal    // u16 name index

	// Upvalues.
	OpGetUpvalue // u8 upvalue index
	OpSetUpvalue // u8 upvalue index
	OpCloseUpvalue

	// Control flow. Jump offsets are relative to the instruction
	// immediately following the jump's operand.
	OpJump        // u16 forward offset
	OpJumpIfFalse // u16 forward offset (peeks, does not pop)
	OpJumpIfTrue  // u16 forward offset (peeks, does not pop)
	OpLoop        // u16 backward offset

	// Calls and closures.
	OpCall    // u8 argument count
	OpClosure // u16 function-chunk index, then NumUpvalues * (u8 isLocal, u8 index) pairs
	OpReturn

	// Containers.
	OpNewArray // u16 initial element count (popped off the stack, in order)
	OpArrayGet
	OpArraySet
	OpArrayPush
	OpArrayLen
	OpNewMap
	OpMapSet
	OpMapGet
	OpMapGetIC // u16 inline-cache slot index
	OpMapRemove

	// Result / Option.
	OpMakeOk
	OpMakeErr
	OpMakeSome
	OpMakeNone
	OpIsOk
	OpIsErr
	OpIsSome
	OpIsNone
	OpUnwrap
	OpUnwrapOr // pops (fallback, result-or-option); pushes payload or fallback

	// Actor operations (delegated to the scheduler).
	OpSelf
	OpSpawn
	OpSend
	OpReceive
	OpReceiveTimeout // millisecond budget is on the stack; pushes Ok({sender, value}) or Err("timeout")
	OpReceiveMatchStart
	OpReceiveMatchNext
	OpLink
	OpUnlink
	OpMonitor
	OpDemonitor
	OpGetStats // pushes a map of this block's lifetime counters

	// Process-group, supervisor, and trace operations reserve encodings
	// here but fail closed with NotImplemented: the machinery they
	// delegate to lives in an external scheduler, and the in-memory one
	// this module ships does not implement it.
	OpGroupJoin
	OpGroupLeave
	OpGroupBroadcast
	OpSupStart
	OpSupRestart
	OpTrace
	OpTraceOff

	// Terminators.
	OpHalt
	OpYield // voluntarily ends the reduction batch early

	opcodeCount
)

type operandShape uint8

const (
	operandNone operandShape = iota
	operandU8
	operandU16
	operandU16Pair // u16 + variable trailing upvalue descriptor bytes (OpClosure only)
	operandU32
)

type opcodeInfo struct {
	name    string
	operand operandShape
}

var opcodeTable = [opcodeCount]opcodeInfo{
	OpNop:  {"NOP", operandNone},
	OpPop:  {"POP", operandNone},
	OpDup:  {"DUP", operandNone},
	OpDup2: {"DUP2", operandNone},
	OpSwap: {"SWAP", operandNone},

	OpConstant: {"CONSTANT", operandU16},
	OpNil:      {"NIL", operandNone},
	OpTrue:     {"TRUE", operandNone},
	OpFalse:    {"FALSE", operandNone},

	OpAdd: {"ADD", operandNone},
	OpSub: {"SUB", operandNone},
	OpMul: {"MUL", operandNone},
	OpDiv: {"DIV", operandNone},
	OpMod: {"MOD", operandNone},
	OpNeg: {"NEG", operandNone},

	OpEq:  {"EQ", operandNone},
	OpNeq: {"NEQ", operandNone},
	OpLt:  {"LT", operandNone},
	OpLte: {"LTE", operandNone},
	OpGt:  {"GT", operandNone},
	OpGte: {"GTE", operandNone},

	OpNot: {"NOT", operandNone},

	OpGetLocal: {"GET_LOCAL", operandU8},
	OpSetLocal: {"SET_LOCAL", operandU8},

	OpDefineGlobal: {"DEFINE_GLOBAL", operandU16},
	OpGetGlobal:    {"GET_GLOBAL", operandU16},
	OpSetGlobal:    {"SET_GLOBAL", operandU16},

	OpGetUpvalue:   {"GET_UPVALUE", operandU8},
	OpSetUpvalue:   {"SET_UPVALUE", operandU8},
	OpCloseUpvalue: {"CLOSE_UPVALUE", operandNone},

	OpJump:        {"JUMP", operandU16},
	OpJumpIfFalse: {"JUMP_IF_FALSE", operandU16},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", operandU16},
	OpLoop:        {"LOOP", operandU16},

	OpCall:    {"CALL", operandU8},
	OpClosure: {"CLOSURE", operandU16Pair},
	OpReturn:  {"RETURN", operandNone},

	OpNewArray:  {"NEW_ARRAY", operandU16},
	OpArrayGet:  {"ARRAY_GET", operandNone},
	OpArraySet:  {"ARRAY_SET", operandNone},
	OpArrayPush: {"ARRAY_PUSH", operandNone},
	OpArrayLen:  {"ARRAY_LEN", operandNone},
	OpNewMap:    {"NEW_MAP", operandNone},
	OpMapSet:    {"MAP_SET", operandNone},
	OpMapGet:    {"MAP_GET", operandNone},
	OpMapGetIC:  {"MAP_GET_IC", operandU16},
	OpMapRemove: {"MAP_REMOVE", operandNone},

	OpMakeOk:   {"MAKE_OK", operandNone},
	OpMakeErr:  {"MAKE_ERR", operandNone},
	OpMakeSome: {"MAKE_SOME", operandNone},
	OpMakeNone: {"MAKE_NONE", operandNone},
	OpIsOk:     {"IS_OK", operandNone},
	OpIsErr:    {"IS_ERR", operandNone},
	OpIsSome:   {"IS_SOME", operandNone},
	OpIsNone:   {"IS_NONE", operandNone},
	OpUnwrap:   {"UNWRAP", operandNone},
	OpUnwrapOr: {"UNWRAP_OR", operandNone},

	OpSelf:              {"SELF", operandNone},
	OpSpawn:             {"SPAWN", operandNone},
	OpSend:              {"SEND", operandNone},
	OpReceive:           {"RECEIVE", operandNone},
	OpReceiveTimeout:    {"RECEIVE_TIMEOUT", operandNone},
	OpReceiveMatchStart: {"RECEIVE_MATCH_START", operandNone},
	OpReceiveMatchNext:  {"RECEIVE_MATCH_NEXT", operandNone},
	OpLink:              {"LINK", operandNone},
	OpUnlink:            {"UNLINK", operandNone},
	OpMonitor:           {"MONITOR", operandNone},
	OpDemonitor:         {"DEMONITOR", operandNone},
	OpGetStats:          {"GET_STATS", operandNone},
	OpGroupJoin:         {"GROUP_JOIN", operandNone},
	OpGroupLeave:        {"GROUP_LEAVE", operandNone},
	OpGroupBroadcast:    {"GROUP_BROADCAST", operandNone},
	OpSupStart:          {"SUP_START", operandNone},
	OpSupRestart:        {"SUP_RESTART", operandNone},
	OpTrace:             {"TRACE", operandNone},
	OpTraceOff:          {"TRACE_OFF", operandNone},

	OpHalt:  {"HALT", operandNone},
	OpYield: {"YIELD", operandNone},
}

func (op Opcode) String() string {
	if int(op) >= len(opcodeTable) {
		return "UNKNOWN"
	}
	return opcodeTable[op].name
}
