package vm

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("zr.vm")

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config bounds the resources of a State.
type Config struct {
	StackSize      int  // initial value-stack slots
	MaxStackSize   int  // hard ceiling on value-stack slots
	MaxCallDepth   int  // maximum active frames
	MaxNativeDepth int  // maximum nested re-entries (meta methods, native callbacks)
	MaxArrayLength int  // arrays never grow past this many elements
	Trace          bool // log every instruction at debug level
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		StackSize:      1024,
		MaxStackSize:   1 << 20,
		MaxCallDepth:   10000,
		MaxNativeDepth: 200,
		MaxArrayLength: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StackSize <= 0 {
		c.StackSize = d.StackSize
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = d.MaxStackSize
	}
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = d.MaxCallDepth
	}
	if c.MaxNativeDepth <= 0 {
		c.MaxNativeDepth = d.MaxNativeDepth
	}
	if c.MaxArrayLength <= 0 {
		c.MaxArrayLength = d.MaxArrayLength
	}
	return c
}

// ---------------------------------------------------------------------------
// State: one thread of execution
// ---------------------------------------------------------------------------

// Hook is called before each instruction while installed.
type Hook func(s *State, ci *CallInfo, in Instruction)

// State is a single thread of execution: its value stack, frame vector,
// open upvalues, handlers and status. A State is not safe for concurrent
// use, except for Interrupt.
type State struct {
	ID     uuid.UUID
	config Config

	stack  *Stack
	frames []CallInfo
	ci     int // index of the running frame, noFrame when idle

	openUpvalues *Upvalue
	tbc          []int // to-be-closed slots, ascending
	handlers     []tryHandler

	status   ThreadStatus
	err      *RuntimeError
	handling bool // unwound to a CATCH that has not run yet

	ret     Value   // return register
	results []Value // results of the last completed Execute

	ctx      context.Context // context of the running Call, nil when idle
	prepared bool            // PrepareCall done, Execute pending
	entry    int             // frame entered by PrepareCall, noFrame if it completed

	trap        atomic.Bool
	interrupted atomic.Bool
	hook        Hook
	inHook      bool // frames entered now do not get CallAllowHook
	nativeDepth int

	global   *Object
	modules  *ModuleRegistry
	gc       Collector
	typeMeta map[ValueType]MetaTable
}

// NewState creates a State. Zero fields of cfg take their defaults.
func NewState(cfg Config) *State {
	cfg = cfg.withDefaults()
	s := &State{
		ID:       uuid.New(),
		config:   cfg,
		stack:    newStack(cfg.StackSize, cfg.MaxStackSize),
		frames:   make([]CallInfo, 0, 64),
		ci:       noFrame,
		entry:    noFrame,
		global:   NewObject(nil),
		modules:  NewModuleRegistry(nil),
		gc:       NewAccountingCollector(),
		typeMeta: make(map[ValueType]MetaTable),
	}
	log.Infof("state %s created (stack=%d max=%d depth=%d)",
		s.ID, cfg.StackSize, cfg.MaxStackSize, cfg.MaxCallDepth)
	return s
}

// Config returns the effective configuration.
func (s *State) Config() Config {
	return s.config
}

// Status returns the thread status.
func (s *State) Status() ThreadStatus {
	return s.status
}

// Err returns the pending error, if any.
func (s *State) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Stack exposes the value stack for inspection.
func (s *State) Stack() *Stack {
	return s.stack
}

// Return returns the return register.
func (s *State) Return() Value {
	return s.ret
}

// Results returns the values returned by the last completed Execute.
func (s *State) Results() []Value {
	return s.results
}

func (s *State) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Global returns the global object loaded by GET_GLOBAL.
func (s *State) Global() *Object {
	return s.global
}

// SetGlobal binds name on the global object.
func (s *State) SetGlobal(name string, v Value) {
	s.global.SetString(name, v)
	s.barrier(s.global, v)
}

// RegisterPrototype makes p resolvable by unqualified name.
func (s *State) RegisterPrototype(p *Prototype) {
	s.SetGlobal(p.Name, FromPrototype(p))
}

// Modules returns the module cache.
func (s *State) Modules() *ModuleRegistry {
	return s.modules
}

// SetModules shares a module cache between states.
func (s *State) SetModules(r *ModuleRegistry) {
	s.modules = r
}

// Collector returns the collector.
func (s *State) Collector() Collector {
	return s.gc
}

// SetCollector replaces the collector.
func (s *State) SetCollector(c Collector) {
	s.gc = c
}

// SetTypeMeta installs a meta table for all values of a non-object type.
func (s *State) SetTypeMeta(t ValueType, mt MetaTable) {
	s.typeMeta[t] = mt
}

// ---------------------------------------------------------------------------
// Trap
// ---------------------------------------------------------------------------

// SetHook installs (or with nil removes) a per-instruction hook.
func (s *State) SetHook(h Hook) {
	s.hook = h
	if h != nil {
		s.trap.Store(true)
	}
}

// Interrupt asks the running State to stop at the next instruction
// boundary with ErrCancelled. It may be called from any goroutine.
func (s *State) Interrupt() {
	s.interrupted.Store(true)
	s.trap.Store(true)
}

// handleTrap runs when the trap flag is seen at an instruction boundary.
// It reports false when the instruction must not run.
func (s *State) handleTrap(ci *CallInfo, in Instruction) bool {
	if s.interrupted.Swap(false) {
		s.raise(newError(KindRuntime, ErrCancelled, ""))
		s.trap.Store(s.hook != nil)
		return false
	}
	if s.hook == nil {
		s.trap.Store(false)
		return true
	}
	if s.inHook || ci.Status&(CallAllowHook|CallDebugHook) != CallAllowHook {
		return true
	}
	s.inHook = true
	ci.Status |= CallDebugHook
	s.hook(s, ci, in)
	s.frames[s.ci].Status &^= CallDebugHook
	s.inHook = false
	return true
}
