package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Thread status
// ---------------------------------------------------------------------------

// ThreadStatus is the state's error/interrupt status, checked at every
// instruction and call boundary.
type ThreadStatus uint8

const (
	StatusFine ThreadStatus = iota
	StatusRuntimeError
	StatusMemoryError
	StatusExceptionError
)

func (t ThreadStatus) String() string {
	switch t {
	case StatusFine:
		return "fine"
	case StatusRuntimeError:
		return "runtime error"
	case StatusMemoryError:
		return "memory error"
	case StatusExceptionError:
		return "exception"
	}
	return fmt.Sprintf("status(%d)", uint8(t))
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// Sentinel causes. A *RuntimeError unwraps to one of these.
var (
	ErrDivideByZero      = errors.New("divide by zero")
	ErrModuloByZero      = errors.New("modulo by zero")
	ErrPowerDomain       = errors.New("power domain error")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrStackLimit        = errors.New("value stack limit exceeded")
	ErrNotCallable       = errors.New("value is not callable")
	ErrUpvalueIndex      = errors.New("upvalue index out of range")
	ErrConstantIndex     = errors.New("constant index out of range")
	ErrRegisterIndex     = errors.New("register out of frame")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrImmutableConstant = errors.New("constant pool is immutable")
	ErrThrown            = errors.New("script exception")
	ErrCancelled         = errors.New("execution cancelled")
	ErrNotPrepared       = errors.New("no prepared call")
	ErrMalformedFunction = errors.New("malformed function")
	ErrArrayLimit        = errors.New("array size limit exceeded")
)

// ErrorKind classifies runtime errors.
type ErrorKind uint8

const (
	KindInternal  ErrorKind = iota // malformed bytecode or engine invariant violation
	KindRuntime                    // arithmetic and domain errors
	KindMemory                     // value stack or array ceiling
	KindException                  // THROW from script code
)

func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindRuntime:
		return "runtime"
	case KindMemory:
		return "memory"
	case KindException:
		return "exception"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ErrorKind) status() ThreadStatus {
	switch k {
	case KindMemory:
		return StatusMemoryError
	case KindException:
		return StatusExceptionError
	}
	return StatusRuntimeError
}

// RuntimeError is raised through the thread status and surfaces from
// Execute/Call when no TRY handler intercepts it.
type RuntimeError struct {
	Kind     ErrorKind
	Message  string
	Value    Value  // thrown value, or the message as a string
	Function string // function executing when raised
	PC       int    // instruction index when raised, -1 if unknown
	Cause    error
}

func (e *RuntimeError) Error() string {
	if e.Function != "" && e.PC >= 0 {
		return fmt.Sprintf("%s (in %s at %04d)", e.Message, e.Function, e.PC)
	}
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, cause error, format string, args ...any) *RuntimeError {
	msg := cause.Error()
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &RuntimeError{Kind: kind, Message: msg, Value: FromString(msg), PC: -1, Cause: cause}
}

// errorValue returns the script-visible value for err: the thrown value for
// script exceptions, the message string otherwise.
func errorValue(err error) Value {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Value
	}
	return FromString(err.Error())
}

// asRuntimeError converts any error returned by a native function into a
// *RuntimeError, keeping the original in the chain.
func asRuntimeError(err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return &RuntimeError{Kind: KindRuntime, Message: err.Error(), Value: FromString(err.Error()), PC: -1, Cause: err}
}

// ---------------------------------------------------------------------------
// TRY handler stack
// ---------------------------------------------------------------------------

// tryHandler is an installed TRY scope.
type tryHandler struct {
	frame   int // frame index that executed TRY
	catchPC int // index of the CATCH instruction
}

// pushHandler installs a handler for the current frame.
func (s *State) pushHandler(catchPC int) {
	s.handlers = append(s.handlers, tryHandler{frame: s.ci, catchPC: catchPC})
}

// popHandler removes the innermost handler.
func (s *State) popHandler() (tryHandler, bool) {
	n := len(s.handlers)
	if n == 0 {
		return tryHandler{}, false
	}
	h := s.handlers[n-1]
	s.handlers = s.handlers[:n-1]
	return h, true
}

// unwindHandlersToFrame drops handlers installed by frames above frameIndex.
func (s *State) unwindHandlersToFrame(frameIndex int) {
	n := len(s.handlers)
	for n > 0 && s.handlers[n-1].frame > frameIndex {
		n--
	}
	s.handlers = s.handlers[:n]
}

// ---------------------------------------------------------------------------
// Raising and unwinding
// ---------------------------------------------------------------------------

// raise records err as the pending error. The dispatch loop observes it at
// the next instruction boundary.
func (s *State) raise(err error) {
	re := asRuntimeError(err)
	if re.Function == "" && s.ci >= 0 {
		ci := &s.frames[s.ci]
		if fn := ci.Function(); fn != nil {
			re.Function = fn.Name
			re.PC = ci.PC - 1
		}
	}
	s.err = re
	s.status = re.Kind.status()
	s.handling = false
}

// clearError resets the thread status.
func (s *State) clearError() {
	s.err = nil
	s.status = StatusFine
	s.handling = false
}

// unwind looks for a TRY handler installed at or above the entry frame of
// the running Execute. When one exists, frames above it are discarded,
// their upvalues closed, and execution resumes at its CATCH instruction
// with the error still pending. Otherwise every frame down to and including
// entry is discarded and false is returned.
func (s *State) unwind(entry int) bool {
	n := len(s.handlers)
	if n > 0 && s.handlers[n-1].frame >= entry {
		h := s.handlers[n-1]
		s.handlers = s.handlers[:n-1]
		if h.frame < s.ci {
			s.closeFrame(s.frames[h.frame+1].Base, s.err)
		}
		for s.ci > h.frame {
			s.popFrame()
		}
		ci := &s.frames[s.ci]
		ci.PC = h.catchPC
		s.stack.top = ci.Top
		s.handling = true
		return true
	}
	s.closeFrame(s.frames[entry].Base, s.err)
	s.unwindHandlersToFrame(entry - 1)
	base := s.frames[entry].Base
	for s.ci >= entry {
		s.popFrame()
	}
	s.stack.top = base
	return false
}
