package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Meta tags and tables
// ---------------------------------------------------------------------------

// MetaTag names an overridable operator or conversion.
type MetaTag uint8

const (
	MetaConstructor MetaTag = iota
	MetaDestructor
	MetaAdd
	MetaSub
	MetaMul
	MetaDiv
	MetaMod
	MetaPow
	MetaNeg
	MetaCompare
	MetaToBool
	MetaToString
	MetaToInt
	MetaToUInt
	MetaToFloat
	MetaCall
	MetaGetter
	MetaSetter
	MetaShiftLeft
	MetaShiftRight
	MetaBitAnd
	MetaBitOr
	MetaBitXor
	MetaBitNot
	MetaClose
	MetaToStruct
	MetaToObject
)

var metaNames = [...]string{
	"CONSTRUCTOR", "DESTRUCTOR", "ADD", "SUB", "MUL", "DIV", "MOD", "POW", "NEG",
	"COMPARE", "TO_BOOL", "TO_STRING", "TO_INT", "TO_UINT", "TO_FLOAT", "CALL",
	"GETTER", "SETTER", "SHIFT_LEFT", "SHIFT_RIGHT", "BIT_AND", "BIT_OR",
	"BIT_XOR", "BIT_NOT", "CLOSE", "TO_STRUCT", "TO_OBJECT",
}

func (m MetaTag) String() string {
	if int(m) < len(metaNames) {
		return metaNames[m]
	}
	return fmt.Sprintf("META_%d", uint8(m))
}

// ParseMetaTag maps a meta name back to its tag.
func ParseMetaTag(name string) (MetaTag, bool) {
	for i, n := range metaNames {
		if n == name {
			return MetaTag(i), true
		}
	}
	return 0, false
}

// MetaTable maps tags to callable values.
type MetaTable map[MetaTag]Value

// lookupMeta finds the handler for tag on v: objects consult their
// prototype chain, everything else the per-type table.
func (s *State) lookupMeta(v Value, tag MetaTag) (Value, bool) {
	if v.IsContainer() {
		if _, isProto := v.Prototype(); isProto {
			return Null, false
		}
		if p := v.Object().Prototype; p != nil {
			return p.LookupMeta(tag)
		}
	}
	if mt, ok := s.typeMeta[v.typ]; ok {
		fn, ok := mt[tag]
		return fn, ok
	}
	return Null, false
}

// ---------------------------------------------------------------------------
// Snapshot: scoped save/restore of interpreter cursor state
// ---------------------------------------------------------------------------

// snapshot captures everything a re-entrant call may disturb.
type snapshot struct {
	top      int
	ci       int
	handlers int
	tbc      int
	ret      Value
	status   ThreadStatus
	err      *RuntimeError
	handling bool
}

func (s *State) save() snapshot {
	return snapshot{
		top:      s.stack.top,
		ci:       s.ci,
		handlers: len(s.handlers),
		tbc:      len(s.tbc),
		ret:      s.ret,
		status:   s.status,
		err:      s.err,
		handling: s.handling,
	}
}

// restore rewinds to sn. Frames above sn.ci are discarded with their
// upvalues closed; this only happens on abnormal exits.
func (s *State) restore(sn snapshot) {
	if s.ci > sn.ci {
		s.closeUpvalues(s.frames[sn.ci+1].Base)
		for s.ci > sn.ci {
			s.popFrame()
		}
	}
	if len(s.handlers) > sn.handlers {
		s.handlers = s.handlers[:sn.handlers]
	}
	if len(s.tbc) > sn.tbc {
		s.tbc = s.tbc[:sn.tbc]
	}
	s.stack.top = sn.top
	s.ret = sn.ret
	s.status = sn.status
	s.err = sn.err
	s.handling = sn.handling
}

// reentrant runs fn with a clean status and restores the cursor state on
// every exit path, panics included.
func (s *State) reentrant(fn func() error) (err error) {
	sn := s.save()
	defer s.restore(sn)
	s.status = StatusFine
	s.err = nil
	s.handling = false
	return fn()
}

// ---------------------------------------------------------------------------
// Re-entrant calls
// ---------------------------------------------------------------------------

// callValue calls fn with args above the current stack top and returns its
// first result. The call completes synchronously; the caller's stack top,
// frame, handlers and status are restored afterwards whatever happens.
func (s *State) callValue(fn Value, args ...Value) (Value, error) {
	if s.nativeDepth >= s.config.MaxNativeDepth {
		return Null, newError(KindRuntime, ErrStackOverflow, "native call depth exceeded (%d)", s.config.MaxNativeDepth)
	}
	s.nativeDepth++
	defer func() { s.nativeDepth-- }()

	var result Value
	err := s.reentrant(func() error {
		slot := s.stack.top
		if s.ci >= 0 && s.frames[s.ci].Top > slot {
			slot = s.frames[s.ci].Top
		}
		if err := s.pushArgs(slot, fn, args); err != nil {
			return err
		}
		entered, err := s.precall(slot, len(args), -1, CallCreateFrame)
		if err != nil {
			return err
		}
		if entered {
			if err := s.run(s.ci); err != nil {
				return err
			}
		}
		if len(s.results) > 0 {
			result = s.results[0]
		}
		return nil
	})
	return result, err
}

// callMeta invokes a meta handler. A cancelled call is reported as an
// error; other failures are returned for the caller to degrade.
func (s *State) callMeta(fn Value, args ...Value) (Value, error) {
	v, err := s.callValue(fn, args...)
	if err != nil {
		log.Debugf("state %s: meta call %s failed: %v", s.ID, fn, err)
	}
	return v, err
}

// metaFailure decides whether a failed meta call must propagate. Only
// cancellation does; everything else degrades to a default value.
func (s *State) metaFailure(err error) bool {
	if errors.Is(err, ErrCancelled) {
		s.raise(err)
		return true
	}
	return false
}

// tryMetaUnary applies tag's handler to a. ok is false when no handler
// exists.
func (s *State) tryMetaUnary(tag MetaTag, a Value) (result Value, ok bool) {
	fn, found := s.lookupMeta(a, tag)
	if !found {
		return Null, false
	}
	v, err := s.callMeta(fn, a)
	if err != nil {
		s.metaFailure(err)
		return Null, true
	}
	return v, true
}

// tryMetaBinary applies tag's handler from the left operand to (a, b).
func (s *State) tryMetaBinary(tag MetaTag, a, b Value) (result Value, ok bool) {
	fn, found := s.lookupMeta(a, tag)
	if !found {
		return Null, false
	}
	v, err := s.callMeta(fn, a, b)
	if err != nil {
		s.metaFailure(err)
		return Null, true
	}
	return v, true
}
