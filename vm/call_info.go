package vm

import "strings"

// ---------------------------------------------------------------------------
// CallInfo: bookkeeping for one active call
// ---------------------------------------------------------------------------

// CallStatus flags describe how a frame was entered.
type CallStatus uint16

const (
	CallAllowHook   CallStatus = 1 << iota // hooks may run in this frame
	CallNative                             // frame of a native function
	CallCreateFrame                        // outermost frame of an Execute invocation
	CallDebugHook                          // frame is running a debug hook
	CallTail                               // frame was re-entered by a tail call
)

var callStatusNames = []string{
	"ALLOW_HOOK", "NATIVE_CALL", "CREATE_FRAME", "DEBUG_HOOK", "TAIL_CALL",
}

func (c CallStatus) String() string {
	var parts []string
	for i, name := range callStatusNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// noFrame is the Prev index of the bottom frame.
const noFrame = -1

// CallInfo is one entry of the frame vector. Links are indices, so no
// record can outlive the vector slot it refers to.
type CallInfo struct {
	Closure *Closure
	Base    int // slot holding the callee; registers start at Base+1
	Top     int // first slot past the frame's registers
	PC      int // next instruction (saved while a callee runs)
	Prev    int // index of the calling frame, or noFrame
	Status  CallStatus

	ExtraArgs int     // variadic arguments beyond ParamCount
	Varargs   []Value // the extra arguments themselves

	// Dest is the caller register receiving the first result, relative to
	// the caller's base; ReturnRegister targets the return cell. Negative
	// means the results are only collected for an Execute caller.
	Dest int
}

// IsVM reports whether the frame executes bytecode.
func (ci *CallInfo) IsVM() bool {
	return ci.Status&CallNative == 0
}

// Function returns the frame's function template, or nil for natives.
func (ci *CallInfo) Function() *Function {
	if ci.Closure == nil {
		return nil
	}
	return ci.Closure.Function
}

// pushFrame appends a frame after the current one and makes it current.
func (s *State) pushFrame(ci CallInfo) *CallInfo {
	ci.Prev = s.ci
	s.ci++
	if s.ci < len(s.frames) {
		s.frames[s.ci] = ci
	} else {
		s.frames = append(s.frames, ci)
	}
	return &s.frames[s.ci]
}

// popFrame drops the current frame and returns to its caller.
func (s *State) popFrame() {
	prev := s.frames[s.ci].Prev
	s.frames[s.ci] = CallInfo{}
	s.ci = prev
}

// Depth returns the number of active frames.
func (s *State) Depth() int {
	return s.ci + 1
}

// Frame returns a copy of the frame at depth i, counting from the bottom.
func (s *State) Frame(i int) CallInfo {
	return s.frames[i]
}
