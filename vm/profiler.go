package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts function invocations and executed opcodes through the
// debug hook. A function becomes hot once its invocation count reaches
// HotThreshold; OnHot is then called once for it.
//
// An invocation is a frame starting at instruction 0, which includes tail
// calls re-entering the same frame.

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	Function     *Function
	Invocations  uint64 // atomic
	Instructions uint64 // atomic
	IsHot        bool
}

// Profiler collects per-function and per-opcode counts. One profiler may be
// attached to several states.
type Profiler struct {
	functions sync.Map // *Function -> *FunctionProfile
	opcodes   [opcodeCount]uint64

	HotThreshold uint64 // Default: 100

	// OnHot is called the first time a function reaches HotThreshold.
	OnHot func(*FunctionProfile)
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// Attach installs the profiler as s's hook, replacing any other hook.
func (p *Profiler) Attach(s *State) {
	s.SetHook(p.record)
}

func (p *Profiler) record(s *State, ci *CallInfo, in Instruction) {
	if op := in.Op(); int(op) < len(p.opcodes) {
		atomic.AddUint64(&p.opcodes[op], 1)
	}
	fn := ci.Function()
	if fn == nil {
		return
	}
	val, _ := p.functions.LoadOrStore(fn, &FunctionProfile{Function: fn})
	profile := val.(*FunctionProfile)
	atomic.AddUint64(&profile.Instructions, 1)
	if ci.PC == 0 {
		p.recordInvocation(profile)
	}
}

// recordInvocation returns true if this invocation made the function hot.
func (p *Profiler) recordInvocation(profile *FunctionProfile) bool {
	count := atomic.AddUint64(&profile.Invocations, 1)
	if !profile.IsHot && count >= p.HotThreshold {
		profile.IsHot = true
		if p.OnHot != nil {
			p.OnHot(profile)
		}
		return true
	}
	return false
}

// Profile returns the profile for fn, or nil if it never ran.
func (p *Profiler) Profile(fn *Function) *FunctionProfile {
	if val, ok := p.functions.Load(fn); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot returns true if fn has reached the hot threshold.
func (p *Profiler) IsHot(fn *Function) bool {
	profile := p.Profile(fn)
	return profile != nil && profile.IsHot
}

// OpcodeCount returns how many times op was executed.
func (p *Profiler) OpcodeCount(op Opcode) uint64 {
	if int(op) >= len(p.opcodes) {
		return 0
	}
	return atomic.LoadUint64(&p.opcodes[op])
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions    int    // functions that ran
	HotFunctions int    // functions past the threshold
	Invocations  uint64 // total invocations
	Instructions uint64 // total executed instructions
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.functions.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Invocations += atomic.LoadUint64(&profile.Invocations)
		stats.Instructions += atomic.LoadUint64(&profile.Instructions)
		if profile.IsHot {
			stats.HotFunctions++
		}
		return true
	})
	return stats
}

// TopFunctions returns up to n profiles ordered by executed instructions,
// then by name.
func (p *Profiler) TopFunctions(n int) []*FunctionProfile {
	var all []*FunctionProfile
	p.functions.Range(func(_, value any) bool {
		all = append(all, value.(*FunctionProfile))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		a, b := atomic.LoadUint64(&all[i].Instructions), atomic.LoadUint64(&all[j].Instructions)
		if a != b {
			return a > b
		}
		return all[i].Function.Name < all[j].Function.Name
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.functions = sync.Map{}
	for i := range p.opcodes {
		atomic.StoreUint64(&p.opcodes[i], 0)
	}
}
