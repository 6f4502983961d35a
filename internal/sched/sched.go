// Package sched implements the kernel's cooperative round-robin process
// scheduler: a process table, a saved callee-save register bank per
// process, and the yield-time bookkeeping that hands a context-switch
// pointer pair to its caller.
//
// Grounded directly on original_source/src/kernel/src/scheduler.rs
// (Process::new's register layout and Scheduler::schedule_next's
// pop-front/push-back/return-pointer-pair sequence). Because this is a
// Go port rather than bare-metal Rust, the raw
// (Option<*mut CpuContext>, *const CpuContext) tuple becomes a Switch
// value carrying ordinary *Context fields: internal/trap's sys_yield
// handler is documented as the only code allowed to read them, which is
// the same contract spec §5 imposes on the raw pointers.
package sched

import (
	"container/list"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/mari-cult/gravity-os/internal/ipc"
	"github.com/mari-cult/gravity-os/internal/vfs"
)

// State is a process's lifecycle stage.
type State int

const (
	Ready State = iota
	Running
	Dead
)

// Register slot indices within Context.Regs, matching Process::new's
// assignment in scheduler.rs one-for-one: x19..x28, x29, x30, sp.
const (
	regX19 = 0 // entry point, until the trampoline consumes it
	regX20 = 1 // user stack top
	regX21 = 2 // argument 0
	regX22 = 3
	regX23 = 4
	regX24 = 5
	regX25 = 6
	regX26 = 7 // argument 5, the last of six
	regX27 = 8 // target SPSR
	regX28 = 9 // TLS base
	regX29 = 10
	regX30 = 11 // kernel-thread trampoline address
	regSP  = 12 // kernel stack pointer
)

// maxArgs is the number of argument words New accepts in x21..x26.
const maxArgs = 6

// KernelStackSize is the fixed size of every process's kernel stack.
const KernelStackSize = 64 * 1024

// SPSR bit patterns spec §3 assigns: DAIF-masked EL0t for AArch64
// processes, or user-mode-32 for legacy AArch32 ones.
const (
	spsrEL0t    uint64 = 0x3c0
	spsrAArch32 uint64 = 0x3d0
)

// Context is the saved callee-save register bank a context switch
// restores on resume: 13 words, laid out exactly as scheduler.rs's
// CpuContext (x19..x28, x29, x30, sp).
type Context struct {
	Regs [13]uint64
}

// kernelThreadTrampoline documents the ABI contract with the assembly
// vector/switch stubs this port doesn't implement: its address is
// recorded in every Context's x30 slot for tests to inspect, but nothing
// in this package ever calls through it.
func kernelThreadTrampoline() {}

var trampolineAddr = uint64(reflect.ValueOf(kernelThreadTrampoline).Pointer())

// Process owns everything the scheduler and syscall surface need to
// resume, inspect, or tear down one cooperative task.
type Process struct {
	PID     uint64
	State   State
	Context Context

	// KernelStack backs Context's sp slot; modeled as a plain byte
	// slice (there is no real MMU-backed allocation here). UserStackTop
	// is the value the process was created with (x20), not a slice this
	// package owns — user memory is out of this kernel's scope.
	KernelStack  []byte
	UserStackTop uint64

	Files    [32]vfs.File
	IPCSpace *ipc.Space
}

// pidCounter hands out PIDs starting at 1, matching scheduler.rs's
// PID_COUNTER: AtomicU64 = AtomicU64::new(1).
var pidCounter atomic.Uint64

// New prepares a process whose saved context, once resumed through the
// context-switch stub, lands at the kernel-thread trampoline — which
// then ERETs into user mode with ELR=entry, SP_EL0=userSP, x0..x5 drawn
// from args, x28=tlsBase, and SPSR encoding DAIF-masked EL0t (64-bit) or
// user-mode-32 (32-bit). At most six words of args are honored, matching
// the six x21..x26 argument slots; extras are silently ignored as in the
// original.
func New(entry, userSP uint64, args []uint64, tlsBase uint64, is64Bit bool) *Process {
	stack := make([]byte, KernelStackSize)
	sp := alignedStackTop(stack)

	var ctx Context
	ctx.Regs[regSP] = sp
	ctx.Regs[regX30] = trampolineAddr
	ctx.Regs[regX19] = entry
	ctx.Regs[regX20] = userSP
	ctx.Regs[regX28] = tlsBase

	n := len(args)
	if n > maxArgs {
		n = maxArgs
	}
	copy(ctx.Regs[regX21:regX21+n], args[:n])

	spsr := spsrEL0t
	if !is64Bit {
		spsr = spsrAArch32
	}
	ctx.Regs[regX27] = spsr

	return &Process{
		PID:          pidCounter.Add(1),
		State:        Ready,
		Context:      ctx,
		KernelStack:  stack,
		UserStackTop: userSP,
		IPCSpace:     ipc.NewSpace(),
	}
}

// alignedStackTop computes the 16-byte-aligned top-of-stack address for
// a freshly allocated kernel stack, mirroring
// "(stack.as_ptr() as u64 + stack.len() as u64) & !15" from scheduler.rs.
// Go's current allocator never moves a slice once it has escaped to the
// heap (which taking its address here forces), so this address stays
// valid for the process's lifetime — there is no real MMU behind it, but
// the arithmetic and the alignment invariant are exactly the original's.
func alignedStackTop(stack []byte) uint64 {
	if len(stack) == 0 {
		return 0
	}
	top := uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
	return uint64(top &^ 15)
}

// Switch is the pointer pair a successful ScheduleNext hands to its
// caller: Next is always non-nil, Prev is nil exactly when there was no
// previously running process to preserve (the very first schedule).
// Only the scheduler's caller (internal/trap's sys_yield handler) may
// dereference these — the scheduler's own lock has already been released
// by the time ScheduleNext returns.
type Switch struct {
	Prev *Context
	Next *Context
}

// Scheduler is the single round-robin ready queue plus the one
// distinguished "current" slot, guarded by mu per spec §5's lock-release-
// before-switch rule: callers must not hold mu while invoking whatever
// context-switch stub consumes the returned Switch.
type Scheduler struct {
	mu      sync.Mutex
	ready   *list.List // of *Process
	current *Process
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{ready: list.New()}
}

// AddProcess enqueues a new Ready process at the back of the queue.
func (s *Scheduler) AddProcess(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.PushBack(p)
}

// Current returns the presently running process, or nil before the first
// schedule.
func (s *Scheduler) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ScheduleNext implements scheduler.rs's schedule_next: pop the front of
// the ready queue as next; if a process is currently running, mark it
// Ready and push it to the back of the queue before promoting next to
// current. ok is false when the ready queue was empty (the caller must
// keep running whatever is already current); when ok is true,
// Switch.Next is always valid and Switch.Prev is the context of the
// process just pushed to the back of the queue, or nil when no process
// was current (the first schedule).
func (s *Scheduler) ScheduleNext() (Switch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.ready.Front()
	if el == nil {
		return Switch{}, false
	}
	next := s.ready.Remove(el).(*Process)

	var prevCtx *Context
	if s.current != nil {
		s.current.State = Ready
		s.ready.PushBack(s.current)
		prevCtx = &s.current.Context
	}
	s.current = next
	next.State = Running

	return Switch{Prev: prevCtx, Next: &next.Context}, true
}
