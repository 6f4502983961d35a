package sched

import (
	"testing"
	"unsafe"
)

func TestNewProcessRegisterLayout(t *testing.T) {
	p := New(0x1000, 0x7fff0000, []uint64{10, 20, 30}, 0x200, true)

	if p.Context.Regs[regX19] != 0x1000 {
		t.Fatalf("entry in regX19 = %#x", p.Context.Regs[regX19])
	}
	if p.Context.Regs[regX20] != 0x7fff0000 {
		t.Fatalf("user sp in regX20 = %#x", p.Context.Regs[regX20])
	}
	if p.Context.Regs[regX21] != 10 || p.Context.Regs[regX22] != 20 || p.Context.Regs[regX23] != 30 {
		t.Fatalf("args not laid out at x21..: %+v", p.Context.Regs)
	}
	if p.Context.Regs[regX28] != 0x200 {
		t.Fatalf("tls base in regX28 = %#x", p.Context.Regs[regX28])
	}
	if p.Context.Regs[regX27] != spsrEL0t {
		t.Fatalf("spsr = %#x, want EL0t", p.Context.Regs[regX27])
	}
	if p.Context.Regs[regX30] != trampolineAddr {
		t.Fatalf("x30 does not hold the trampoline address")
	}
	sp := p.Context.Regs[regSP]
	if sp%16 != 0 {
		t.Fatalf("sp %#x not 16-byte aligned", sp)
	}
	base := uint64(uintptr(unsafe.Pointer(&p.KernelStack[0])))
	if sp < base || sp > base+uint64(len(p.KernelStack)) {
		t.Fatalf("sp %#x does not point inside the kernel stack [%#x, %#x]", sp, base, base+uint64(len(p.KernelStack)))
	}
}

func TestNewProcess32BitSPSR(t *testing.T) {
	p := New(0, 0, nil, 0, false)
	if p.Context.Regs[regX27] != spsrAArch32 {
		t.Fatalf("spsr = %#x, want AArch32 user mode", p.Context.Regs[regX27])
	}
}

func TestPIDsAreUniqueAndMonotonic(t *testing.T) {
	a := New(0, 0, nil, 0, true)
	b := New(0, 0, nil, 0, true)
	if b.PID <= a.PID {
		t.Fatalf("PIDs not monotonic: %d then %d", a.PID, b.PID)
	}
}

func TestScheduleFirstSemantics(t *testing.T) {
	s := NewScheduler()
	p1 := New(0, 0, nil, 0, true)
	s.AddProcess(p1)

	sw, ok := s.ScheduleNext()
	if !ok {
		t.Fatalf("ScheduleNext() ok = false, want true")
	}
	if sw.Prev != nil {
		t.Fatalf("Prev = %v, want nil on the very first schedule", sw.Prev)
	}
	if sw.Next != &s.current.Context {
		t.Fatalf("Next does not point at the new current process's context")
	}

	p2 := New(0, 0, nil, 0, true)
	s.AddProcess(p2)
	sw2, ok := s.ScheduleNext()
	if !ok {
		t.Fatalf("second ScheduleNext() ok = false")
	}
	if sw2.Prev == nil {
		t.Fatalf("Prev = nil on the second schedule, want a pointer")
	}
}

func TestScheduleNextEmptyQueueReturnsNotOK(t *testing.T) {
	s := NewScheduler()
	if _, ok := s.ScheduleNext(); ok {
		t.Fatalf("ScheduleNext() on an empty scheduler reported ok")
	}
}

func TestSchedulerFairness(t *testing.T) {
	s := NewScheduler()
	const k = 4
	pids := make([]uint64, k)
	for i := 0; i < k; i++ {
		p := New(0, 0, nil, 0, true)
		pids[i] = p.PID
		s.AddProcess(p)
	}

	var seen []uint64
	for i := 0; i < k; i++ {
		if _, ok := s.ScheduleNext(); !ok {
			t.Fatalf("ScheduleNext() failed on iteration %d", i)
		}
		seen = append(seen, s.current.PID)
	}
	for i, pid := range pids {
		if seen[i] != pid {
			t.Fatalf("visit order[%d] = %d, want %d (round-robin over %v)", i, seen[i], pid, pids)
		}
	}

	// A further schedule_next wraps back to the first process.
	if _, ok := s.ScheduleNext(); !ok {
		t.Fatalf("wrap-around ScheduleNext() failed")
	}
	if s.current.PID != pids[0] {
		t.Fatalf("after %d yields, current = %d, want wrap to %d", k, s.current.PID, pids[0])
	}
}

