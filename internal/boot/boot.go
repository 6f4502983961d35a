// Package boot wires together everything kmain assembles before handing
// control to the first scheduled process: the VFS singleton, the trap
// dispatcher, and two initial demo processes.
//
// Grounded on original_source/kernel/src/main.rs's kmain: heap init,
// vector install, ELF load, two Process::new calls with the same entry
// point and argument 0, the first schedule_next, and the first
// __switch_to call. There is no ELF loader in this port's scope (spec
// §9), so Config.EntryPoint stands in for elf::load_elf's return value —
// callers are expected to supply a fixed demo entry address rather than
// parsing a real ELF binary. Heap initialization has no Go equivalent
// (the runtime's garbage-collected heap needs no setup step) and is
// logged only, to preserve kmain's log line ordering.
package boot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mari-cult/gravity-os/internal/sched"
	"github.com/mari-cult/gravity-os/internal/trap"
	"github.com/mari-cult/gravity-os/internal/vfs"
)

// Config is everything Boot needs to assemble the kernel's initial
// state: where the read-only root filesystem archive comes from, the
// fixed entry point and user stack top the two demo processes start at,
// and the console collaborator sys_write/BSD write(2) reach.
type Config struct {
	VFSSource    io.ReaderAt
	EntryPoint   uint64
	UserStackTop uint64
	Console      trap.Console

	// Halt, if set, replaces the dispatcher's default halt behavior,
	// which only records Halted — e.g. cmd/kernel installs one that
	// exits the process with status 0.
	Halt func()

	// Switch, if set, replaces the dispatcher's default no-op
	// context-switch callback — the collaborator that would, on real
	// hardware, be the assembly __switch_to stub.
	Switch func(sched.Switch)
}

// singletonVFS adapts the package-level vfs.Open/vfs.StatSize singleton
// to trap.VFS, so the dispatcher always resolves paths against the one
// VFS instance Boot installs — matching the single global VFS
// kernel/src/vfs.rs exposes.
type singletonVFS struct{}

func (singletonVFS) Open(path string) (vfs.File, error) { return vfs.Open(path) }

// Boot performs kmain's sequence up to and including the first context
// switch: install the VFS singleton, construct the trap dispatcher and
// scheduler, add two identical demo processes, and hand control to
// whichever one schedule_next promotes to current. It returns once that
// first switch would occur in hardware — there is no assembly
// __switch_to stub behind dispatcher.Switch in this port, so unlike the
// original's kmain, returning here is the expected outcome, not a fault.
func Boot(cfg Config) (*trap.Dispatcher, *sched.Scheduler, error) {
	slog.Info("booting GravityOS, spawning processes")

	if err := vfs.Init(cfg.VFSSource); err != nil {
		return nil, nil, fmt.Errorf("boot: initializing vfs: %w", err)
	}
	slog.Info("heap initialized")
	slog.Info("vectors initialized")

	scheduler := sched.NewScheduler()
	dispatcher := trap.NewDispatcher(scheduler, singletonVFS{}, cfg.Console)
	if cfg.Halt != nil {
		dispatcher.Halt = cfg.Halt
	}
	if cfg.Switch != nil {
		dispatcher.Switch = cfg.Switch
	}

	slog.Info("elf loaded", "entry", cfg.EntryPoint)

	p1 := sched.New(cfg.EntryPoint, cfg.UserStackTop, []uint64{0}, 0, true)
	scheduler.AddProcess(p1)
	slog.Info("added process 1", "pid", p1.PID)

	p2 := sched.New(cfg.EntryPoint, cfg.UserStackTop, []uint64{0}, 0, true)
	scheduler.AddProcess(p2)
	slog.Info("added process 2", "pid", p2.PID)

	sw, ok := scheduler.ScheduleNext()
	if !ok {
		return nil, nil, errors.New("boot: scheduler produced no runnable process")
	}
	slog.Info("first process scheduled as current", "pid", scheduler.Current().PID)

	slog.Info("switching to process 1")
	if dispatcher.Switch != nil {
		dispatcher.Switch(sw)
	}

	slog.Info("returned from first switch; no assembly context-switch stub backs this port, so this is the expected outcome, not a fault")
	return dispatcher, scheduler, nil
}

// Idle blocks forever, standing in for the original's trailing
// "loop { wfe }" — the one halt-equivalent behavior this package, and no
// other, is allowed to invoke. cmd/kernel calls this after Boot returns.
// It sleeps in a loop rather than using an empty select, which the Go
// runtime reports as a fatal deadlock when no other goroutine exists.
func Idle() {
	for {
		time.Sleep(time.Hour)
	}
}
