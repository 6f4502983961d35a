// Package trap implements the kernel's single synchronous-exception
// entry point: ESR_EL1 class decode, the AArch64 syscall table, the
// AArch32 BSD/Mach syscall subset the ported 32-bit demo userland
// exercises, and the fatal diagnostic dump for anything else.
//
// Grounded on original_source/src/kernel/src/process.rs's
// handle_sync_exception — the EXCEPTION_COUNT > 10 recursion-guard halt,
// the dump_mem hex-dump-by-16-bytes loop, and the is_ram/is_io range
// check before dumping a faulting address — generalized from its
// single-purpose switch statement to the full table spec §4.I requires.
package trap

import (
	"encoding/binary"
	"log/slog"

	"github.com/mari-cult/gravity-os/internal/sched"
	"github.com/mari-cult/gravity-os/internal/vfs"
)

// TrapFrame is the register snapshot the assembly vector stub is assumed
// to have pushed before calling into Go: the 31 general registers plus
// the three exception-context registers this dispatcher actually reads.
// AArch32 syscalls reuse the low 13 slots of X as r0..r12, since AArch32
// execution state shares the AArch64 register file's lower halves.
type TrapFrame struct {
	X    [31]uint64
	ELR  uint64 // return address (AArch64 PC, or AArch32 equivalent)
	SPSR uint64
	FAR  uint64 // only meaningful for data/instruction aborts
}

// Console is sys_write's and the BSD write(2) handler's output
// collaborator: os.Stdout in cmd/kernel, a *bytes.Buffer in tests.
type Console interface {
	Write(p []byte) (int, error)
}

// Errno is the small errno subset this core's BSD syscall handlers ever
// return, per spec §7.
type Errno uint64

const (
	ENOENT Errno = 2
	EMFILE Errno = 24
)

// Exception classes this dispatcher distinguishes, decoded from
// ESR_EL1 bits [31:26].
const (
	ecSVC64      = 0x15
	ecSVC32      = 0x11
	ecDataAbort  = 0x24
	ecDataAbortL = 0x25 // same EL
)

// recursionLimit mirrors process.rs's EXCEPTION_COUNT > 10: a fatal
// exception handled while already inside a fatal exception more than
// this many times in a row means the dump path itself is faulting, and
// there is nothing left to do but halt unconditionally.
const recursionLimit = 10

// RAM and UART address ranges dump_mem consults before touching a
// faulting address, matching process.rs's is_ram/is_io checks.
const (
	ramLow   = 0x4000_0000
	ramHigh  = 0x8000_0000
	uartLow  = 0x0900_0000
	uartHigh = 0x0900_1000
)

func inRange(addr, low, high uint64) bool {
	return addr >= low && addr < high
}

func dumpable(addr uint64) bool {
	return inRange(addr, ramLow, ramHigh) || inRange(addr, uartLow, uartHigh)
}

// Dispatcher wires together everything a syscall might touch: the
// process table, the flat VFS, per-process IPC spaces (reached through
// the scheduler's current process), physical memory, and the console.
// Nothing here takes a lock on more than one of these at a time in the
// order spec §5 fixes: VFS, then Scheduler, then a process's IpcSpace.
type Dispatcher struct {
	Scheduler *sched.Scheduler
	VFS       VFS
	Memory    Memory
	Console   Console

	// Switch is invoked with the pointer pair a successful sys_yield
	// produces. It models the __switch_to assembly stub this port
	// cannot implement in Go; the zero value is a no-op, which is
	// sufficient for every test that only checks scheduler bookkeeping.
	Switch func(sw sched.Switch)

	// Halt is called once the fatal path has finished dumping
	// diagnostics, and by sys_exit. The zero value only records Halted;
	// cmd/kernel installs one that exits the process with status 0.
	Halt func()

	// Now returns a monotonically increasing nanosecond count for
	// mach_absolute_time and gettimeofday. Defaults to an internal
	// counter so tests don't depend on wall-clock time.
	Now func() uint64

	mmapNext uint64
	nowTicks uint64

	exceptionDepth int
	Halted         bool
}

// VFS is the subset of *vfs.FS the syscall surface needs: just enough to
// open a file by path. Satisfied directly by *vfs.FS.
type VFS interface {
	Open(path string) (vfs.File, error)
}

// NewDispatcher returns a Dispatcher ready to handle exceptions, with
// Memory defaulting to a 1MiB FlatMemory window based at 0x40000000 and
// mmap allocations starting at 0x70000000, per spec §6.
func NewDispatcher(scheduler *sched.Scheduler, fs VFS, console Console) *Dispatcher {
	return &Dispatcher{
		Scheduler: scheduler,
		VFS:       fs,
		Memory:    NewFlatMemory(ramLow, 1<<20),
		Console:   console,
		mmapNext:  0x7000_0000,
	}
}

func (d *Dispatcher) now() uint64 {
	if d.Now != nil {
		return d.Now()
	}
	d.nowTicks++
	return d.nowTicks
}

func (d *Dispatcher) currentProcess() *sched.Process {
	return d.Scheduler.Current()
}

// HandleSyncException is the single entry point the vector table's
// synchronous-exception stub calls. esr and far are read from ESR_EL1
// and FAR_EL1 by that stub before frame is handed over; this dispatcher
// never touches system registers directly.
func (d *Dispatcher) HandleSyncException(frame *TrapFrame, esr uint64) {
	ec := (esr >> 26) & 0x3f
	iss := esr & 0x1ff_ffff

	switch ec {
	case ecSVC64:
		d.exceptionDepth = 0
		d.handleA64Syscall(frame)
	case ecSVC32:
		d.exceptionDepth = 0
		d.handleA32Syscall(frame)
	default:
		d.fatal(frame, esr, ec, iss)
	}
}

func (d *Dispatcher) fatal(frame *TrapFrame, esr uint64, ec, iss uint64) {
	d.exceptionDepth++
	if d.exceptionDepth > recursionLimit {
		slog.Error("trap: recursive fault, halting unconditionally",
			"depth", d.exceptionDepth)
		d.halt()
		return
	}

	slog.Error("unhandled synchronous exception",
		"esr", esr, "ec", ec, "iss", iss,
		"elr", frame.ELR, "far", frame.FAR, "spsr", frame.SPSR)
	for i := 0; i < len(frame.X); i += 4 {
		end := i + 4
		if end > len(frame.X) {
			end = len(frame.X)
		}
		slog.Error("register dump", "regs", frame.X[i:end], "base", i)
	}

	if (ec == ecDataAbort || ec == ecDataAbortL) && dumpable(frame.FAR) {
		d.dumpMem(frame.FAR)
	}

	d.halt()
}

// dumpMem hex-dumps 64 bytes around addr in 16-byte rows, matching
// process.rs's dump_mem.
func (d *Dispatcher) dumpMem(addr uint64) {
	start := addr &^ 0xf
	if start >= 32 {
		start -= 32
	}
	for row := uint64(0); row < 64; row += 16 {
		var words [4]uint32
		var buf [16]byte
		if err := d.Memory.ReadAt(start+row, buf[:]); err != nil {
			slog.Error("dump_mem: unreadable row", "addr", start+row, "err", err)
			continue
		}
		for w := 0; w < 4; w++ {
			words[w] = binary.LittleEndian.Uint32(buf[w*4 : w*4+4])
		}
		slog.Error("dump_mem", "addr", start+row, "words", words)
	}
}

func (d *Dispatcher) halt() {
	d.Halted = true
	if d.Halt != nil {
		d.Halt()
	}
}
