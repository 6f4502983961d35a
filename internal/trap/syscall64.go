package trap

import (
	"log/slog"

	"github.com/mari-cult/gravity-os/internal/sched"
)

// AArch64 syscall numbers, selected by x8, matching process.rs's native
// syscall match arms.
const (
	sysYield  = 0
	sysExit   = 1
	sysWrite  = 2
	sysSpawn  = 3
	sysGetpid = 4
)

func (d *Dispatcher) handleA64Syscall(frame *TrapFrame) {
	switch frame.X[8] {
	case sysYield:
		d.doYield()
	case sysExit:
		d.doExit()
	case sysWrite:
		d.doWrite64(frame.X[0], frame.X[1], frame.X[2])
	case sysSpawn:
		frame.X[0] = d.doSpawn(frame.X[0], frame.X[1])
	case sysGetpid:
		frame.X[0] = d.doGetpid()
	default:
		slog.Warn("unknown aarch64 syscall", "num", frame.X[8])
	}
}

func (d *Dispatcher) doYield() {
	sw, ok := d.Scheduler.ScheduleNext()
	if !ok {
		return
	}
	if d.Switch != nil {
		d.Switch(sw)
	}
}

func (d *Dispatcher) doExit() {
	slog.Info("process exiting", "pid", d.pidOrZero())
	d.halt()
}

func (d *Dispatcher) pidOrZero() uint64 {
	if p := d.currentProcess(); p != nil {
		return p.PID
	}
	return 0
}

// doWrite64 is sys_write(fd, buf, len): only fds 1 (stdout), 2 (stderr),
// and 4 (the demo userland's adopted console fd) actually reach the
// console; anything else is unimplemented and silently dropped, per
// spec §4.I.
func (d *Dispatcher) doWrite64(fd, bufAddr, length uint64) {
	if fd != 1 && fd != 2 && fd != 4 {
		return
	}
	buf := make([]byte, length)
	if err := d.Memory.ReadAt(bufAddr, buf); err != nil {
		slog.Warn("sys_write: unreadable buffer", "addr", bufAddr, "len", length, "err", err)
		return
	}
	if d.Console != nil {
		d.Console.Write(buf)
	}
}

// doSpawn creates a new kernel-spawned EL0 thread at entry with a single
// argument, and enqueues it on the scheduler's ready list.
func (d *Dispatcher) doSpawn(entry, arg uint64) uint64 {
	p := sched.New(entry, 0, []uint64{arg}, 0, true)
	d.Scheduler.AddProcess(p)
	return p.PID
}

func (d *Dispatcher) doGetpid() uint64 {
	return d.pidOrZero()
}
