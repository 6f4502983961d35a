package trap

import (
	"encoding/binary"
	"log/slog"
)

// AArch32 syscall numbers this core implements, selected by r12 (falling
// back to r7 when r12 is zero, matching the demo userland's calling
// convention). Negative numbers (and the single unidentified 0x80000000
// trap) route to Mach traps instead; see machTrap.
const (
	bsdExit          = 1
	bsdRead          = 3
	bsdWrite         = 4
	bsdOpen          = 5
	bsdClose         = 6
	bsdGetpid        = 20
	bsdGetuid        = 24
	bsdGeteuid       = 25
	bsdGetgid        = 26
	bsdGetegid       = 43
	bsdAccess        = 33
	bsdSigaction     = 46
	bsdSigprocmask   = 48
	bsdIoctl         = 54
	bsdMunmap        = 73
	bsdMprotect      = 74
	bsdGettimeofday  = 116
	bsdMmap          = 197
	bsdSysctl        = 202
	bsdGetattrlist   = 220
	bsdIssetugid     = 327
	bsdStat64        = 338
	bsdFstat64       = 339
	bsdLstat64       = 340
)

// spsrCarry is bit 29 of the AArch32 condition flags (C), the channel
// the ported BSD ABI uses to signal syscall failure instead of a
// dedicated error register.
const spsrCarry = 1 << 29

func (d *Dispatcher) handleA32Syscall(frame *TrapFrame) {
	num := int32(uint32(frame.X[12]))
	if num == 0 {
		num = int32(uint32(frame.X[7]))
	}

	var ok bool
	if num < 0 {
		ok = d.machTrap(frame, num)
	} else {
		ok = d.bsdSyscall(frame, uint32(num))
	}

	if ok {
		frame.SPSR &^= spsrCarry
	} else {
		frame.SPSR |= spsrCarry
	}
}

// bsdSyscall dispatches the subset of the BSD/Mach-O syscall table the
// ported 32-bit demo userland actually exercises. ok mirrors whether the
// carry flag should be set; frame.X[0] carries the result value on
// success or an Errno on failure.
func (d *Dispatcher) bsdSyscall(frame *TrapFrame, num uint32) bool {
	switch num {
	case bsdExit:
		d.doExit()
		return true

	case bsdRead:
		return d.bsdDoRead(frame)

	case bsdWrite:
		return d.bsdDoWrite(frame)

	case bsdOpen:
		return d.bsdDoOpen(frame)

	case bsdClose:
		return d.bsdDoClose(frame)

	case bsdGetpid:
		frame.X[0] = d.pidOrZero()
		return true

	case bsdGetuid, bsdGeteuid, bsdGetgid, bsdGetegid:
		frame.X[0] = 0
		return true

	case bsdAccess, bsdGetattrlist, bsdStat64, bsdFstat64, bsdLstat64:
		frame.X[0] = uint64(ENOENT)
		return false

	case bsdSigaction, bsdSigprocmask, bsdIoctl, bsdMunmap, bsdMprotect, bsdSysctl:
		frame.X[0] = 0
		return true

	case bsdGettimeofday:
		d.bsdDoGettimeofday(frame)
		return true

	case bsdMmap:
		frame.X[0] = d.bsdDoMmap(frame)
		return true

	case bsdIssetugid:
		frame.X[0] = 0
		return true

	default:
		slog.Warn("unknown aarch32 bsd syscall", "num", num)
		frame.X[0] = 0
		return true
	}
}

func (d *Dispatcher) bsdDoRead(frame *TrapFrame) bool {
	fd := frame.X[0]
	bufAddr := frame.X[1]
	length := frame.X[2]

	p := d.currentProcess()
	if p == nil || fd >= uint64(len(p.Files)) || p.Files[fd] == nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}
	buf := make([]byte, length)
	n, err := p.Files[fd].Read(buf)
	if err != nil && n == 0 {
		frame.X[0] = 0
		return true
	}
	if werr := d.Memory.WriteAt(bufAddr, buf[:n]); werr != nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}
	frame.X[0] = uint64(n)
	return true
}

func (d *Dispatcher) bsdDoWrite(frame *TrapFrame) bool {
	fd := frame.X[0]
	bufAddr := frame.X[1]
	length := frame.X[2]

	if fd != 1 && fd != 2 && fd != 4 {
		frame.X[0] = 0
		return true
	}
	buf := make([]byte, length)
	if err := d.Memory.ReadAt(bufAddr, buf); err != nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}
	n := 0
	if d.Console != nil {
		n, _ = d.Console.Write(buf)
	}
	frame.X[0] = uint64(n)
	return true
}

func (d *Dispatcher) bsdDoOpen(frame *TrapFrame) bool {
	pathAddr := frame.X[0]
	path, err := ReadCString(d.Memory, pathAddr, 256)
	if err != nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}

	f, err := d.VFS.Open(path)
	if err != nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}

	p := d.currentProcess()
	if p == nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}
	for i := range p.Files {
		if p.Files[i] == nil {
			p.Files[i] = f
			frame.X[0] = uint64(i)
			return true
		}
	}
	frame.X[0] = uint64(EMFILE)
	return false
}

func (d *Dispatcher) bsdDoClose(frame *TrapFrame) bool {
	fd := frame.X[0]
	p := d.currentProcess()
	if p == nil || fd >= uint64(len(p.Files)) || p.Files[fd] == nil {
		frame.X[0] = uint64(ENOENT)
		return false
	}
	p.Files[fd] = nil
	frame.X[0] = 0
	return true
}

// bsdDoGettimeofday writes a { tv_sec; tv_usec } pair (two little-endian
// 32-bit words, matching 32-bit struct timeval) to the buffer named by
// r0; the timezone argument in r1 is accepted but ignored, as on Darwin.
func (d *Dispatcher) bsdDoGettimeofday(frame *TrapFrame) {
	tvAddr := frame.X[0]
	if tvAddr == 0 {
		return
	}
	nanos := d.now()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(nanos/1_000_000_000))
	binary.LittleEndian.PutUint32(buf[4:8], uint32((nanos%1_000_000_000)/1_000))
	d.Memory.WriteAt(tvAddr, buf[:])
}

// bsdDoMmap is a bump allocator over the mmap region: it never reuses or
// unmaps pages (munmap/mprotect are no-ops, above), and if fd != -1 it
// fills the mapping by reading from the open file.
func (d *Dispatcher) bsdDoMmap(frame *TrapFrame) uint64 {
	length := frame.X[1]
	fd := int32(uint32(frame.X[4]))

	const pageSize = 4096
	pages := (length + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	addr := d.mmapNext
	d.mmapNext += pages * pageSize

	if fd >= 0 {
		p := d.currentProcess()
		if p != nil && uint64(fd) < uint64(len(p.Files)) && p.Files[fd] != nil {
			buf := make([]byte, length)
			n, _ := p.Files[fd].Read(buf)
			d.Memory.WriteAt(addr, buf[:n])
		}
	}
	return addr
}
