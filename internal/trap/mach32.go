package trap

import (
	"encoding/binary"

	"github.com/mari-cult/gravity-os/internal/ipc"
)

// Mach trap numbers, negative per the BSD/Mach-O convention (syscall
// class encoded in the sign), matching the subset named in spec §4.I.
const (
	machAbsoluteTime = -3
	machReplyPort    = -26
	threadSelfTrap   = -27
	hostSelfTrap     = -28
	machMsgTrap      = -31

	// unidentifiedTrap is 0x80000000 read as a signed 32-bit number
	// (math.MinInt32): observed in the retrieved sources but never
	// named. Treated as a no-op success returning 0 (see the Open
	// Question decisions in DESIGN.md).
	unidentifiedTrap = -2147483648
)

// machHeaderSize is the wire size of the ipc.MessageHeader this
// dispatcher reads from and writes to user memory: Bits, RemotePort,
// LocalPort, ID, each a 32-bit little-endian word (native register byte
// order, unlike this repo's big-endian on-disk formats).
const machHeaderSize = 16

func (d *Dispatcher) machTrap(frame *TrapFrame, num int32) bool {
	switch num {
	case machAbsoluteTime:
		t := d.now()
		frame.X[0] = t & 0xffff_ffff
		frame.X[1] = t >> 32
		return true

	case machReplyPort:
		p := d.currentProcess()
		if p == nil {
			frame.X[0] = 0
			return false
		}
		name, err := p.IPCSpace.AllocateReplyPort()
		if err != nil {
			frame.X[0] = 0
			return false
		}
		frame.X[0] = uint64(name)
		return true

	case threadSelfTrap:
		frame.X[0] = uint64(ipc.ThreadSelfPort)
		return true

	case hostSelfTrap:
		frame.X[0] = uint64(ipc.HostSelfPort)
		return true

	case machMsgTrap:
		return d.machMsg(frame)

	case unidentifiedTrap:
		frame.X[0] = 0
		return true

	default:
		frame.X[0] = 0
		return false
	}
}

// machMsg implements mach_msg_trap(msg, option, send_size, rcv_size,
// rcv_name, timeout): the six AArch32 argument registers r0..r5 carry
// exactly these six arguments, with the seventh ("notify") Darwin
// argument omitted since this core's transport never uses notify ports.
func (d *Dispatcher) machMsg(frame *TrapFrame) bool {
	msgAddr := frame.X[0]
	option := uint32(frame.X[1])
	sendSize := uint32(frame.X[2])
	rcvSize := uint32(frame.X[3])
	rcvName := ipc.PortName(frame.X[4])
	timeout := uint32(frame.X[5])

	var hdr [machHeaderSize]byte
	if err := d.Memory.ReadAt(msgAddr, hdr[:]); err != nil {
		frame.X[0] = uint64(ipc.MachPortUnknown)
		return false
	}

	msg := &ipc.Message{Header: ipc.MessageHeader{
		Bits:       binary.LittleEndian.Uint32(hdr[0:4]),
		RemotePort: ipc.PortName(binary.LittleEndian.Uint32(hdr[4:8])),
		LocalPort:  ipc.PortName(binary.LittleEndian.Uint32(hdr[8:12])),
		ID:         int32(binary.LittleEndian.Uint32(hdr[12:16])),
	}}
	if option&ipc.SendMsg != 0 && sendSize > machHeaderSize {
		payload := make([]byte, sendSize-machHeaderSize)
		if err := d.Memory.ReadAt(msgAddr+machHeaderSize, payload); err == nil {
			msg.Payload = payload
		}
	}

	p := d.currentProcess()
	if p == nil {
		frame.X[0] = uint64(ipc.MachPortUnknown)
		return false
	}

	var rcvPayloadBudget uint32
	if rcvSize > machHeaderSize {
		rcvPayloadBudget = rcvSize - machHeaderSize
	}
	sendPayloadSize := uint32(0)
	if sendSize > machHeaderSize {
		sendPayloadSize = sendSize - machHeaderSize
	}
	rc := p.IPCSpace.MachMsg(msg, option, sendPayloadSize, rcvPayloadBudget, rcvName, timeout)

	if option&ipc.RcvMsg != 0 && rc == ipc.Success {
		binary.LittleEndian.PutUint32(hdr[0:4], msg.Header.Bits)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(msg.Header.RemotePort))
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(msg.Header.LocalPort))
		binary.LittleEndian.PutUint32(hdr[12:16], uint32(msg.Header.ID))
		d.Memory.WriteAt(msgAddr, hdr[:])
		if len(msg.Payload) > 0 {
			d.Memory.WriteAt(msgAddr+machHeaderSize, msg.Payload)
		}
	}

	frame.X[0] = uint64(rc)
	return rc == ipc.Success
}
