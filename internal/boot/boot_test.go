package boot

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/mari-cult/gravity-os/internal/sched"
)

func emptyArchive(t *testing.T) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestBootAddsTwoProcessesAndSchedulesFirst(t *testing.T) {
	archive := emptyArchive(t)
	src := io.NewSectionReader(archive, 0, int64(archive.Len()))

	var console bytes.Buffer
	dispatcher, scheduler, err := Boot(Config{
		VFSSource:    src,
		EntryPoint:   0x4000_1000,
		UserStackTop: 0x7fff_f000,
		Console:      &console,
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if dispatcher == nil {
		t.Fatalf("Boot returned a nil dispatcher")
	}
	if scheduler.Current() == nil {
		t.Fatalf("Boot did not leave a current process scheduled")
	}

	// A second schedule should promote the other demo process, not the
	// one already current, confirming two distinct processes were added.
	first := scheduler.Current().PID
	sw, ok := scheduler.ScheduleNext()
	if !ok {
		t.Fatalf("second ScheduleNext failed")
	}
	if scheduler.Current().PID == first {
		t.Fatalf("only one process appears to have been added")
	}
	if sw.Prev == nil {
		t.Fatalf("second schedule should have a non-nil Prev")
	}
}

func TestBootInvokesConfiguredSwitchAndInstallsHalt(t *testing.T) {
	archive := emptyArchive(t)
	src := io.NewSectionReader(archive, 0, int64(archive.Len()))

	var console bytes.Buffer
	var switched sched.Switch
	switchCalled := false
	haltCalled := false
	dispatcher, _, err := Boot(Config{
		VFSSource:    src,
		EntryPoint:   0x1000,
		UserStackTop: 0x2000,
		Console:      &console,
		Switch: func(sw sched.Switch) {
			switchCalled = true
			switched = sw
		},
		Halt: func() { haltCalled = true },
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !switchCalled {
		t.Fatalf("Boot never invoked the configured Switch callback")
	}
	if switched.Next == nil {
		t.Fatalf("Switch callback received a Switch with a nil Next context")
	}
	dispatcher.Halt()
	if !haltCalled {
		t.Fatalf("Boot did not install the configured Halt on the dispatcher")
	}
}

func TestBootFailsOnInvalidVFSSource(t *testing.T) {
	bad := bytes.NewReader([]byte("not a tar archive at all, much too short"))
	_, _, err := Boot(Config{VFSSource: bad})
	if err == nil {
		t.Fatalf("Boot succeeded against a corrupt archive, want an error")
	}
}
