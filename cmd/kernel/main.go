// Command kernel runs the GravityOS simulation: boot the VFS, scheduler,
// and trap dispatcher against a TAR-packed root filesystem, then idle.
//
// Grounded on original_source/kernel/src/main.rs's kmain/panic_handler
// pair and the teacher's own thin main.go, which does no work itself and
// defers everything to a library package.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mari-cult/gravity-os/internal/boot"
)

func main() {
	var (
		rootfsPath = flag.String("rootfs", "", "path to a TAR archive backing the root filesystem")
		entryPoint = flag.Uint64("entry", 0x4000_0000, "fixed demo entry address for both initial processes")
		userStack  = flag.Uint64("user-stack-top", 0x7fff_f000, "user stack top for both initial processes")
	)
	flag.Parse()

	if *rootfsPath == "" {
		fmt.Fprintln(os.Stderr, "kernel: -rootfs is required")
		os.Exit(1)
	}

	f, err := os.Open(*rootfsPath)
	if err != nil {
		slog.Error("opening rootfs archive", "err", err)
		os.Exit(1)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("statting rootfs archive", "err", err)
		os.Exit(1)
	}

	_, _, err = boot.Boot(boot.Config{
		VFSSource:    io.NewSectionReader(f, 0, info.Size()),
		EntryPoint:   *entryPoint,
		UserStackTop: *userStack,
		Console:      os.Stdout,
		Halt:         func() { os.Exit(0) },
	})
	if err != nil {
		slog.Error("boot failed", "err", err)
		os.Exit(1)
	}

	boot.Idle()
}
