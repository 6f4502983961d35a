// Command diskbuilder extracts an iOS rootfs DMG's HFS+ partition and
// writes it, decompressed, into a fixed-size raw disk image the kernel
// can later mount.
//
// Grounded on original_source/src/tools/make-disk/src/main.rs's clap
// Args (the same four flags, same defaults), with argument parsing kept
// deliberately thin per spec §1's scope note that CLI parsing is an
// external collaborator, not a design-interesting part of this repo —
// matching cmd/kernel's own flag.Parse-and-delegate shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mari-cult/gravity-os/internal/diskbuild"
)

func main() {
	var (
		iosDMG         = flag.String("ios-dmg", "", "path to iOS rootfs DMG (required)")
		output         = flag.String("output", "disk.img", "output disk image path")
		sizeMB         = flag.Uint64("size-mb", 1536, "disk size in MB")
		rootfsOffsetMB = flag.Uint64("rootfs-offset-mb", 400, "rootfs offset in MB")
	)
	flag.Parse()

	if *iosDMG == "" {
		fmt.Fprintln(os.Stderr, "diskbuilder: -ios-dmg is required")
		os.Exit(1)
	}

	err := diskbuild.Build(context.Background(), diskbuild.Options{
		IOSDMGPath:     *iosDMG,
		OutputPath:     *output,
		SizeMB:         *sizeMB,
		RootfsOffsetMB: *rootfsOffsetMB,
	})
	if err != nil {
		slog.Error("disk build failed", "err", err)
		os.Exit(1)
	}
}
