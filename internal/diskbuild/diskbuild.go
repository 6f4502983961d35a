// Package diskbuild implements the offline disk-image builder: extract
// an iOS DMG's HFS+ rootfs partition and stream it, decompressed, into a
// fixed-size raw disk image at a configurable byte offset.
//
// Grounded on
// original_source/src/tools/make-disk/src/main.rs: the HFS+ partition
// probe (read the first non-Comment chunk, check bytes [1024:1026] for
// "H+"/"HX"), the create-and-zero-then-mmap output file, the parallel
// per-chunk decode-and-copy into disjoint mmap ranges, and the final
// sanity directory listing of /sbin once the volume is reloaded from the
// written image. The original's rayon::par_iter().try_for_each and
// SafePtr-wrapped raw pointer become golang.org/x/sync/errgroup (one
// goroutine per chunk, capped at GOMAXPROCS) and golang.org/x/sys/unix.Mmap, matching the
// teacher's own direct use of golang.org/x/sys for OS-level primitives.
package diskbuild

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mari-cult/gravity-os/internal/dmg"
	"github.com/mari-cult/gravity-os/internal/hfsplus/volume"
	"github.com/mari-cult/gravity-os/internal/vfs/sectionreader"
)

const sectorSize = 512

// Options mirrors make-disk's CLI flags one-for-one.
type Options struct {
	IOSDMGPath     string
	OutputPath     string
	SizeMB         uint64
	RootfsOffsetMB uint64
}

// ErrNoHFSPartition reports that no partition in the DMG's plist began
// with an HFS+ volume header.
var ErrNoHFSPartition = fmt.Errorf("diskbuild: no HFS+ partition found in DMG")

// Build runs the full pipeline: locate the HFS+ partition, write it into
// a freshly sized output image at RootfsOffsetMB, then reload that
// region as an HFS+ volume and log a sanity /sbin listing.
func Build(ctx context.Context, opts Options) error {
	slog.Info("reading dmg", "path", opts.IOSDMGPath)
	reader, closeDMG, err := dmg.OpenFile(opts.IOSDMGPath)
	if err != nil {
		return fmt.Errorf("diskbuild: opening dmg: %w", err)
	}
	defer closeDMG()

	partIndex, table, err := findHFSPartition(reader)
	if err != nil {
		return err
	}
	slog.Info("found hfs+ partition", "index", partIndex, "chunks", len(table.Chunks))

	slog.Info("creating disk image", "path", opts.OutputPath, "size_mb", opts.SizeMB)
	out, err := os.OpenFile(opts.OutputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("diskbuild: creating output: %w", err)
	}
	defer out.Close()

	totalSize := int64(opts.SizeMB) * 1024 * 1024
	if err := out.Truncate(totalSize); err != nil {
		return fmt.Errorf("diskbuild: sizing output: %w", err)
	}

	mapped, err := unix.Mmap(int(out.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("diskbuild: mmap: %w", err)
	}

	rootfsOffset := int64(opts.RootfsOffsetMB) * 1024 * 1024
	slog.Info("streaming hfs+ rootfs to disk image", "rootfs_offset", rootfsOffset)
	if err := writeChunksParallel(ctx, reader, table.Chunks, mapped, rootfsOffset); err != nil {
		unix.Munmap(mapped)
		return err
	}

	if err := unix.Msync(mapped, unix.MS_SYNC); err != nil {
		unix.Munmap(mapped)
		return fmt.Errorf("diskbuild: msync: %w", err)
	}
	if err := unix.Munmap(mapped); err != nil {
		return fmt.Errorf("diskbuild: munmap: %w", err)
	}

	return verifyRootfs(opts.OutputPath, rootfsOffset, totalSize-rootfsOffset)
}

// findHFSPartition scans every partition's chunk table for the first
// non-Comment chunk, decodes it, and checks for an HFS+ volume signature
// at byte offset 1024 within that chunk's decoded bytes — identical to
// the original's probe, which only ever reads the partition's very first
// data-bearing chunk (the volume header always lives in sector 2).
func findHFSPartition(r *dmg.Reader) (int, dmg.BlkxTable, error) {
	parts := r.Plist.Partitions()
	for i := range parts {
		table, err := parts[i].Table()
		if err != nil {
			return 0, dmg.BlkxTable{}, fmt.Errorf("diskbuild: decoding partition %d table: %w", i, err)
		}

		var probe dmg.BlkxChunk
		found := false
		for _, c := range table.Chunks {
			if c.Type != dmg.ChunkComment {
				probe = c
				found = true
				break
			}
		}
		if !found {
			continue
		}

		decoded, err := r.DecodeChunk(probe)
		if err != nil || len(decoded) < 1026 {
			continue
		}
		if bytes.Equal(decoded[1024:1026], []byte("H+")) || bytes.Equal(decoded[1024:1026], []byte("HX")) {
			return i, table, nil
		}
	}
	return 0, dmg.BlkxTable{}, ErrNoHFSPartition
}

// writeChunksParallel decodes every chunk in table and copies it into
// mapped at rootfsOffset + chunk.SectorNumber*sectorSize. Chunks write to
// disjoint byte ranges by construction (each chunk owns a distinct
// sector span), so no two goroutines ever touch the same bytes —
// matching the safety argument the original's unsafe SafePtr write
// relied on implicitly.
func writeChunksParallel(ctx context.Context, r *dmg.Reader, chunks []dmg.BlkxChunk, mapped []byte, rootfsOffset int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	var done atomic.Int64
	total := int64(len(chunks))

	for _, c := range chunks {
		c := c
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			decoded, err := r.DecodeChunk(c)
			if err != nil {
				return fmt.Errorf("diskbuild: decoding chunk at sector %d: %w", c.SectorNumber, err)
			}
			if len(decoded) == 0 {
				return nil
			}

			pos := rootfsOffset + int64(c.SectorNumber)*sectorSize
			if pos < 0 || pos+int64(len(decoded)) > int64(len(mapped)) {
				return fmt.Errorf("diskbuild: chunk at sector %d overflows output image", c.SectorNumber)
			}
			copy(mapped[pos:pos+int64(len(decoded))], decoded)

			n := done.Add(1)
			if n%256 == 0 || n == total {
				slog.Info("decompressing rootfs", "chunks_done", n, "chunks_total", total)
			}
			return nil
		})
	}

	return g.Wait()
}

// verifyRootfs reopens the freshly written image, loads the rootfs
// region as an HFS+ volume through a fixed-offset section reader, and
// logs a /sbin directory listing — the same sanity check the original
// performs before declaring the image built.
func verifyRootfs(outputPath string, rootfsOffset, regionSize int64) error {
	f, err := os.Open(outputPath)
	if err != nil {
		return fmt.Errorf("diskbuild: reopening output: %w", err)
	}
	defer f.Close()

	region := sectionreader.Section(f, rootfsOffset, regionSize)
	vol, err := volume.Load(region)
	if err != nil {
		return fmt.Errorf("diskbuild: loading rootfs volume: %w", err)
	}

	slog.Info("listing /sbin")
	entries, err := vol.ListDir("/sbin")
	if err != nil {
		slog.Warn("failed to list /sbin", "err", err)
		return nil
	}
	for _, e := range entries {
		slog.Info("entry", "name", e.Name)
	}
	slog.Info("disk image created", "path", outputPath)
	return nil
}
