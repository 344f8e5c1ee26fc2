// Package sparsefile reclaims disk space from zero-filled regions of
// persisted-state files via fallocate hole-punching, for the
// diskmonitor plugin's Critical-level reaper step. dsmed targets Linux
// only, so this drops the teacher's darwin/unsupported build variants.
//
// Unlike a one-shot cleanup CLI invoked once per run, dsmed's reaper
// re-checks its state files on every Critical-level poll tick (every
// 30s, for as long as the device stays above the Critical threshold).
// Compactor exists to make that repetition cheap: state files like
// the alarm queue are rewritten far less often than the poll interval,
// so re-scanning and re-punching an unchanged file on every tick would
// be pure overhead. Compactor tracks each path's size/mtime from its
// last pass and skips the scan entirely when neither has moved.
package sparsefile

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBlockSize is the scan granularity for zero-region detection.
const DefaultBlockSize = 4096

// ZeroRegion is a contiguous zero-filled byte range within a file.
type ZeroRegion struct {
	Offset int64
	Length int64
}

// ErrNotSupported is returned when the underlying filesystem rejects
// FALLOC_FL_PUNCH_HOLE (common on overlayfs, tmpfs, vfat).
var ErrNotSupported = errors.New("sparsefile: hole punching not supported on this filesystem")

// CompactInPlace scans path for zero regions and punches holes over
// them, returning the number of bytes reclaimed.
func CompactInPlace(path string, blockSize int) (int64, error) {
	regions, err := scanZeroRegions(path, blockSize)
	if err != nil {
		return 0, err
	}
	return punchHoles(path, regions)
}

type fileStamp struct {
	size    int64
	modTime int64
}

// Compactor is a repeated-use wrapper around CompactInPlace that skips
// files whose size and mtime haven't changed since the last call,
// suited to being driven from a recurring timer rather than a one-shot
// tool invocation.
type Compactor struct {
	blockSize int

	mu   sync.Mutex
	seen map[string]fileStamp
}

// NewCompactor returns a Compactor scanning at blockSize granularity
// (DefaultBlockSize if <= 0).
func NewCompactor(blockSize int) *Compactor {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Compactor{blockSize: blockSize, seen: make(map[string]fileStamp)}
}

// CompactIfChanged compacts path unless its size and mtime match the
// stamp recorded on the previous call, in which case it is skipped as
// a no-op (0, nil). A file that has shrunk, grown, or been rewritten
// since the last pass is always rescanned.
func (c *Compactor) CompactIfChanged(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}

	c.mu.Lock()
	prev, ok := c.seen[path]
	c.mu.Unlock()
	if ok && prev == stamp {
		return 0, nil
	}

	freed, err := CompactInPlace(path, c.blockSize)
	if err != nil {
		return freed, err
	}
	// Punching holes updates the file's mtime; record the post-compaction
	// stamp so the file's own compaction does not count as a change.
	if freed > 0 {
		if info, err := os.Stat(path); err == nil {
			stamp = fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}
		}
	}

	c.mu.Lock()
	c.seen[path] = stamp
	c.mu.Unlock()
	return freed, nil
}

func scanZeroRegions(path string, blockSize int) ([]ZeroRegion, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	var regions []ZeroRegion
	var current *ZeroRegion
	offset := int64(0)

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if isZeroBlock(buf[:n]) {
				if current == nil {
					current = &ZeroRegion{Offset: offset, Length: int64(n)}
				} else {
					current.Length += int64(n)
				}
			} else if current != nil {
				regions = append(regions, *current)
				current = nil
			}
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
	}

	if current != nil {
		regions = append(regions, *current)
	}
	return regions, nil
}

func isZeroBlock(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func punchHoles(path string, regions []ZeroRegion) (int64, error) {
	if len(regions) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fd := int(f.Fd())
	var freed int64
	for _, r := range regions {
		if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, r.Offset, r.Length); err != nil {
			if errors.Is(err, unix.EOPNOTSUPP) {
				return freed, ErrNotSupported
			}
			return freed, err
		}
		freed += r.Length
	}
	return freed, nil
}
