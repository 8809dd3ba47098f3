// Package fstier implements the large-value cache tier: individual files
// named by content digest under a two-level hex fan-out, published
// atomically via create-then-rename, and swept by an age-based cleaner.
package fstier

import (
	"log"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/hdrcache/digest"
)

// ErrNotFound is returned by Get when no file exists for the digest.
var ErrNotFound = xerrors.New("fstier: not found")

// Get reads the full envelope stored for d under dir. It mmaps the file
// read-only and copies it into a single heap buffer sized to the file,
// since golang.org/x/exp/mmap's ReaderAt does not expose the mapped
// region directly — the one concession this tier makes to the historical
// implementation's zero-copy mmap read, documented in DESIGN.md.
func Get(dir string, d digest.Digest) ([]byte, error) {
	sub, base := d.Path()
	path := filepath.Join(dir, sub, base)

	r, err := mmap.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("mmap open %s: %w", path, err)
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, xerrors.Errorf("mmap read %s: %w", path, err)
	}
	return buf, nil
}

// Put publishes envelope for digest d under dir using the historical
// create-exclusive, mmap-for-write, rename discipline: the temp file is
// never visible under its permanent name until the rename completes, so a
// crash mid-publish leaves only an orphan temp file, never a partial
// permanent entry. The caller must already hold the directory's exclusive
// critical section (see internal/critsection); the umask override applied
// there governs the mode bits MkdirAll and OpenFile end up with, exactly
// as the historical SET_UMASK/UNSET_UMASK bracket did in fs.c.
func Put(dir string, d digest.Digest, envelope []byte, pid int) error {
	sub, base := d.Path()
	subdir := filepath.Join(dir, sub)
	if err := os.MkdirAll(subdir, 0777); err != nil {
		return xerrors.Errorf("mkdir %s: %w", subdir, err)
	}

	tempBase, err := d.TempBase(pid)
	if err != nil {
		return xerrors.Errorf("temp name: %w", err)
	}
	tempPath := filepath.Join(subdir, tempBase)

	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return xerrors.Errorf("create %s: %w", tempPath, err)
	}

	if err := publish(f, envelope); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("close %s: %w", tempPath, err)
	}

	permPath := filepath.Join(subdir, base)
	if err := os.Rename(tempPath, permPath); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("rename %s to %s: %w", tempPath, permPath, err)
	}
	return nil
}

func publish(f *os.File, envelope []byte) error {
	if err := f.Truncate(int64(len(envelope))); err != nil {
		return xerrors.Errorf("truncate: %w", err)
	}
	if len(envelope) == 0 {
		return nil
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, len(envelope), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return xerrors.Errorf("mmap: %w", err)
	}
	copy(mapped, envelope)
	if err := unix.Munmap(mapped); err != nil {
		return xerrors.Errorf("munmap: %w", err)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// Clean sweeps every one of the 256 two-hex subdirectories, deleting
// permanent entries (38-char basenames) whose mtime and atime are both
// older than days, and temp entries (47-char basenames) older than one
// day regardless of days — those are crash leftovers, not cache policy.
// The 256 subdirectories are independent, so they are scanned
// concurrently via errgroup, bounded by the OS's own readdir/stat cost
// rather than this package imposing its own worker cap.
func Clean(dir string, days int, now uint16) error {
	g := new(errgroup.Group)
	for _, hi := range hexDigits {
		for _, lo := range hexDigits {
			sub := string(hi) + string(lo)
			g.Go(func() error {
				return cleanSubdir(filepath.Join(dir, sub), days, now)
			})
		}
	}
	return g.Wait()
}

func cleanSubdir(path string, days int, now uint16) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("readdir %s: %w", path, err)
	}

	for _, e := range entries {
		name := e.Name()
		if len(name) < 38 {
			continue
		}

		full := filepath.Join(path, name)
		var st unix.Stat_t
		if err := unix.Stat(full, &st); err != nil {
			log.Printf("hdrcache: stat %s: %v", full, err)
			continue
		}
		mtime := uint16(st.Mtim.Sec / 86400)
		atime := uint16(st.Atim.Sec / 86400)

		var stale bool
		if len(name) == 38 {
			stale = mtime+uint16(days) < now && atime+uint16(days) < now
		} else {
			stale = mtime+1 < now && atime+1 < now
		}

		if stale {
			if err := os.Remove(full); err != nil {
				log.Printf("hdrcache: remove %s: %v", full, err)
			}
		}
	}
	return nil
}
