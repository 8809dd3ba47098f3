// Package hdrcache implements a persistent, local, content-addressed
// key/value cache for compressed binary artifacts. It backs two storage
// tiers in one directory: small values live in an embedded database
// (internal/smalldb), large values live as individual hash-named files
// (internal/fstier). Every mutating operation, and every small-tier read,
// is bracketed by a directory-scoped advisory lock and deferred signal
// delivery (internal/critsection), so multiple cooperating processes can
// share one cache directory safely.
//
// A *Handle is thread-compatible, not thread-safe: callers must not share
// one across goroutines without external serialization, the same
// constraint the historical embedded database placed on its handles.
package hdrcache

import (
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/hdrcache/digest"
	"github.com/distr1/hdrcache/envelope"
	"github.com/distr1/hdrcache/internal/critsection"
	"github.com/distr1/hdrcache/internal/fstier"
	"github.com/distr1/hdrcache/internal/smalldb"
)

// MaxSmallEnvelope is the largest envelope size ever stored in the
// small-value tier. Larger envelopes are always stored by the FS tier.
const MaxSmallEnvelope = 32 * 1024

// ErrClosed is returned by Put and Clean on a Handle after Close. Get on a
// closed Handle reports a miss, and a second Close returns nil.
var ErrClosed = xerrors.New("hdrcache: handle closed")

type options struct {
	maxSmallEnvelope int
}

// OpenOption configures Open.
type OpenOption func(*options)

// WithMaxSmallEnvelope overrides the small/large tier split threshold.
// Intended for tests that want to exercise tier migration without
// constructing 32KiB payloads.
func WithMaxSmallEnvelope(n int) OpenOption {
	return func(o *options) { o.maxSmallEnvelope = n }
}

// Handle owns a cache directory's resources.
type Handle struct {
	mu sync.Mutex

	dir              string
	dirFile          *os.File
	db               *smalldb.DB
	guard            *critsection.Guard
	now              uint16
	openerPID        int
	maxSmallEnvelope int

	closed bool
}

func dayIndex() uint16 {
	return uint16(time.Now().Unix() / 86400)
}

// Open opens (creating the backing files as needed) the cache directory
// dir. dir must already exist.
func Open(dir string, opts ...OpenOption) (*Handle, error) {
	o := options{maxSmallEnvelope: MaxSmallEnvelope}
	for _, opt := range opts {
		opt(&o)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return nil, xerrors.Errorf("hdrcache: open %s: %w", dir, err)
	}
	info, err := dirFile.Stat()
	if err != nil {
		dirFile.Close()
		return nil, xerrors.Errorf("hdrcache: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		dirFile.Close()
		return nil, xerrors.Errorf("hdrcache: %s is not a directory", dir)
	}

	umask := int(^info.Mode().Perm() & 0022)
	guard := critsection.New(int(dirFile.Fd())).WithUmask(umask)

	db, err := openSmallTier(guard, dir)
	if err != nil {
		dirFile.Close()
		return nil, err
	}

	return &Handle{
		dir:              dir,
		dirFile:          dirFile,
		db:               db,
		guard:            guard,
		now:              dayIndex(),
		openerPID:        os.Getpid(),
		maxSmallEnvelope: o.maxSmallEnvelope,
	}, nil
}

func openSmallTier(guard *critsection.Guard, dir string) (*smalldb.DB, error) {
	release, err := guard.Exclusive()
	if err != nil {
		return nil, xerrors.Errorf("hdrcache: open: %w", err)
	}
	defer release()

	db, err := smalldb.Open(dir)
	if err != nil {
		return nil, xerrors.Errorf("hdrcache: open small-value tier: %w", err)
	}
	return db, nil
}

// Close releases the handle's resources. Close in a process image other
// than the one that called Open (i.e. after a fork) is a no-op: the
// embedded database's in-process state (connections, mutexes) is not
// valid in a forked child, so tearing it down there would be unsafe, not
// merely redundant. A forked child may keep calling Get/Put until the
// parent closes.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if os.Getpid() != h.openerPID {
		return nil
	}
	h.closed = true

	release, err := h.guard.Exclusive()
	if err != nil {
		log.Printf("hdrcache: close: %v", err)
	} else {
		defer release()
	}

	if err := h.db.Close(); err != nil {
		log.Printf("hdrcache: close small-value tier: %v", err)
	}
	if err := h.dirFile.Close(); err != nil {
		log.Printf("hdrcache: close directory: %v", err)
	}
	return nil
}

// Get looks up key, trying the small-value tier then the large-value
// tier. A miss (absent, corrupt, or legacy-codec entry) returns ok == false;
// corruption is logged, absence is not. Get does not check an entry's age:
// an old entry stays readable until Clean removes it. The returned value, when
// non-empty, carries a trailing NUL not counted in its length (see
// envelope.Unwrap).
func (h *Handle) Get(key []byte) (value []byte, ok bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, false
	}

	d := digest.Sum(key)

	env, found, fromSmallTier, err := h.lookup(d)
	if err != nil {
		log.Printf("hdrcache: get: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	value, newATime, needsTouch, err := envelope.Unwrap(env, h.now)
	if err != nil {
		log.Printf("hdrcache: get: %v", err)
		return nil, false
	}

	if fromSmallTier && needsTouch {
		release, lockErr := h.guard.Exclusive()
		if lockErr != nil {
			log.Printf("hdrcache: get: touch atime: %v", lockErr)
		} else {
			if err := h.db.TouchATime(d, newATime); err != nil {
				log.Printf("hdrcache: get: touch atime: %v", err)
			}
			release()
		}
	}

	return value, true
}

func (h *Handle) lookup(d digest.Digest) (env []byte, found, fromSmallTier bool, err error) {
	release, err := h.guard.Shared()
	if err != nil {
		return nil, false, false, xerrors.Errorf("lock: %w", err)
	}
	env, found, dbErr := h.db.Get(d)
	release()
	if dbErr != nil {
		log.Printf("hdrcache: get: small-value tier: %v", dbErr)
	} else if found {
		return env, true, true, nil
	}

	fsEnv, fsErr := fstier.Get(h.dir, d)
	if fsErr != nil {
		if fsErr == fstier.ErrNotFound {
			return nil, false, false, nil
		}
		return nil, false, false, xerrors.Errorf("fs tier: %w", fsErr)
	}
	return fsEnv, true, false, nil
}

// Put stores value under key, choosing the small or large tier by the
// wrapped envelope's size and migrating between tiers as needed. An empty
// value is permitted and stored like any other. Put never raises for
// recoverable conditions — allocation failure, a compressor error, a full
// disk — it logs and abandons the write, matching the cache-as-
// optimization contract that a failed Put must not break caller
// correctness. It only returns a non-nil error once the handle is closed.
func (h *Handle) Put(key, value []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	d := digest.Sum(key)
	env := envelope.Wrap(value, h.now)

	if len(env) <= h.maxSmallEnvelope {
		h.putSmall(d, env)
		return nil
	}
	h.putLarge(d, env)
	return nil
}

func (h *Handle) putSmall(d digest.Digest, env []byte) {
	release, err := h.guard.Exclusive()
	if err != nil {
		log.Printf("hdrcache: put: %v", err)
		return
	}
	defer release()

	if err := h.db.Put(d, env); err != nil {
		log.Printf("hdrcache: put: small-value tier: %v", err)
	}
}

func (h *Handle) putLarge(d digest.Digest, env []byte) {
	// Purge any stale small copy before publishing the large file, so a
	// concurrent Get never observes both a small and a large entry.
	func() {
		release, err := h.guard.Exclusive()
		if err != nil {
			log.Printf("hdrcache: put: %v", err)
			return
		}
		defer release()
		if err := h.db.Del(d); err != nil {
			log.Printf("hdrcache: put: purge small-value tier: %v", err)
		}
	}()

	release, err := h.guard.Exclusive()
	if err != nil {
		log.Printf("hdrcache: put: %v", err)
		return
	}
	defer release()

	if err := fstier.Put(h.dir, d, env, h.openerPID); err != nil {
		log.Printf("hdrcache: put: fs tier: %v", err)
	}
}

// Clean removes every entry whose mtime and atime are both more than days
// old (day-index + days < now). days must be >= 1. Cleaning is best-effort: per-entry failures in
// either tier are logged and do not stop the sweep.
func (h *Handle) Clean(days int) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if days < 1 {
		return xerrors.Errorf("hdrcache: clean: days must be >= 1, got %d", days)
	}

	release, err := h.guard.Exclusive()
	if err != nil {
		log.Printf("hdrcache: clean: %v", err)
	} else {
		if err := h.db.Clean(days, h.now); err != nil {
			log.Printf("hdrcache: clean: small-value tier: %v", err)
		}
		release()
	}

	if err := fstier.Clean(h.dir, days, h.now); err != nil {
		log.Printf("hdrcache: clean: fs tier: %v", err)
	}
	return nil
}
