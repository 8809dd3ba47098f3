// Package critsection implements the directory-scoped advisory lock plus
// deferred-signal discipline that brackets every mutating (and, per the
// historical cache, every reading) operation against the cache directory.
//
// The original C implementation used flock(2) for mutual exclusion across
// cooperating processes and sigprocmask(2) to defer HUP/INT/QUIT/PIPE/TERM
// until the critical section ends, because the embedded database's memory
// pool can dirty pages even on a read. Go does not expose raw signal
// masking to user code (see cmd/distri/fuse.go's channel-based handling in
// the example corpus for the idiomatic alternative this mirrors): Guard
// uses signal.Notify to intercept the same signal set for the duration of
// the critical section, then re-delivers any signal caught in the meantime
// once the section ends, restoring default disposition first.
package critsection

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var guarded = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGPIPE,
	syscall.SIGTERM,
}

// Guard serializes this process's own critical sections and brackets each
// one with a directory flock, deferred signal delivery, and (for
// Exclusive) a umask override.
type Guard struct {
	mu    sync.Mutex
	dirFd int

	umask    int
	hasUmask bool
}

// New returns a Guard over the given directory file descriptor. It does not
// take ownership of dirFd; the caller closes it.
func New(dirFd int) *Guard {
	return &Guard{dirFd: dirFd}
}

// WithUmask sets the umask Exclusive will install for the duration of the
// critical section (restored on release), matching the cache handle's
// `~dirMode & 022` computation in spec.md §4.6.
func (g *Guard) WithUmask(umask int) *Guard {
	g.umask = umask
	g.hasUmask = true
	return g
}

// Exclusive acquires the directory lock for writing. Every DB write and
// every FS mutation runs inside the section it brackets.
func (g *Guard) Exclusive() (release func(), err error) {
	return g.enter(unix.LOCK_EX, g.hasUmask)
}

// Shared acquires the directory lock for reading. Every DB read runs inside
// the section it brackets, because the embedded database may commit dirty
// pages even on a lookup.
func (g *Guard) Shared() (release func(), err error) {
	return g.enter(unix.LOCK_SH, false)
}

func (g *Guard) enter(how int, applyUmask bool) (func(), error) {
	g.mu.Lock()

	for {
		err := unix.Flock(g.dirFd, how)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		g.mu.Unlock()
		return nil, xerrors.Errorf("flock: %w", err)
	}

	caught := make(chan os.Signal, len(guarded))
	signal.Notify(caught, guarded...)

	var oldUmask int
	if applyUmask {
		oldUmask = unix.Umask(g.umask)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if applyUmask {
				unix.Umask(oldUmask)
			}
			signal.Stop(caught)
			close(caught)

			if err := unix.Flock(g.dirFd, unix.LOCK_UN); err != nil {
				log.Printf("hdrcache: flock LOCK_UN: %v", err)
			}
			g.mu.Unlock()

			// Re-deliver anything caught during the section, now that
			// default disposition applies again, so a signal received
			// mid-section is not silently swallowed.
			for s := range caught {
				if sig, ok := s.(syscall.Signal); ok {
					_ = syscall.Kill(os.Getpid(), sig)
				}
			}
		})
	}
	return release, nil
}
