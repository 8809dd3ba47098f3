package critsection

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func openDir(t *testing.T) int {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestExclusiveSerializesWithinProcess(t *testing.T) {
	g := New(openDir(t))

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Exclusive()
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("maxActive = %d, want 1 (exclusive sections must not overlap)", maxActive)
	}
}

// readUmask reads the current umask without leaving it changed.
func readUmask() int {
	cur := unix.Umask(0)
	unix.Umask(cur)
	return cur
}

func TestWithUmaskRestored(t *testing.T) {
	preTest := readUmask()
	defer unix.Umask(preTest)

	unix.Umask(0022)

	g := New(openDir(t)).WithUmask(0000)
	release, err := g.Exclusive()
	if err != nil {
		t.Fatal(err)
	}
	if got := readUmask(); got != 0000 {
		t.Errorf("umask during section = %#o, want %#o", got, 0000)
	}
	release()

	if got := readUmask(); got != 0022 {
		t.Errorf("umask after release = %#o, want %#o", got, 0022)
	}
}
