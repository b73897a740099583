package diskcheck

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"
)

func restoreStatfs() {
	statfs = syscall.Statfs
}

func fullStatfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 0
	return
}

func emptyStatfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 1000
	return
}

// oscillatingFS fakes a disk that flips between full and empty on every
// statfs call, to exercise repeated health transitions.
type oscillatingFS struct {
	full bool
}

func (f *oscillatingFS) Statfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	if f.full {
		buf.Bfree = buf.Blocks
	} else {
		buf.Bfree = 0
	}
	f.full = !f.full
	return
}

func startChecker(t *testing.T) (Checker, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	c, err := New("/notexists", 90, 60, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Error initializing disk checker: %q", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	return c, cancel, &wg
}

func TestHealthyDiskStaysSilent(t *testing.T) {
	statfs = emptyStatfs
	defer restoreStatfs()

	c, cancel, wg := startChecker(t)
	time.Sleep(20 * time.Millisecond)

	select {
	case state := <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}

	cancel()
	wg.Wait()
}

func TestFullDiskReportsSickOnce(t *testing.T) {
	statfs = fullStatfs
	defer restoreStatfs()

	c, cancel, wg := startChecker(t)

	if state := <-c.C(); state != Sick {
		t.Fatalf("Expected %q but got %q", Sick, state)
	}

	// The state must not be re-announced while the disk stays full.
	time.Sleep(20 * time.Millisecond)
	select {
	case state := <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}

	cancel()
	wg.Wait()
}

func TestOscillatingDiskAlternates(t *testing.T) {
	var f oscillatingFS
	statfs = f.Statfs
	defer restoreStatfs()

	c, cancel, wg := startChecker(t)

	if state := <-c.C(); state != Sick {
		t.Fatalf("Expected %q but got %q", Sick, state)
	}
	if state := <-c.C(); state != Healthy {
		t.Fatalf("Expected %q but got %q", Healthy, state)
	}

	cancel()
	wg.Wait()
}
