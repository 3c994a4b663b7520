package filestore

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFileLock_BasicAcquireRelease(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.json")

	lock, err := acquireFileLock(testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := testFile + ".lock"
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was not created")
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestFileLock_ConcurrentAccess(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.json")

	const goroutines = 10
	const iterations = 5

	var (
		successCount atomic.Int32
		holders      atomic.Int32
		wg           sync.WaitGroup
	)

	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()

			for j := range iterations {
				lock, err := acquireFileLock(testFile)
				if err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to acquire lock: %v", id, j, err)
					return
				}

				if n := holders.Add(1); n != 1 {
					t.Errorf("Goroutine %d: %d concurrent lock holders", id, n)
				}
				time.Sleep(5 * time.Millisecond)
				holders.Add(-1)
				successCount.Add(1)

				if err := lock.release(); err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to release lock: %v", id, j, err)
					return
				}
			}
		}(i)
	}

	wg.Wait()

	if got, want := successCount.Load(), int32(goroutines*iterations); got != want {
		t.Errorf("Expected %d successful operations, got %d", want, got)
	}

	if _, err := os.Stat(testFile + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all goroutines finished")
	}
}

func TestFileLock_StaleLocksCleanup(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.json")
	lockPath := testFile + ".lock"

	staleLock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	staleLock.Close()

	staleTime := time.Now().Add(-35 * time.Second)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("Failed to set stale lock time: %v", err)
	}

	lock, err := acquireFileLock(testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock after stale lock: %v", err)
	}
	defer lock.release()

	if lock.lockFile == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestFileLock_BlockedByActiveLock(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.json")

	lock1, err := acquireFileLock(testFile)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		lock2, err := acquireFileLock(testFile)
		if err != nil {
			errChan <- err
			return
		}
		lock2.release()
		errChan <- nil
	}()

	time.Sleep(200 * time.Millisecond)

	select {
	case <-errChan:
		t.Errorf("Second lock acquired while first lock was active")
	default:
	}

	lock1.release()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Second lock failed after first lock released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Second lock timed out after first lock released")
	}
}

func TestFileLock_MultipleReleases(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.json")

	lock, err := acquireFileLock(testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if err := lock.release(); err != nil {
		t.Errorf("First release failed: %v", err)
	}

	if err := lock.release(); err == nil {
		t.Errorf("Second release should report the missing lock file")
	}
}
