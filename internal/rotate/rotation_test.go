package rotate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	content := bytes.Repeat([]byte("x"), size)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return content
}

func TestSealProducesUnitWithMatchingChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	content := writeFile(t, path, 1024)

	var sealed []*types.ArchiveUnit
	policy := New(Config{MaxSize: 512}, logging.Nop(), func(u *types.ArchiveUnit) {
		sealed = append(sealed, u)
	}, nil)
	policy.Track(path)

	unit, err := policy.Seal(path)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	sum := sha256.Sum256(content)
	if unit.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s, want digest of original content", unit.Checksum)
	}
	if unit.SizeBytes != 1024 {
		t.Errorf("size = %d, want 1024", unit.SizeBytes)
	}
	if unit.UploadState != types.UploadPending {
		t.Errorf("state = %s, want pending", unit.UploadState)
	}
	if len(sealed) != 1 {
		t.Fatalf("onSeal called %d times, want 1", len(sealed))
	}

	// Sealed copy holds the original bytes; the active path is empty again.
	got, err := os.ReadFile(unit.LocalPath)
	if err != nil {
		t.Fatalf("failed to read sealed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("sealed file content differs from original")
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file missing after seal: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active file has %d bytes after seal, want 0", len(active))
	}
}

func TestTickSealsOnceWhenSizeThresholdCrossed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, 10*1024) // 10KB file, 5KB threshold

	var mu sync.Mutex
	var sealed []*types.ArchiveUnit
	policy := New(Config{MaxSize: 5 * 1024}, logging.Nop(), func(u *types.ArchiveUnit) {
		mu.Lock()
		sealed = append(sealed, u)
		mu.Unlock()
	}, nil)
	policy.Track(path)

	policy.Tick(context.Background())
	policy.Tick(context.Background()) // successor is empty, nothing to seal

	mu.Lock()
	defer mu.Unlock()
	if len(sealed) != 1 {
		t.Fatalf("sealed %d units, want exactly 1", len(sealed))
	}
	if sealed[0].SizeBytes != 10*1024 {
		t.Errorf("sealed size = %d, want full 10KB", sealed[0].SizeBytes)
	}
}

func TestTickSkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, 0)

	policy := New(Config{MaxSize: 1}, logging.Nop(), func(u *types.ArchiveUnit) {
		t.Error("empty file should not seal on tick")
	}, nil)
	policy.Track(path)
	policy.Tick(context.Background())
}

func TestConcurrentTriggersSingleWinner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, 2048)

	policy := New(Config{}, logging.Nop(), nil, nil)
	policy.Track(path)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := policy.Seal(path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSealInProgress):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// The first winner drains the file; later callers either lose to the
	// in-progress guard or seal an already-empty successor. No call may
	// fail any other way.
	if wins < 1 {
		t.Fatalf("wins = %d, want at least 1", wins)
	}
	if wins+losses != n {
		t.Fatalf("wins+losses = %d, want %d", wins+losses, n)
	}
}

func TestAgeTrigger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, 10)

	var sealed []*types.ArchiveUnit
	policy := New(Config{MaxAge: time.Hour}, logging.Nop(), func(u *types.ArchiveUnit) {
		sealed = append(sealed, u)
	}, nil)
	policy.Track(path)

	// Not old enough yet.
	policy.Tick(context.Background())
	if len(sealed) != 0 {
		t.Fatal("sealed before max age elapsed")
	}

	// Move the clock past the age threshold.
	policy.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	policy.Tick(context.Background())
	if len(sealed) != 1 {
		t.Fatalf("sealed %d units after age elapsed, want 1", len(sealed))
	}
}

func TestBoundaryNotification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, 10)

	var notified []string
	policy := New(Config{}, logging.Nop(), nil, func(p string) {
		notified = append(notified, p)
	})

	if _, err := policy.Seal(path); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(notified) != 1 || notified[0] != path {
		t.Errorf("boundary notifications = %v", notified)
	}
}
