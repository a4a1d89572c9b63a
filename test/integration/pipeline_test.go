package integration

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetops/logkeeper/internal/backup"
	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/match"
	"github.com/fleetops/logkeeper/internal/retention"
	"github.com/fleetops/logkeeper/internal/rotate"
	"github.com/fleetops/logkeeper/internal/source"
	"github.com/fleetops/logkeeper/pkg/types"
)

// TestSealUploadRestoreLifecycle walks one archive unit through the full
// lifecycle: an active log file is sealed, uploaded with verification,
// expired locally by retention and finally restored byte-exact from the
// remote copy.
func TestSealUploadRestoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	logger := logging.Nop()

	logPath := filepath.Join(dir, "app.log")
	content := []byte("2025-06-01 10:00:00 INFO service started\n" +
		"2025-06-01 10:00:05 ERROR connection timeout host=db-1\n" +
		"2025-06-01 10:00:06 INFO retrying\n")
	if err := os.WriteFile(logPath, content, 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	// Seal the active file into an archive unit.
	policy := rotate.New(rotate.Config{MaxSize: 1}, logger, nil, nil)
	unit, err := policy.Seal(logPath)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if unit.SizeBytes != int64(len(content)) {
		t.Fatalf("sealed %d bytes, want %d", unit.SizeBytes, len(content))
	}

	// Upload and verify it.
	catalog, err := backup.NewCatalog(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	ledger, err := backup.NewLedger(filepath.Join(dir, "ledger.json"))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	store := backup.NewMemoryStore()
	manager, err := backup.NewManager(backup.ManagerConfig{
		Store:       store,
		Catalog:     catalog,
		Ledger:      ledger,
		Prefix:      "archives/",
		Compression: "snappy",
		MaxRetries:  3,
		InitialWait: time.Millisecond,
		MaxWait:     10 * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := manager.Accept(unit); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := manager.Process(context.Background(), unit.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := catalog.Get(unit.ID)
	if got.UploadState != types.UploadVerified {
		t.Fatalf("state = %s, want verified", got.UploadState)
	}

	// Local copy expires once a verified remote copy exists.
	enforcer := retention.NewEnforcer(retention.Config{
		Local: types.RetentionPolicy{MaxCount: 0, MaxAge: time.Nanosecond},
	}, manager, logger)
	time.Sleep(2 * time.Millisecond)
	stats := enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 {
		t.Fatalf("local deleted = %d, want 1", stats.LocalDeleted)
	}
	if _, err := os.Stat(got.LocalPath); !os.IsNotExist(err) {
		t.Fatal("sealed file still on disk after local expiry")
	}

	// The remote copy restores the original bytes.
	body, err := manager.Restore(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer body.Close()
	restored, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if !bytes.Equal(restored, content) {
		t.Fatal("restored bytes differ from original log content")
	}
}

// TestAnalyzeSealedAndActiveFiles exercises the read-and-match path across
// a rotation boundary: records sealed away and records in the successor
// file are both evaluated, with no record lost or duplicated.
func TestAnalyzeSealedAndActiveFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")

	if err := os.WriteFile(logPath, []byte(
		"2025-06-01 10:00:00 ERROR disk full\n2025-06-01 10:00:01 INFO ok\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	policy := rotate.New(rotate.Config{}, logging.Nop(), nil, nil)
	unit, err := policy.Seal(logPath)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := os.WriteFile(logPath, []byte("2025-06-01 10:01:00 ERROR disk full\n"), 0o644); err != nil {
		t.Fatalf("write successor: %v", err)
	}

	patterns, err := match.Compile([]config.PatternConfig{
		{ID: "disk-full", Rule: `ERROR disk full`, Severity: types.SeverityHigh, DedupeWindow: time.Minute},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	matcher := match.NewMatcher(patterns)

	var matches int
	for _, path := range []string{unit.LocalPath, logPath} {
		records, err := source.ReadAll(path)
		if err != nil {
			t.Fatalf("ReadAll(%s): %v", path, err)
		}
		for _, record := range records {
			matches += len(matcher.Evaluate(record))
		}
	}
	if matches != 2 {
		t.Fatalf("matches = %d, want 2", matches)
	}
}
