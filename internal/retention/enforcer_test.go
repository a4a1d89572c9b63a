package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/logkeeper/internal/backup"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

type harness struct {
	store    *backup.MemoryStore
	manager  *backup.Manager
	enforcer *Enforcer
	dir      string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	dir := t.TempDir()
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
		Prefix:      "backups/",
		Compression: "none",
		MaxRetries:  2,
		InitialWait: time.Millisecond,
		MaxWait:     10 * time.Millisecond,
		Logger:      logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return &harness{
		store:    store,
		manager:  manager,
		enforcer: NewEnforcer(cfg, manager, logging.Nop()),
		dir:      dir,
	}
}

// addUnit registers a unit with a sealed file on disk, created age ago, and
// optionally uploads and verifies it.
func (h *harness) addUnit(t *testing.T, age time.Duration, verify bool) *types.ArchiveUnit {
	t.Helper()

	content := []byte("sealed content " + uuid.NewString() + "\n")
	path := filepath.Join(h.dir, uuid.NewString()+".log")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write sealed file: %v", err)
	}

	sum := sha256.Sum256(content)
	unit := &types.ArchiveUnit{
		ID:        uuid.NewString(),
		LocalPath: path,
		CreatedAt: time.Now().Add(-age),
		SizeBytes: int64(len(content)),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	if err := h.manager.Accept(unit); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if verify {
		if err := h.manager.Process(context.Background(), unit.ID); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	return unit
}

func TestLocalExpiryDeletesVerifiedCopy(t *testing.T) {
	h := newHarness(t, Config{Local: types.RetentionPolicy{MaxAge: time.Hour}})
	unit := h.addUnit(t, 2*time.Hour, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 {
		t.Fatalf("local deleted = %d, want 1", stats.LocalDeleted)
	}

	if _, err := os.Stat(unit.LocalPath); !os.IsNotExist(err) {
		t.Fatal("sealed file still on disk")
	}
	got, _ := h.manager.Catalog().Get(unit.ID)
	if !got.LocalDeleted {
		t.Fatal("catalog does not record local deletion")
	}
	if got.RemoteDeleted {
		t.Fatal("remote copy must survive local expiry")
	}
}

func TestLocalExpiryRefusedWithoutVerifiedRemote(t *testing.T) {
	h := newHarness(t, Config{Local: types.RetentionPolicy{MaxAge: time.Hour}})
	unit := h.addUnit(t, 2*time.Hour, false)

	stats := h.enforcer.Enforce(context.Background())
	if stats.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", stats.Conflicts)
	}
	if stats.LocalDeleted != 0 {
		t.Fatalf("local deleted = %d, want 0", stats.LocalDeleted)
	}

	if _, err := os.Stat(unit.LocalPath); err != nil {
		t.Fatalf("only copy was deleted: %v", err)
	}

	// Once the upload verifies, the next cycle reclaims the local copy.
	if err := h.manager.Process(context.Background(), unit.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stats = h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 {
		t.Fatalf("local deleted after verification = %d, want 1", stats.LocalDeleted)
	}
}

func TestLocalExpiryDeletesAbandonedUnit(t *testing.T) {
	h := newHarness(t, Config{Local: types.RetentionPolicy{MaxAge: time.Hour}})
	unit := h.addUnit(t, 2*time.Hour, false)

	h.store.FailPuts(100)
	if err := h.manager.Process(context.Background(), unit.ID); err == nil {
		t.Fatal("expected upload to exhaust retries")
	}

	stats := h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 {
		t.Fatalf("local deleted = %d, want 1 for abandoned unit", stats.LocalDeleted)
	}
	if _, err := os.Stat(unit.LocalPath); !os.IsNotExist(err) {
		t.Fatal("abandoned unit's local copy still on disk")
	}
}

func TestMaxCountKeepsNewestUnits(t *testing.T) {
	h := newHarness(t, Config{Local: types.RetentionPolicy{MaxCount: 2}})

	oldest := h.addUnit(t, 3*time.Hour, true)
	middle := h.addUnit(t, 2*time.Hour, true)
	newest := h.addUnit(t, time.Hour, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 {
		t.Fatalf("local deleted = %d, want 1", stats.LocalDeleted)
	}

	got, _ := h.manager.Catalog().Get(oldest.ID)
	if !got.LocalDeleted {
		t.Fatal("oldest unit should have been deleted")
	}
	for _, id := range []string{middle.ID, newest.ID} {
		got, _ := h.manager.Catalog().Get(id)
		if got.LocalDeleted {
			t.Fatalf("unit %s within max_count was deleted", id)
		}
	}
}

func TestMaxCountKeepsEverythingUnderLimit(t *testing.T) {
	h := newHarness(t, Config{Local: types.RetentionPolicy{MaxCount: 5}})

	first := h.addUnit(t, 2*time.Hour, true)
	second := h.addUnit(t, time.Hour, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 0 {
		t.Fatalf("local deleted = %d, want 0 with 2 units under max_count 5", stats.LocalDeleted)
	}
	for _, id := range []string{first.ID, second.ID} {
		got, _ := h.manager.Catalog().Get(id)
		if got.LocalDeleted {
			t.Fatalf("unit %s within max_count was deleted", id)
		}
	}
}

func TestMaxCountAtExactLimitDeletesNothing(t *testing.T) {
	h := newHarness(t, Config{Remote: types.RetentionPolicy{MaxCount: 2}})

	h.addUnit(t, 2*time.Hour, true)
	h.addUnit(t, time.Hour, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.RemoteDeleted != 0 {
		t.Fatalf("remote deleted = %d, want 0 with exactly max_count units", stats.RemoteDeleted)
	}
	if h.store.Len() != 2 {
		t.Fatalf("store objects = %d, want 2", h.store.Len())
	}
}

func TestRemoteExpiryDeletesRemoteCopy(t *testing.T) {
	h := newHarness(t, Config{Remote: types.RetentionPolicy{MaxAge: time.Hour}})
	unit := h.addUnit(t, 2*time.Hour, true)
	fresh := h.addUnit(t, time.Minute, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.RemoteDeleted != 1 {
		t.Fatalf("remote deleted = %d, want 1", stats.RemoteDeleted)
	}

	got, _ := h.manager.Catalog().Get(unit.ID)
	if !got.RemoteDeleted {
		t.Fatal("catalog does not record remote deletion")
	}
	if h.store.Len() != 1 {
		t.Fatalf("store objects = %d, want 1", h.store.Len())
	}
	got, _ = h.manager.Catalog().Get(fresh.ID)
	if got.RemoteDeleted {
		t.Fatal("fresh unit's remote copy was deleted")
	}
}

func TestRemoteExpirySkipsUnverifiedUnits(t *testing.T) {
	h := newHarness(t, Config{Remote: types.RetentionPolicy{MaxAge: time.Hour}})
	h.addUnit(t, 2*time.Hour, false)

	stats := h.enforcer.Enforce(context.Background())
	if stats.RemoteDeleted != 0 {
		t.Fatalf("remote deleted = %d, want 0 for pending unit", stats.RemoteDeleted)
	}
}

func TestScopesExpireIndependently(t *testing.T) {
	h := newHarness(t, Config{
		Local:  types.RetentionPolicy{MaxAge: time.Hour},
		Remote: types.RetentionPolicy{MaxAge: 24 * time.Hour},
	})
	unit := h.addUnit(t, 2*time.Hour, true)

	stats := h.enforcer.Enforce(context.Background())
	if stats.LocalDeleted != 1 || stats.RemoteDeleted != 0 {
		t.Fatalf("stats = %+v, want local-only expiry", stats)
	}

	got, _ := h.manager.Catalog().Get(unit.ID)
	if !got.LocalDeleted || got.RemoteDeleted {
		t.Fatalf("unit flags = local %v remote %v", got.LocalDeleted, got.RemoteDeleted)
	}
}
