package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetops/logkeeper/pkg/types"
)

// AbandonedEntry records a unit that exhausted its upload retries. These
// units are explicitly abandoned, never silently retried forever, and kept
// on file for operator inspection.
type AbandonedEntry struct {
	Unit        *types.ArchiveUnit `json:"unit"`
	Error       string             `json:"error"`
	AbandonedAt time.Time          `json:"abandoned_at"`
}

// Ledger persists abandoned units as a JSON file.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries []AbandonedEntry
}

// NewLedger opens (or creates) the abandoned-units ledger at path.
func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}

	return l, nil
}

// Record appends an abandoned unit and persists.
func (l *Ledger) Record(unit *types.ArchiveUnit, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := *unit
	l.entries = append(l.entries, AbandonedEntry{
		Unit:        &copied,
		Error:       cause.Error(),
		AbandonedAt: time.Now(),
	})

	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to rename ledger: %w", err)
	}
	return nil
}

// Entries returns a copy of all abandoned entries.
func (l *Ledger) Entries() []AbandonedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AbandonedEntry(nil), l.entries...)
}
