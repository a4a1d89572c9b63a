package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fleetops/logkeeper/pkg/types"
)

// Catalog is the durable record of every archive unit's state. Each state
// transition is persisted immediately (atomic temp-file rename) so a crash
// resumes from the last durable state instead of replaying from scratch.
type Catalog struct {
	mu    sync.Mutex
	path  string
	units map[string]*types.ArchiveUnit
}

// NewCatalog opens (or creates) the catalog at path and loads any persisted
// units.
func NewCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	c := &Catalog{path: path, units: make(map[string]*types.ArchiveUnit)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var units map[string]*types.ArchiveUnit
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	c.units = units

	return c, nil
}

// Add registers a new unit and persists.
func (c *Catalog) Add(unit *types.ArchiveUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *unit
	c.units[unit.ID] = &copied
	return c.save()
}

// Get returns a copy of the unit with the given id.
func (c *Catalog) Get(id string) (*types.ArchiveUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unit, ok := c.units[id]
	if !ok {
		return nil, false
	}
	copied := *unit
	return &copied, true
}

// Update applies fn to the unit under the catalog lock and persists the
// result. The checksum is immutable: any attempt to change it is an error.
func (c *Catalog) Update(id string, fn func(*types.ArchiveUnit)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unit, ok := c.units[id]
	if !ok {
		return fmt.Errorf("unknown archive unit %s", id)
	}

	checksum := unit.Checksum
	fn(unit)
	if unit.Checksum != checksum {
		unit.Checksum = checksum
		return fmt.Errorf("archive unit %s checksum is immutable", id)
	}

	return c.save()
}

// List returns copies of all units, oldest first.
func (c *Catalog) List() []*types.ArchiveUnit {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.ArchiveUnit, 0, len(c.units))
	for _, unit := range c.units {
		copied := *unit
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pending returns units that still need an upload attempt, oldest first.
func (c *Catalog) Pending() []*types.ArchiveUnit {
	var pending []*types.ArchiveUnit
	for _, unit := range c.List() {
		if unit.UploadState == types.UploadPending || unit.UploadState == types.UploadUploaded {
			pending = append(pending, unit)
		}
	}
	return pending
}

func (c *Catalog) save() error {
	data, err := json.MarshalIndent(c.units, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename catalog: %w", err)
	}
	return nil
}
