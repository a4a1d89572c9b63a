package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetops/logkeeper/pkg/types"
)

// Checkpoint persists read cursors so a restarted session resumes from the
// last durable offset instead of re-scanning.
type Checkpoint struct {
	mu        sync.RWMutex
	dir       string
	positions map[string]*types.FilePosition
	interval  time.Duration
	stopCh    chan struct{}
	saveCh    chan struct{}
	stopOnce  sync.Once
}

// NewCheckpoint creates a checkpoint store rooted at dir.
func NewCheckpoint(dir string, interval time.Duration) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Checkpoint{
		dir:       dir,
		positions: make(map[string]*types.FilePosition),
		interval:  interval,
		stopCh:    make(chan struct{}),
		saveCh:    make(chan struct{}, 1),
	}, nil
}

// Start begins periodic persistence.
func (c *Checkpoint) Start() {
	go c.saveLoop()
}

// Stop persists one final time and halts the save loop.
func (c *Checkpoint) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.Save()
}

// Update records the cursor for a file and schedules a save.
func (c *Checkpoint) Update(path string, offset int64, inode uint64) {
	c.mu.Lock()
	c.positions[path] = &types.FilePosition{Path: path, Offset: offset, Inode: inode}
	c.mu.Unlock()

	select {
	case c.saveCh <- struct{}{}:
	default:
	}
}

// Position returns the last recorded cursor for a file.
func (c *Checkpoint) Position(path string) (*types.FilePosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.positions[path]
	return pos, ok
}

func (c *Checkpoint) file() string {
	return filepath.Join(c.dir, "positions.json")
}

// Load reads previously persisted cursors. A missing file is not an error.
func (c *Checkpoint) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.file())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var positions map[string]*types.FilePosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}

	c.positions = positions
	return nil
}

// Save writes cursors atomically (temp file + rename).
func (c *Checkpoint) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.positions, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	tmp := c.file() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, c.file()); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

func (c *Checkpoint) saveLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Save(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to save checkpoint: %v\n", err)
			}
		case <-c.saveCh:
			if err := c.Save(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to save checkpoint: %v\n", err)
			}
		case <-c.stopCh:
			return
		}
	}
}
