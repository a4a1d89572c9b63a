// Package rotate seals active log files into immutable archive units when
// they cross size or age thresholds.
package rotate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

// ErrSealInProgress is returned when a concurrent trigger loses the race to
// seal a file. A file seals at most once per trigger.
var ErrSealInProgress = errors.New("seal already in progress")

// State of one monitored file.
type State int

const (
	StateActive State = iota
	StateSealing
)

// Config holds rotation thresholds. Zero MaxSize or MaxAge disables the
// corresponding trigger; explicit SealNow always works.
type Config struct {
	MaxSize    int64
	MaxAge     time.Duration
	ArchiveDir string
}

// Policy drives the per-file ACTIVE -> SEALING -> sealed state machine.
// Trigger conditions are checked on a periodic tick, not per write.
type Policy struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.Mutex
	files map[string]*fileState

	onSeal     func(unit *types.ArchiveUnit)
	onBoundary func(path string)
	now        func() time.Time
}

type fileState struct {
	state       State
	lastRotated time.Time
}

// New creates a rotation policy. onSeal receives each emitted archive unit;
// onBoundary notifies the reader side that the path was replaced. Either
// may be nil.
func New(cfg Config, logger *logging.Logger, onSeal func(*types.ArchiveUnit), onBoundary func(string)) *Policy {
	return &Policy{
		cfg:        cfg,
		logger:     logger.WithComponent("rotate"),
		files:      make(map[string]*fileState),
		onSeal:     onSeal,
		onBoundary: onBoundary,
		now:        time.Now,
	}
}

// Track registers a file for periodic threshold checks.
func (p *Policy) Track(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[path]; !ok {
		p.files[path] = &fileState{state: StateActive, lastRotated: p.now()}
	}
}

// Tick checks every tracked file against the thresholds and seals the ones
// that crossed them. Per-file failures are logged and do not stop the scan.
func (p *Policy) Tick(ctx context.Context) {
	p.mu.Lock()
	paths := make([]string, 0, len(p.files))
	for path := range p.files {
		paths = append(paths, path)
	}
	p.mu.Unlock()

	for _, path := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !p.shouldSeal(path) {
			continue
		}
		if _, err := p.Seal(path); err != nil && !errors.Is(err, ErrSealInProgress) {
			p.logger.Failure(err, "Seal failed")
		}
	}
}

func (p *Policy) shouldSeal(path string) bool {
	stat, err := os.Stat(path)
	if err != nil || stat.Size() == 0 {
		return false
	}

	if p.cfg.MaxSize > 0 && stat.Size() >= p.cfg.MaxSize {
		return true
	}

	if p.cfg.MaxAge > 0 {
		p.mu.Lock()
		fs, ok := p.files[path]
		p.mu.Unlock()
		if ok && p.now().Sub(fs.lastRotated) >= p.cfg.MaxAge {
			return true
		}
	}

	return false
}

// Seal freezes a file: the active file is moved aside under a timestamped
// name, an empty successor is created in its place, and the sealed content
// is fingerprinted. Concurrent triggers on the same file serialize to a
// single winner.
func (p *Policy) Seal(path string) (*types.ArchiveUnit, error) {
	p.mu.Lock()
	fs, ok := p.files[path]
	if !ok {
		fs = &fileState{state: StateActive, lastRotated: p.now()}
		p.files[path] = fs
	}
	if fs.state != StateActive {
		p.mu.Unlock()
		return nil, ErrSealInProgress
	}
	fs.state = StateSealing
	p.mu.Unlock()

	unit, err := p.seal(path)

	p.mu.Lock()
	fs.state = StateActive
	if err == nil {
		fs.lastRotated = p.now()
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if p.onBoundary != nil {
		p.onBoundary(path)
	}
	if p.onSeal != nil {
		p.onSeal(unit)
	}

	p.logger.Info().
		Str("unit_id", unit.ID).
		Str("source_file", path).
		Int64("size_bytes", unit.SizeBytes).
		Str("checksum", unit.Checksum).
		Msg("Sealed archive unit")

	return unit, nil
}

func (p *Policy) seal(path string) (*types.ArchiveUnit, error) {
	now := p.now()

	dir := p.cfg.ArchiveDir
	if dir == "" {
		dir = filepath.Dir(path)
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errkind.New(errkind.KindIO, fmt.Errorf("failed to create archive dir: %w", err))
	}

	base := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(path), now.Format("20060102_150405")))
	sealedPath := base
	// Two seals of the same path within one second must not overwrite
	// each other.
	for i := 1; ; i++ {
		if _, err := os.Stat(sealedPath); os.IsNotExist(err) {
			break
		}
		sealedPath = fmt.Sprintf("%s.%d", base, i)
	}

	if err := os.Rename(path, sealedPath); err != nil {
		return nil, errkind.New(errkind.KindIO, fmt.Errorf("failed to move %s aside: %w", path, err))
	}

	// Recreate the active file so the writer side keeps appending to the
	// same path, and make both the rename and the new file durable.
	successor, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errkind.New(errkind.KindIO, fmt.Errorf("failed to recreate %s: %w", path, err))
	}
	if err := successor.Sync(); err != nil {
		successor.Close()
		return nil, errkind.New(errkind.KindIO, fmt.Errorf("failed to sync successor: %w", err))
	}
	successor.Close()
	syncDir(filepath.Dir(path))
	if dir != filepath.Dir(path) {
		syncDir(dir)
	}

	checksum, size, err := digestFile(sealedPath)
	if err != nil {
		return nil, err
	}

	return &types.ArchiveUnit{
		ID:          uuid.NewString(),
		SourceFile:  path,
		LocalPath:   sealedPath,
		CreatedAt:   now,
		SizeBytes:   size,
		Checksum:    checksum,
		UploadState: types.UploadPending,
	}, nil
}

// digestFile computes the hex SHA-256 over the full byte content of a file.
func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errkind.New(errkind.KindIO, fmt.Errorf("failed to open sealed file: %w", err))
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errkind.New(errkind.KindIO, fmt.Errorf("failed to digest sealed file: %w", err))
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
