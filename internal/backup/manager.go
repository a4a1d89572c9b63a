// Package backup uploads sealed archive units to object storage, verifies
// their integrity and restores them byte-exact.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/reliability"
	"github.com/fleetops/logkeeper/internal/tracing"
	"github.com/fleetops/logkeeper/pkg/types"
)

var tracer = otel.Tracer("logkeeper/backup")

// ErrNotRestorable is returned when a restore is requested for a unit
// without a verified remote copy.
var ErrNotRestorable = errors.New("unit has no verified remote copy")

// ManagerConfig assembles a Manager.
type ManagerConfig struct {
	Store       ObjectStore
	Catalog     *Catalog
	Ledger      *Ledger
	Prefix      string
	Compression string
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Logger      *logging.Logger
}

// Manager drives archive units through pending -> uploaded -> verified, and
// restores verified units. Every state transition goes through the catalog
// so it survives a crash.
type Manager struct {
	store   ObjectStore
	catalog *Catalog
	ledger  *Ledger
	prefix  string
	codec   Codec
	retry   reliability.RetryConfig
	logger  *logging.Logger
}

// NewManager creates a backup manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	codec, err := CodecFor(cfg.Compression)
	if err != nil {
		return nil, errkind.New(errkind.KindConfig, err)
	}

	return &Manager{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		ledger:  cfg.Ledger,
		prefix:  cfg.Prefix,
		codec:   codec,
		retry: reliability.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialWait,
			MaxBackoff:     cfg.MaxWait,
			Multiplier:     2.0,
		},
		logger: cfg.Logger.WithComponent("backup"),
	}, nil
}

// RemoteKey returns the destination key for a unit. The mapping is
// deterministic: retries of the same unit always overwrite the same key.
func (m *Manager) RemoteKey(unit *types.ArchiveUnit) string {
	return m.prefix + unit.ID + m.codec.Ext()
}

// Accept registers a freshly sealed unit with the catalog.
func (m *Manager) Accept(unit *types.ArchiveUnit) error {
	unit.RemoteKey = m.RemoteKey(unit)
	return m.catalog.Add(unit)
}

// Process uploads and verifies one unit, retrying with exponential backoff
// on transient failures and integrity mismatches. Cancellation leaves the
// unit's state unchanged; exhausted retries mark it failed and record it in
// the abandoned ledger.
func (m *Manager) Process(ctx context.Context, unitID string) error {
	ctx, span := tracer.Start(ctx, "backup.process")
	defer span.End()
	span.SetAttributes(attribute.String("unit.id", unitID))

	unit, ok := m.catalog.Get(unitID)
	if !ok {
		return errkind.Newf(errkind.KindUpload, "unknown archive unit %s", unitID)
	}
	if unit.UploadState == types.UploadVerified {
		return nil
	}

	logger := m.logger.WithUnit(unitID)

	retryCfg := m.retry
	retryCfg.OnRetry = func(attempt int, delay time.Duration) {
		logger.Warn().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Upload attempt failed, backing off")
	}

	err := reliability.Retry(ctx, retryCfg, func(ctx context.Context) error {
		if err := m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
			u.Attempts++
		}); err != nil {
			return reliability.MarkPermanent(err)
		}
		return m.uploadAndVerify(ctx, unitID)
	})

	switch {
	case err == nil:
		logger.Info().Msg("Archive unit verified")
		return nil

	case errors.Is(err, reliability.ErrRetryAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// Cancelled mid-flight: no state transition happened for the
		// aborted attempt, the unit stays where it was.
		return err

	default:
		tracing.RecordError(ctx, err)
		if markErr := m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
			u.UploadState = types.UploadFailed
		}); markErr != nil {
			logger.Failure(markErr, "Failed to mark unit failed")
		}
		if unit, ok := m.catalog.Get(unitID); ok {
			if ledgerErr := m.ledger.Record(unit, err); ledgerErr != nil {
				logger.Failure(ledgerErr, "Failed to record abandoned unit")
			}
		}
		logger.Failure(err, "Archive unit abandoned after exhausted retries")
		// A persistent integrity mismatch keeps its own kind so the CLI
		// exits with the verification-failure code.
		if errkind.Classify(err) == errkind.KindUnknown {
			return errkind.New(errkind.KindUpload, err)
		}
		return err
	}
}

// uploadAndVerify performs a single attempt: put the payload, then read the
// stored object's digest back and compare it against the digest computed at
// upload time.
func (m *Manager) uploadAndVerify(ctx context.Context, unitID string) error {
	unit, ok := m.catalog.Get(unitID)
	if !ok {
		return reliability.MarkPermanent(fmt.Errorf("unknown archive unit %s", unitID))
	}

	content, err := os.ReadFile(unit.LocalPath)
	if err != nil {
		return reliability.MarkPermanent(errkind.New(errkind.KindIO, fmt.Errorf("failed to read sealed file: %w", err)))
	}

	// The seal checksum is immutable; refuse to upload bytes that no
	// longer match it.
	contentSum := sha256.Sum256(content)
	if hex.EncodeToString(contentSum[:]) != unit.Checksum {
		return reliability.MarkPermanent(errkind.Newf(errkind.KindIntegrity,
			"sealed file %s no longer matches its seal checksum", unit.LocalPath))
	}

	payload, err := m.codec.Encode(content)
	if err != nil {
		return reliability.MarkPermanent(errkind.New(errkind.KindUpload, err))
	}
	payloadSum := sha256.Sum256(payload)
	payloadDigest := hex.EncodeToString(payloadSum[:])

	metadata := map[string]string{
		"unit-id":       unit.ID,
		"source-file":   unit.SourceFile,
		"seal-checksum": unit.Checksum,
		"created-at":    unit.CreatedAt.UTC().Format(time.RFC3339),
	}

	key := unit.RemoteKey
	if key == "" {
		key = m.RemoteKey(unit)
	}

	if err := m.store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), payloadDigest, metadata); err != nil {
		return errkind.New(errkind.KindUpload, err)
	}

	if err := m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
		u.UploadState = types.UploadUploaded
		u.RemoteKey = key
		u.PayloadChecksum = payloadDigest
	}); err != nil {
		return reliability.MarkPermanent(err)
	}

	remoteDigest, err := m.remoteDigest(ctx, key)
	if err != nil {
		return errkind.New(errkind.KindUpload, err)
	}
	if remoteDigest != payloadDigest {
		return errkind.Newf(errkind.KindIntegrity,
			"remote digest %s does not match uploaded payload digest %s", remoteDigest, payloadDigest)
	}

	return m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
		u.UploadState = types.UploadVerified
	})
}

// remoteDigest reads the stored object's digest, preferring the store's
// server-side checksum and falling back to download-and-rehash.
func (m *Manager) remoteDigest(ctx context.Context, key string) (string, error) {
	info, err := m.store.Head(ctx, key)
	if err != nil {
		return "", err
	}
	if info.Digest != "" {
		return info.Digest, nil
	}

	body, err := m.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-checks a unit's remote copy against its recorded digest
// without re-uploading. A pending unit has nothing to verify.
func (m *Manager) Verify(ctx context.Context, unitID string) error {
	unit, ok := m.catalog.Get(unitID)
	if !ok {
		return errkind.Newf(errkind.KindIO, "unknown archive unit %s", unitID)
	}
	if unit.UploadState == types.UploadPending {
		return errkind.Newf(errkind.KindUpload, "unit %s has not been uploaded yet", unitID)
	}

	want := unit.PayloadChecksum
	if want == "" {
		want = unit.Checksum
	}

	remote, err := m.remoteDigest(ctx, unit.RemoteKey)
	if err != nil {
		return errkind.New(errkind.KindUpload, err)
	}
	if remote != want {
		return errkind.Newf(errkind.KindIntegrity,
			"remote digest %s does not match recorded digest %s for unit %s", remote, want, unitID)
	}

	return m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
		u.UploadState = types.UploadVerified
	})
}

// Restore streams the original sealed byte content of a verified unit. The
// payload checksum and the seal checksum are both re-verified on the way
// out; a non-verified unit is rejected rather than risking corrupt data.
func (m *Manager) Restore(ctx context.Context, unitID string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "backup.restore")
	defer span.End()
	span.SetAttributes(attribute.String("unit.id", unitID))

	body, err := m.restore(ctx, unitID)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return body, err
}

func (m *Manager) restore(ctx context.Context, unitID string) (io.ReadCloser, error) {
	unit, ok := m.catalog.Get(unitID)
	if !ok {
		return nil, errkind.Newf(errkind.KindIO, "unknown archive unit %s", unitID)
	}
	if unit.UploadState != types.UploadVerified {
		return nil, errkind.New(errkind.KindIntegrity,
			fmt.Errorf("%w: unit %s is %s", ErrNotRestorable, unitID, unit.UploadState))
	}

	body, err := m.store.Get(ctx, unit.RemoteKey)
	if err != nil {
		return nil, errkind.New(errkind.KindUpload, err)
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, errkind.New(errkind.KindUpload, err)
	}

	if unit.PayloadChecksum != "" {
		sum := sha256.Sum256(payload)
		if hex.EncodeToString(sum[:]) != unit.PayloadChecksum {
			return nil, errkind.Newf(errkind.KindIntegrity,
				"restored payload digest does not match for unit %s", unitID)
		}
	}

	content, err := codecForKey(unit.RemoteKey).Decode(payload)
	if err != nil {
		return nil, errkind.New(errkind.KindIntegrity, err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != unit.Checksum {
		return nil, errkind.Newf(errkind.KindIntegrity,
			"restored content does not match seal checksum for unit %s", unitID)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

// RestoreToFile writes a restored unit to dest. An existing destination is
// refused unless overwrite is set.
func (m *Manager) RestoreToFile(ctx context.Context, unitID, dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return errkind.Newf(errkind.KindIO, "destination %s exists and overwrite is disabled", dest)
		}
	}

	body, err := m.Restore(ctx, unitID)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return errkind.New(errkind.KindIO, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return errkind.New(errkind.KindIO, err)
	}
	return f.Sync()
}

// List returns the remote objects under this manager's prefix.
func (m *Manager) List(ctx context.Context) ([]ObjectEntry, error) {
	return m.store.List(ctx, m.prefix)
}

// DeleteRemote removes a unit's remote copy and records the deletion.
func (m *Manager) DeleteRemote(ctx context.Context, unitID string) error {
	unit, ok := m.catalog.Get(unitID)
	if !ok {
		return errkind.Newf(errkind.KindIO, "unknown archive unit %s", unitID)
	}

	if err := m.store.Delete(ctx, unit.RemoteKey); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return errkind.New(errkind.KindUpload, err)
	}
	return m.catalog.Update(unitID, func(u *types.ArchiveUnit) {
		u.RemoteDeleted = true
	})
}

// Catalog exposes the unit catalog.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}
