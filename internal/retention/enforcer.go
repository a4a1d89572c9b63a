// Package retention expires archive units from local disk and remote
// storage according to per-scope age and count policies.
package retention

import (
	"context"
	"os"
	"time"

	"github.com/fleetops/logkeeper/internal/backup"
	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

// Config holds the per-scope retention policies.
type Config struct {
	Local  types.RetentionPolicy
	Remote types.RetentionPolicy
}

// Stats summarizes one enforcement cycle.
type Stats struct {
	LocalDeleted  int
	RemoteDeleted int
	Conflicts     int
}

// Enforcer applies retention policies over the unit catalog. A local copy
// is only deleted when a verified remote copy exists; the sole exception is
// a unit whose upload was abandoned after exhausted retries.
type Enforcer struct {
	config  Config
	catalog *backup.Catalog
	manager *backup.Manager
	logger  *logging.Logger
	now     func() time.Time
}

// NewEnforcer creates a retention enforcer.
func NewEnforcer(cfg Config, manager *backup.Manager, logger *logging.Logger) *Enforcer {
	return &Enforcer{
		config:  cfg,
		catalog: manager.Catalog(),
		manager: manager,
		logger:  logger.WithComponent("retention"),
		now:     time.Now,
	}
}

// Enforce runs one retention cycle over both scopes. Conflicts are logged
// and left for the next cycle rather than aborting the run.
func (e *Enforcer) Enforce(ctx context.Context) Stats {
	var stats Stats

	for _, unit := range e.expired(types.ScopeLocal) {
		if err := ctx.Err(); err != nil {
			return stats
		}
		if err := e.deleteLocal(unit); err != nil {
			if errkind.Is(err, errkind.KindRetentionConflict) {
				stats.Conflicts++
				e.logger.WithUnit(unit.ID).Warn().
					Str("state", string(unit.UploadState)).
					Msg("Local copy expired but has no verified remote copy, keeping")
			} else {
				e.logger.WithUnit(unit.ID).Failure(err, "Local retention delete failed")
			}
			continue
		}
		stats.LocalDeleted++
	}

	for _, unit := range e.expired(types.ScopeRemote) {
		if err := ctx.Err(); err != nil {
			return stats
		}
		if err := e.manager.DeleteRemote(ctx, unit.ID); err != nil {
			e.logger.WithUnit(unit.ID).Failure(err, "Remote retention delete failed")
			continue
		}
		stats.RemoteDeleted++
	}

	if stats.LocalDeleted > 0 || stats.RemoteDeleted > 0 || stats.Conflicts > 0 {
		e.logger.Info().
			Int("local_deleted", stats.LocalDeleted).
			Int("remote_deleted", stats.RemoteDeleted).
			Int("conflicts", stats.Conflicts).
			Msg("Retention cycle complete")
	}
	return stats
}

// expired returns units whose copy in the given scope should be removed,
// oldest first.
func (e *Enforcer) expired(scope types.RetentionScope) []*types.ArchiveUnit {
	policy := e.config.Local
	if scope == types.ScopeRemote {
		policy = e.config.Remote
	}
	if policy.MaxAge <= 0 && policy.MaxCount <= 0 {
		return nil
	}

	var live []*types.ArchiveUnit
	for _, unit := range e.catalog.List() {
		if scope == types.ScopeLocal && unit.LocalDeleted {
			continue
		}
		if scope == types.ScopeRemote {
			if unit.RemoteDeleted || unit.UploadState != types.UploadVerified {
				continue
			}
		}
		live = append(live, unit)
	}

	var out []*types.ArchiveUnit
	cutoff := e.now().Add(-policy.MaxAge)
	keepFrom := 0
	if policy.MaxCount > 0 && len(live) > policy.MaxCount {
		keepFrom = len(live) - policy.MaxCount
	}

	for i, unit := range live {
		overCount := policy.MaxCount > 0 && i < keepFrom
		overAge := policy.MaxAge > 0 && unit.CreatedAt.Before(cutoff)
		if overAge || overCount {
			out = append(out, unit)
		}
	}
	return out
}

// deleteLocal removes a unit's sealed file from disk. It refuses when the
// unit has no verified remote copy, unless the upload was abandoned.
func (e *Enforcer) deleteLocal(unit *types.ArchiveUnit) error {
	if unit.UploadState != types.UploadVerified && unit.UploadState != types.UploadFailed {
		return errkind.Newf(errkind.KindRetentionConflict,
			"unit %s local copy expired but upload state is %s", unit.ID, unit.UploadState)
	}
	if unit.UploadState == types.UploadFailed {
		e.logger.WithUnit(unit.ID).Warn().
			Str("path", unit.LocalPath).
			Msg("Deleting local copy of abandoned unit")
	}

	if err := os.Remove(unit.LocalPath); err != nil && !os.IsNotExist(err) {
		return errkind.New(errkind.KindIO, err)
	}

	return e.catalog.Update(unit.ID, func(u *types.ArchiveUnit) {
		u.LocalDeleted = true
	})
}
