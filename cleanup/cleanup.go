// Package cleanup implements the incomplete-backup sweep named by spec
// §7's "a partial backup leaves a complete-marker absent;
// cleanup_incomplete(older_than=...) removes them." Grounded on
// metadata.Store's key layout (metadata/store.go) and store.Store.List
// (store/store.go), generalized from backup/restore's "read one known
// key" access pattern to "enumerate every backup_id under a database and
// judge each by its complete-marker and age."
package cleanup

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/metadata"
	"github.com/gurre/ddlog-backup/store"
)

// Options configures a sweep, per spec §6's older_than_seconds option.
type Options struct {
	DatabaseID       string
	OlderThanSeconds int64
	DryRun           bool
}

// Result reports which backups were swept.
type Result struct {
	Scanned int
	Removed []string
	DryRun  bool
}

// Engine sweeps incomplete backups for a database.
type Engine struct {
	Meta   *metadata.Store
	Src    store.Store
	Logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(meta *metadata.Store, src store.Store, logger zerolog.Logger) *Engine {
	return &Engine{Meta: meta, Src: src, Logger: logger}
}

// Run enumerates every backup_id under opts.DatabaseID, and removes those
// with no complete-marker whose oldest object predates
// now - older_than_seconds, per spec §7's cleanup_incomplete contract.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	log := e.Logger.With().
		Str("operation", "cleanup_incomplete").
		Str("database_id", opts.DatabaseID).
		Logger()

	oldest, err := e.oldestKeyPerBackup(ctx, opts.DatabaseID)
	if err != nil {
		return Result{}, err
	}

	cutoff := time.Now().UTC().Add(-time.Duration(opts.OlderThanSeconds) * time.Second)
	result := Result{Scanned: len(oldest), DryRun: opts.DryRun}

	for backupID, oldestMtime := range oldest {
		marker, err := e.Meta.MarkerExists(ctx, opts.DatabaseID, backupID)
		if err != nil {
			return Result{}, err
		}
		if marker {
			continue
		}
		if oldestMtime.After(cutoff) {
			continue
		}

		result.Removed = append(result.Removed, backupID)
		if opts.DryRun {
			continue
		}
		if err := e.deleteBackup(ctx, opts.DatabaseID, backupID); err != nil {
			return Result{}, err
		}
		log.Info().Str("backup_id", backupID).Msg("removed incomplete backup")
	}

	return result, nil
}

// oldestKeyPerBackup lists every object under databaseID/ and buckets its
// oldest Mtime by the backup_id path segment that follows it, so a
// backup's age is judged by the earliest object it ever wrote rather than
// the most recently touched one.
func (e *Engine) oldestKeyPerBackup(ctx context.Context, databaseID string) (map[string]time.Time, error) {
	it, err := e.Src.List(ctx, databaseID+"/")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	oldest := make(map[string]time.Time)
	for it.HasNext() {
		desc, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		backupID := backupIDFromKey(databaseID, desc.Key)
		if backupID == "" {
			continue
		}
		if cur, ok := oldest[backupID]; !ok || desc.Mtime.Before(cur) {
			oldest[backupID] = desc.Mtime
		}
	}
	return oldest, nil
}

// backupIDFromKey extracts the backup_id segment from a key of the form
// {database_id}/{backup_id}/..., per spec §6's on-disk layout.
func backupIDFromKey(databaseID, key string) string {
	rel := strings.TrimPrefix(key, databaseID+"/")
	if rel == key {
		return ""
	}
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return parts[0]
}

func (e *Engine) deleteBackup(ctx context.Context, databaseID, backupID string) error {
	prefix := path.Join(databaseID, backupID) + "/"
	it, err := e.Src.List(ctx, prefix)
	if err != nil {
		return err
	}
	defer it.Close()

	var keys []string
	for it.HasNext() {
		desc, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		keys = append(keys, desc.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.Src.DeleteMany(ctx, keys); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed deleting incomplete backup objects", err)
	}
	return nil
}
