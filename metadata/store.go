package metadata

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"time"

	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/store"
	"gopkg.in/yaml.v3"
)

// Store reads and writes the human-readable documents a backup, restore,
// migration, or GC run depends on, backed by a store.Store (C1). Grounded
// on checkpoint.S3Store/checkpoint.FileStore's Load/Save shape, generalized
// from a single JSON checkpoint file to the full manifest/checkpoint/
// config/schema/migration-record document set, marshaled with YAML rather
// than JSON so the on-disk documents stay indentation-preserving and
// line-oriented (spec §3's "human-readable" requirement), matching the
// pack's own EDN-adjacent choice of yaml.v3 for structured documents meant
// for human inspection.
type Store struct {
	backend store.Store
}

// NewStore wraps backend as a metadata Store.
func NewStore(backend store.Store) *Store {
	return &Store{backend: backend}
}

// Key builders mirror the on-disk layout from spec §6:
//
//	{database_id}/{backup_id}/manifest
//	{database_id}/{backup_id}/config
//	{database_id}/{backup_id}/schema
//	{database_id}/{backup_id}/checkpoint
//	{database_id}/{backup_id}/chunks/datoms-{chunk_id}.bin.gz
//	{database_id}/{backup_id}/complete.marker
//	migrations/{migration_id}/migration-manifest
//	migrations/{migration_id}/tx.log
func ManifestKey(databaseID, backupID string) string {
	return path.Join(databaseID, backupID, "manifest")
}

func ConfigKey(databaseID, backupID string) string {
	return path.Join(databaseID, backupID, "config")
}

func SchemaKey(databaseID, backupID string) string {
	return path.Join(databaseID, backupID, "schema")
}

func CheckpointKey(databaseID, backupID string) string {
	return path.Join(databaseID, backupID, "checkpoint")
}

func CompleteMarkerKey(databaseID, backupID string) string {
	return path.Join(databaseID, backupID, "complete.marker")
}

func ChunkKey(databaseID, backupID string, chunkID uint64) string {
	return path.Join(databaseID, backupID, "chunks", fmt.Sprintf("datoms-%d.bin.gz", chunkID))
}

func LockKey(databaseID string) string {
	return path.Join(databaseID, "lock")
}

func GCCheckpointKey(databaseID string) string {
	return path.Join(databaseID, "gc-checkpoint")
}

func MigrationManifestKey(migrationID string) string {
	return path.Join("migrations", migrationID, "migration-manifest")
}

func TxLogKey(migrationID string) string {
	return path.Join("migrations", migrationID, "tx.log")
}

func (s *Store) writeYAML(ctx context.Context, key string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed marshaling document", err)
	}
	if _, err := s.backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), nil); err != nil {
		return err
	}
	return nil
}

func (s *Store) readYAML(ctx context.Context, key string, v any) error {
	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed reading document", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed unmarshaling document", err)
	}
	return nil
}

// WriteManifest writes m, overwriting any existing manifest for this
// backup. Callers must not call this after the manifest has been sealed
// (Completed=true written once); the spec treats sealed manifests as
// immutable, a discipline this package does not itself enforce.
func (s *Store) WriteManifest(ctx context.Context, databaseID, backupID string, m Manifest) error {
	return s.writeYAML(ctx, ManifestKey(databaseID, backupID), m)
}

func (s *Store) ReadManifest(ctx context.Context, databaseID, backupID string) (Manifest, error) {
	var m Manifest
	err := s.readYAML(ctx, ManifestKey(databaseID, backupID), &m)
	return m, err
}

func (s *Store) WriteConfig(ctx context.Context, databaseID, backupID, configPayload string) error {
	return s.writeYAML(ctx, ConfigKey(databaseID, backupID), configPayload)
}

func (s *Store) ReadConfig(ctx context.Context, databaseID, backupID string) (string, error) {
	var payload string
	err := s.readYAML(ctx, ConfigKey(databaseID, backupID), &payload)
	return payload, err
}

func (s *Store) WriteSchema(ctx context.Context, databaseID, backupID, schemaPayload string) error {
	return s.writeYAML(ctx, SchemaKey(databaseID, backupID), schemaPayload)
}

func (s *Store) ReadSchema(ctx context.Context, databaseID, backupID string) (string, error) {
	var payload string
	err := s.readYAML(ctx, SchemaKey(databaseID, backupID), &payload)
	return payload, err
}

// WriteCheckpoint persists cp with a CRC32 computed over the remainder of
// the document, so readers can detect a torn read (spec §5: "readers ...
// tolerate torn reads by checking a final CRC line"). backup.Engine
// rewrites it after each chunk's upload result is recorded.
func (s *Store) WriteCheckpoint(ctx context.Context, key string, cp Checkpoint) error {
	cp.CRC32 = 0
	unsummed, err := yaml.Marshal(cp)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed marshaling checkpoint", err)
	}
	cp.CRC32 = crc32.ChecksumIEEE(unsummed)

	final, err := yaml.Marshal(cp)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed marshaling checkpoint", err)
	}
	_, err = s.backend.Put(ctx, key, bytes.NewReader(final), int64(len(final)), nil)
	return err
}

// ReadCheckpoint reads and CRC-verifies the checkpoint at key. A CRC
// mismatch is classified data (torn read or corruption), distinct from a
// missing checkpoint (which callers distinguish via store.Store.Exists
// first).
func (s *Store) ReadCheckpoint(ctx context.Context, key string) (Checkpoint, error) {
	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return Checkpoint{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Checkpoint{}, ddlogerr.Wrap(ddlogerr.Resource, "failed reading checkpoint", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, ddlogerr.Wrap(ddlogerr.Data, "failed unmarshaling checkpoint", err)
	}

	stated := cp.CRC32
	cp.CRC32 = 0
	unsummed, err := yaml.Marshal(cp)
	if err != nil {
		return Checkpoint{}, ddlogerr.Wrap(ddlogerr.Data, "failed reserializing checkpoint for CRC check", err)
	}
	actual := crc32.ChecksumIEEE(unsummed)
	if actual != stated {
		return Checkpoint{}, ddlogerr.New(ddlogerr.Data, "checkpoint failed CRC check (torn read)", map[string]any{
			"key": key,
		})
	}
	cp.CRC32 = stated
	return cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// WriteMarker writes the zero-byte complete-marker, per spec §6.
func (s *Store) WriteMarker(ctx context.Context, databaseID, backupID string) error {
	_, err := s.backend.Put(ctx, CompleteMarkerKey(databaseID, backupID), bytes.NewReader(nil), 0, nil)
	return err
}

func (s *Store) MarkerExists(ctx context.Context, databaseID, backupID string) (bool, error) {
	return s.backend.Exists(ctx, CompleteMarkerKey(databaseID, backupID))
}

func (s *Store) WriteMigrationRecord(ctx context.Context, migrationID string, rec MigrationRecord) error {
	return s.writeYAML(ctx, MigrationManifestKey(migrationID), rec)
}

func (s *Store) ReadMigrationRecord(ctx context.Context, migrationID string) (MigrationRecord, error) {
	var rec MigrationRecord
	err := s.readYAML(ctx, MigrationManifestKey(migrationID), &rec)
	return rec, err
}

// AcquireLock claims the exclusive lock for databaseID, per spec §5's
// "lock keys are named objects; only one holder at a time." holderID
// identifies the caller for stale-lock takeover diagnostics.
func (s *Store) AcquireLock(ctx context.Context, databaseID, holderID string) error {
	return s.backend.PutIfAbsent(ctx, LockKey(databaseID), []byte(holderID))
}

func (s *Store) ReleaseLock(ctx context.Context, databaseID string) error {
	return s.backend.Delete(ctx, LockKey(databaseID))
}

func (s *Store) ReadLockHolder(ctx context.Context, databaseID string) (string, error) {
	rc, err := s.backend.Get(ctx, LockKey(databaseID))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", ddlogerr.Wrap(ddlogerr.Resource, "failed reading lock holder", err)
	}
	return string(data), nil
}

// LockInfo is the payload stored at a database's lock key, per spec §4.5
// step 1's "{pid, host, started_at}".
type LockInfo struct {
	PID       int       `yaml:"pid"`
	Host      string    `yaml:"host"`
	StartedAt time.Time `yaml:"started_at"`
}

// StaleLockAge is the freshness threshold from spec §5: a lock older than
// this may be overwritten by a new claimant.
const StaleLockAge = time.Hour

// TryAcquireLock claims the exclusive lock for databaseID, overwriting it
// if the existing holder's StartedAt is older than StaleLockAge, per spec
// §4.5 step 1 and §5's "stale-lock takeover requires a documented freshness
// rule (>1h old)". It reports whether a stale lock was overwritten so the
// caller can log the takeover into the manifest, per spec §5.
func (s *Store) TryAcquireLock(ctx context.Context, databaseID string, info LockInfo) (overwrote bool, err error) {
	data, err := yaml.Marshal(info)
	if err != nil {
		return false, ddlogerr.Wrap(ddlogerr.Data, "failed marshaling lock info", err)
	}

	putErr := s.backend.PutIfAbsent(ctx, LockKey(databaseID), data)
	if putErr == nil {
		return false, nil
	}
	if !ddlogerr.Is(putErr, ddlogerr.Conflict) {
		return false, putErr
	}

	existing, readErr := s.ReadLockInfo(ctx, databaseID)
	if readErr != nil {
		return false, readErr
	}
	if time.Since(existing.StartedAt) <= StaleLockAge {
		return false, ddlogerr.New(ddlogerr.Conflict, "lock held by another process", map[string]any{
			"holder_host": existing.Host,
			"holder_pid":  existing.PID,
		})
	}

	if err := s.backend.Delete(ctx, LockKey(databaseID)); err != nil {
		return false, err
	}
	if err := s.backend.PutIfAbsent(ctx, LockKey(databaseID), data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReadLockInfo(ctx context.Context, databaseID string) (LockInfo, error) {
	var info LockInfo
	err := s.readYAML(ctx, LockKey(databaseID), &info)
	return info, err
}
