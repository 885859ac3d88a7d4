// Package metadata implements the metadata store (C3): human-readable
// manifest, checkpoint, migration-record, config, and schema documents,
// marshaled with YAML so they stay line-oriented and indentation-preserving
// the way spec §3 requires. Grounded on checkpoint.Store's Load/Save shape
// (checkpoint/checkpoint.go), generalized from one document kind to the
// full set of documents an operation needs.
package metadata

import "time"

// ChunkDescriptor is one entry in a Manifest's chunks list, per spec §3.
type ChunkDescriptor struct {
	ChunkID          uint64 `yaml:"chunk_id"`
	TMin             int64  `yaml:"t_min"`
	TMax             int64  `yaml:"t_max"`
	TupleCount       int    `yaml:"tuple_count"`
	CompressedBytes  int64  `yaml:"compressed_bytes"`
	SHA256           string `yaml:"sha256"`
	StorageKey       string `yaml:"storage_key"`
	PartialCommitPfx bool   `yaml:"partial_commit_prefix,omitempty"`
}

// Stats summarizes a sealed backup, per spec §3's Manifest.stats.
type Stats struct {
	TupleCount int64  `yaml:"tuple_count"`
	ChunkCount int    `yaml:"chunk_count"`
	TotalBytes int64  `yaml:"total_bytes"`
	TMin       int64  `yaml:"t_min"`
	TMax       int64  `yaml:"t_max"`
	MaxE       int64  `yaml:"max_e"`
	MaxT       int64  `yaml:"max_t"`
}

// Manifest is the human-readable, immutable-once-sealed record of a backup,
// per spec §3.
type Manifest struct {
	BackupID       string            `yaml:"backup_id"`
	Type           string            `yaml:"type"`
	CreatedAt      time.Time         `yaml:"created_at"`
	Completed      bool              `yaml:"completed"`
	DatabaseID     string            `yaml:"database_id"`
	SourceVersion  string            `yaml:"source_version"`
	FormatVersion  uint16            `yaml:"format_version"`
	Compression    string            `yaml:"compression"`
	Stats          Stats             `yaml:"stats"`
	Chunks         []ChunkDescriptor `yaml:"chunks"`
	SchemaInline   string            `yaml:"schema,omitempty"`
	ConfigInline   string            `yaml:"config,omitempty"`
	LockTakeover   bool              `yaml:"lock_takeover,omitempty"`
}

// ChunkProgress identifies the in-flight chunk a checkpoint was last
// written during, per spec §3's Checkpoint.progress.current_chunk.
type ChunkProgress struct {
	ID     uint64 `yaml:"id"`
	Offset int64  `yaml:"offset"`
}

// Progress is the mutable progress record inside a Checkpoint.
type Progress struct {
	TotalChunks     int            `yaml:"total_chunks"`
	CompletedChunks []uint64       `yaml:"completed_chunks"`
	CurrentChunk    *ChunkProgress `yaml:"current_chunk,omitempty"`
	LastTx          int64          `yaml:"last_tx"`
}

// Operation identifies which long-running operation a Checkpoint belongs
// to, per spec §3.
type Operation string

const (
	OperationBackup    Operation = "backup"
	OperationRestore   Operation = "restore"
	OperationMigration Operation = "migration"
	OperationGC        Operation = "gc"
)

// Checkpoint is the human-readable, conservatively-overwritten progress
// record for an in-flight operation, per spec §3.
type Checkpoint struct {
	Operation    Operation         `yaml:"operation"`
	StartedAt    time.Time         `yaml:"started_at"`
	UpdatedAt    time.Time         `yaml:"updated_at"`
	Progress     Progress          `yaml:"progress"`
	FailedChunks map[uint64]string `yaml:"failed_chunks,omitempty"`
	ResumeToken  string            `yaml:"resume_token,omitempty"`
	CRC32        uint32            `yaml:"crc32"`
}

// MigrationState is a state in the live-migration controller's state
// machine, per spec §4.8.
type MigrationState string

const (
	StateInitializing MigrationState = "initializing"
	StateBackup       MigrationState = "backup"
	StateRestore      MigrationState = "restore"
	StateCatchingUp   MigrationState = "catching-up"
	StateReady        MigrationState = "ready"
	StateFinalizing   MigrationState = "finalizing"
	StateCompleted    MigrationState = "completed"
	StateArchived     MigrationState = "archived"
	StateFailed       MigrationState = "failed"
)

// MigrationRecord is the human-readable, one-per-attempt state machine
// record, per spec §3.
type MigrationRecord struct {
	MigrationID     string         `yaml:"migration_id"`
	State           MigrationState `yaml:"state"`
	DatabaseID      string         `yaml:"database_id"`
	SourceConfig    string         `yaml:"source_config,omitempty"`
	TargetConfig    string         `yaml:"target_config,omitempty"`
	InitialBackupID string         `yaml:"initial_backup_id,omitempty"`
	TxLogPath       string         `yaml:"tx_log_path,omitempty"`
	LastReplayedT   int64          `yaml:"last_replayed_t,omitempty"`
	FailureReason   string         `yaml:"failure_reason,omitempty"`
	StartedAt       time.Time      `yaml:"started_at"`
	UpdatedAt       time.Time      `yaml:"updated_at"`
	CompletedAt     *time.Time     `yaml:"completed_at,omitempty"`
	ArchivedAt      *time.Time     `yaml:"archived_at,omitempty"`
}
