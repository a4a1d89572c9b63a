package types

import "time"

// LogRecord is a single line read from a monitored log file. Immutable once
// produced by the source.
type LogRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SourceID  string            `json:"source_id"`
	Raw       string            `json:"raw"`
	Fields    map[string]string `json:"fields,omitempty"`
	Garbled   bool              `json:"garbled,omitempty"` // line contained invalid byte sequences, decoded lossily
}

// Severity of a pattern and the alerts it produces.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MatchEvent is emitted when a record matches a pattern. Ephemeral, consumed
// by the alert engine.
type MatchEvent struct {
	PatternID string            `json:"pattern_id"`
	Record    *LogRecord        `json:"record"`
	MatchedAt time.Time         `json:"matched_at"`
	Fields    map[string]string `json:"fields,omitempty"` // significant fields extracted by the rule
}

// Alert aggregates repeated matches of the same dedupe key within a window.
type Alert struct {
	PatternID string    `json:"pattern_id"`
	DedupeKey string    `json:"dedupe_key"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int64     `json:"occurrence_count"`
}

// UploadState tracks an archive unit through the backup pipeline.
type UploadState string

const (
	UploadPending  UploadState = "pending"
	UploadUploaded UploadState = "uploaded"
	UploadVerified UploadState = "verified"
	UploadFailed   UploadState = "failed"
)

// ArchiveUnit is an immutable sealed snapshot of a rotated log file.
// Checksum is the hex SHA-256 of the sealed byte content, computed at seal
// time and never changed afterwards. PayloadChecksum is the digest of the
// bytes actually uploaded, which differs from Checksum only when the payload
// is compressed on the wire.
type ArchiveUnit struct {
	ID              string      `json:"id"`
	SourceFile      string      `json:"source_file"`
	LocalPath       string      `json:"local_path"`
	CreatedAt       time.Time   `json:"created_at"`
	SizeBytes       int64       `json:"size_bytes"`
	Checksum        string      `json:"checksum"`
	PayloadChecksum string      `json:"payload_checksum,omitempty"`
	RemoteKey       string      `json:"remote_key,omitempty"`
	UploadState     UploadState `json:"upload_state"`
	Attempts        int         `json:"attempts"`
	LocalDeleted    bool        `json:"local_deleted,omitempty"`
	RemoteDeleted   bool        `json:"remote_deleted,omitempty"`
}

// RetentionScope selects which copy of a unit a policy applies to.
type RetentionScope string

const (
	ScopeLocal  RetentionScope = "local"
	ScopeRemote RetentionScope = "remote"
)

// RetentionPolicy bounds the lifetime of archive units within one scope.
// Zero values disable the corresponding limit.
type RetentionPolicy struct {
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
	MaxCount int           `json:"max_count" yaml:"max_count"`
}

// FilePosition tracks the read cursor in a tailed file, keyed by inode so a
// resumed session can tell a rotated file from the one it left off in.
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}
