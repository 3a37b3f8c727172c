package catalog

import "time"

// ScanStatus is the lifecycle state of an ingestion job.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// FileType classifies a document by its extraction strategy.
type FileType string

const (
	FileTypePDF     FileType = "pdf"
	FileTypeImage   FileType = "image"
	FileTypeText    FileType = "text"
	FileTypeVideo   FileType = "video"
	FileTypeEmail   FileType = "email"
	FileTypeUnknown FileType = "unknown"
)

// Scan is one ingestion job over a directory tree.
type Scan struct {
	ID                int64      `json:"id"`
	RootPath          string     `json:"root_path"`
	Status            ScanStatus `json:"status"`
	TotalFiles        int        `json:"total_files"`
	ProcessedFiles    int        `json:"processed_files"`
	FailedFiles       int        `json:"failed_files"`
	EmbeddingsEnabled bool       `json:"embeddings_enabled"`
	TaskHandle        string     `json:"task_handle,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Document is one extracted file within a scan.
type Document struct {
	ID             int64      `json:"id"`
	ScanID         int64      `json:"scan_id"`
	FilePath       string     `json:"file_path"`
	FileName       string     `json:"file_name"`
	FileType       FileType   `json:"file_type"`
	FileSize       int64      `json:"file_size"`
	TextContent    string     `json:"text_content,omitempty"`
	TextLength     int        `json:"text_length"`
	HasOCR         bool       `json:"has_ocr"`
	ArchivePath    string     `json:"archive_path,omitempty"`
	HashMD5        string     `json:"hash_md5,omitempty"`
	HashSHA256     string     `json:"hash_sha256,omitempty"`
	FileModifiedAt *time.Time `json:"file_modified_at,omitempty"`
	IndexedAt      time.Time  `json:"indexed_at"`
	LexicalRef     string     `json:"lexical_ref,omitempty"`
	VectorRefs     []string   `json:"vector_refs,omitempty"`
}

// Entity is one named entity aggregated over a document.
// (document_id, text, type) is unique; merges sum counts.
type Entity struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Text       string `json:"text"`
	Type       string `json:"type"` // PER, ORG, LOC, MISC, DATE
	Count      int    `json:"count"`
	StartChar  *int   `json:"start_char,omitempty"`
}

// ScanError is a non-fatal per-file ingestion failure.
type ScanError struct {
	ID        int64     `json:"id"`
	ScanID    int64     `json:"scan_id"`
	FilePath  string    `json:"file_path"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is one row of the hash-chained audit log.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"`
	DocumentID   *int64    `json:"document_id,omitempty"`
	ScanID       *int64    `json:"scan_id,omitempty"`
	Details      string    `json:"details,omitempty"` // JSON
	UserIP       string    `json:"user_ip,omitempty"`
	EntryHash    string    `json:"entry_hash"`
	PreviousHash string    `json:"previous_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is an investigator account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // admin, analyst, viewer
	CreatedAt    time.Time `json:"created_at"`
}
