package catalog

// schemaSQL is the DDL for all catalog tables. Idempotent; applied on
// every open.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS scans (
    id INTEGER PRIMARY KEY,
    root_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    total_files INTEGER NOT NULL DEFAULT 0,
    processed_files INTEGER NOT NULL DEFAULT 0,
    failed_files INTEGER NOT NULL DEFAULT 0,
    embeddings_enabled INTEGER NOT NULL DEFAULT 0,
    task_handle TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    scan_id INTEGER NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    file_path TEXT NOT NULL,
    file_name TEXT NOT NULL,
    file_type TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    text_content TEXT NOT NULL DEFAULT '',
    text_length INTEGER NOT NULL DEFAULT 0,
    has_ocr INTEGER NOT NULL DEFAULT 0,
    archive_path TEXT NOT NULL DEFAULT '',
    hash_md5 TEXT NOT NULL DEFAULT '',
    hash_sha256 TEXT NOT NULL DEFAULT '',
    file_modified_at DATETIME,
    indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    lexical_ref TEXT NOT NULL DEFAULT '',
    vector_refs TEXT NOT NULL DEFAULT '[]',
    UNIQUE(scan_id, file_path)
);
CREATE INDEX IF NOT EXISTS idx_documents_scan ON documents(scan_id);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(file_type);
CREATE INDEX IF NOT EXISTS idx_documents_sha256 ON documents(hash_sha256);

CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    type TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 1,
    start_char INTEGER,
    UNIQUE(document_id, text, type)
);
CREATE INDEX IF NOT EXISTS idx_entities_document ON entities(document_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS scan_errors (
    id INTEGER PRIMARY KEY,
    scan_id INTEGER NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    file_path TEXT NOT NULL,
    error_type TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_scan_errors_scan ON scan_errors(scan_id);

CREATE TABLE IF NOT EXISTS audit_entries (
    id INTEGER PRIMARY KEY,
    action TEXT NOT NULL,
    document_id INTEGER,
    scan_id INTEGER,
    details TEXT NOT NULL DEFAULT '',
    user_ip TEXT NOT NULL DEFAULT '',
    entry_hash TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'viewer',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
