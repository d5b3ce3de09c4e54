package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
)

// AuditSink persists events append-only. It continues the prior system's
// SQLiteAuditLogger, generalized from per-API-call rows to lifecycle-event
// rows, with bounded-batch flushing and size-based rotation added. Rotation
// is triggered by file size only; the log is never rotated by age.
type AuditSink struct {
	mu          sync.Mutex
	db          *sql.DB
	path        string
	buf         []models.Event
	batchSize   int
	flushEvery  time.Duration
	maxFileSize int64
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// AuditSinkConfig tunes the bounded-batch buffer and rotation thresholds.
type AuditSinkConfig struct {
	BatchSize    int
	FlushEvery   time.Duration
	MaxFileBytes int64
}

func DefaultAuditSinkConfig() AuditSinkConfig {
	return AuditSinkConfig{BatchSize: 50, FlushEvery: 2 * time.Second, MaxFileBytes: 64 << 20}
}

// NewAuditSink opens (or creates) a SQLite-backed append-only audit log at
// dbPath. The file is created with owner-only permissions on POSIX systems
// per §4.12.
func NewAuditSink(dbPath string, cfg AuditSinkConfig) (*AuditSink, error) {
	dbPath = expandPath(dbPath)
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "events.NewAuditSink")
	}
	// Pre-create with 0600 so the file never briefly exists world-readable;
	// sql.Open+first write would otherwise inherit the process umask.
	if _, err := os.OpenFile(dbPath, os.O_CREATE|os.O_RDONLY, 0o600); err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "events.NewAuditSink")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "events.NewAuditSink")
	}

	sink := &AuditSink{
		db:          db,
		path:        dbPath,
		batchSize:   cfg.BatchSize,
		flushEvery:  cfg.FlushEvery,
		maxFileSize: cfg.MaxFileBytes,
		stopCh:      make(chan struct{}),
	}
	if err := sink.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	sink.wg.Add(1)
	go sink.flushLoop()

	return sink, nil
}

func (a *AuditSink) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		memory_id TEXT,
		actor TEXT,
		correlation_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_memory_id ON audit_log(memory_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "events.AuditSink.initSchema")
	}
	return nil
}

// Publish buffers evt; it is flushed once batchSize events accumulate or
// flushEvery elapses, whichever comes first.
func (a *AuditSink) Publish(evt models.Event) {
	a.mu.Lock()
	a.buf = append(a.buf, evt)
	shouldFlush := len(a.buf) >= a.batchSize
	a.mu.Unlock()

	if shouldFlush {
		a.flush()
	}
}

func (a *AuditSink) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			a.flush()
			return
		}
	}
}

func (a *AuditSink) flush() {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	a.rotateIfNeeded()

	tx, err := a.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO audit_log (event_type, memory_id, actor, correlation_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, evt := range batch {
		details, _ := json.Marshal(evt.Details)
		if _, err := stmt.Exec(string(evt.Type), evt.MemoryID, evt.Actor, evt.CorrelationID, string(details), evt.Timestamp); err != nil {
			tx.Rollback()
			return
		}
	}
	tx.Commit()
}

// rotateIfNeeded renames the database file aside once it exceeds
// maxFileSize, closing and reopening a fresh file. Rotation by size is a
// best-effort check performed before each flush, not continuously monitored.
func (a *AuditSink) rotateIfNeeded() {
	if a.maxFileSize <= 0 {
		return
	}
	info, err := os.Stat(a.path)
	if err != nil || info.Size() < a.maxFileSize {
		return
	}
	a.db.Close()
	rotated := a.path + "." + time.Now().UTC().Format("20060102T150405")
	os.Rename(a.path, rotated)
	db, err := sql.Open("sqlite3", a.path)
	if err != nil {
		return
	}
	a.db = db
	a.initSchema()
}

// Query retrieves audit entries matching the given optional constraints,
// newest first.
func (a *AuditSink) Query(ctx context.Context, eventType models.EventType, memoryID string, limit int) ([]models.Event, error) {
	q := "SELECT event_type, memory_id, actor, correlation_id, details, timestamp FROM audit_log WHERE 1=1"
	var args []interface{}
	if eventType != "" {
		q += " AND event_type = ?"
		args = append(args, string(eventType))
	}
	if memoryID != "" {
		q += " AND memory_id = ?"
		args = append(args, memoryID)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "events.AuditSink.Query")
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var evt models.Event
		var et, detailsJSON string
		if err := rows.Scan(&et, &evt.MemoryID, &evt.Actor, &evt.CorrelationID, &detailsJSON, &evt.Timestamp); err != nil {
			return nil, kind.Wrap(err, kind.BackendUnavailable, "events.AuditSink.Query")
		}
		evt.Type = models.EventType(et)
		if detailsJSON != "" {
			json.Unmarshal([]byte(detailsJSON), &evt.Details)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close flushes any buffered events and releases the database handle.
func (a *AuditSink) Close() error {
	close(a.stopCh)
	a.wg.Wait()
	return a.db.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
