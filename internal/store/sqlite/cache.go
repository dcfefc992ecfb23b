// Package sqlite is the document cache: the persistent tier holding every
// flat document of a HOT anchor, keyed by (channel, anchor, type, id).
// Delta generation compares against the prior image stored here, so the
// replace-returning-prior step runs inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"statesync/internal/document"
)

// Config configures the document cache.
type Config struct {
	Path string // database file, e.g. "data/statecache.db", or ":memory:"

	// MaxDocBytes spills documents whose encoded body exceeds the limit
	// into the blobs table, caching only a reference stub. Zero disables
	// spilling.
	MaxDocBytes int
}

// Cache is the SQLite-backed document store.
type Cache struct {
	db          *sql.DB
	maxDocBytes int
}

// New opens the cache database, enables WAL and creates the schema.
func New(cfg Config) (*Cache, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single connection: the write path serializes on SQLite anyway and
	// :memory: databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[doccache] opened database at %s", cfg.Path)
	return &Cache{db: db, maxDocBytes: cfg.MaxDocBytes}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			channel       TEXT NOT NULL,
			anchor_id     TEXT NOT NULL,
			instance_type TEXT NOT NULL,
			doc_id        TEXT NOT NULL,
			user_key      TEXT,
			tstamp        REAL NOT NULL,
			deleted       INTEGER NOT NULL DEFAULT 0,
			body          TEXT NOT NULL,
			PRIMARY KEY (channel, anchor_id, instance_type, doc_id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_tstamp
			ON documents (channel, anchor_id, tstamp);

		CREATE TABLE IF NOT EXISTS blobs (
			ref        TEXT PRIMARY KEY,
			channel    TEXT NOT NULL,
			anchor_id  TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (c *Cache) DB() *sql.DB { return c.db }

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsert writes one document row, spilling oversize bodies to the blobs
// table. Returns the document as stored, which is a reference stub when
// the body spilled.
func (c *Cache) upsert(ctx context.Context, q execer, channel, anchorID string, doc document.Document) (document.Document, error) {
	body, err := document.Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	stored := doc
	if c.maxDocBytes > 0 && len(body) > c.maxDocBytes && doc.GridRef() == "" {
		ref := uuid.NewString()
		_, err = q.ExecContext(ctx, `
			INSERT INTO blobs (ref, channel, anchor_id, body) VALUES (?, ?, ?, ?)
		`, ref, channel, anchorID, string(body))
		if err != nil {
			return nil, fmt.Errorf("sqlite insert blob: %w", err)
		}

		stub := document.Document{
			document.FieldID:           doc[document.FieldID],
			document.FieldInstanceType: doc.InstanceType(),
			document.FieldTstamp:       doc.Tstamp(),
			document.FieldOperation:    doc.Operation(),
			document.FieldGridRef:      ref,
		}
		if v, ok := doc[document.FieldUserKey]; ok {
			stub[document.FieldUserKey] = v
		}
		if doc.Deleted() {
			stub[document.FieldDeleted] = true
		}
		if body, err = document.Encode(stub); err != nil {
			return nil, fmt.Errorf("encode stub: %w", err)
		}
		stored = stub
	}

	var userKey any
	if uk := doc.UserKey(); uk != "" {
		userKey = uk
	}
	deleted := 0
	if doc.Deleted() {
		deleted = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(channel, anchor_id, instance_type, doc_id, user_key, tstamp, deleted, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, channel, anchorID, doc.InstanceType(), doc.ID(), userKey, doc.Tstamp(), deleted, string(body))
	if err != nil {
		return nil, fmt.Errorf("sqlite upsert document: %w", err)
	}
	return stored, nil
}

// Upsert caches one document. COLD snapshot path; no prior image needed.
func (c *Cache) Upsert(ctx context.Context, channel, anchorID string, doc document.Document) error {
	_, err := c.upsert(ctx, c.db, channel, anchorID, doc)
	return err
}

// ReplaceReturningPrior atomically swaps the cached image of a document
// and returns the image it replaced, nil when the document is new. The
// returned stored value is what the cache now holds, a reference stub
// when the body spilled.
func (c *Cache) ReplaceReturningPrior(ctx context.Context, channel, anchorID string, doc document.Document) (prior, stored document.Document, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx, `
		SELECT body FROM documents
		WHERE channel = ? AND anchor_id = ? AND instance_type = ? AND doc_id = ?
	`, channel, anchorID, doc.InstanceType(), doc.ID()).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
		// New document.
	case err != nil:
		return nil, nil, fmt.Errorf("sqlite read prior: %w", err)
	default:
		// Resolve through the transaction: the pool holds one connection
		// and it is bound to tx until commit.
		if prior, err = c.decodeStored(ctx, tx, body); err != nil {
			return nil, nil, err
		}
	}

	if stored, err = c.upsert(ctx, tx, channel, anchorID, doc); err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite commit: %w", err)
	}
	return prior, stored, nil
}

// decodeStored parses a cached body, following the blob reference when
// the row is a spill stub. The blob read goes through q so callers
// inside a transaction reuse its connection.
func (c *Cache) decodeStored(ctx context.Context, q querier, body string) (document.Document, error) {
	doc, err := document.Decode([]byte(body))
	if err != nil {
		return nil, err
	}
	ref := doc.GridRef()
	if ref == "" {
		return doc, nil
	}
	var full string
	err = q.QueryRowContext(ctx, `SELECT body FROM blobs WHERE ref = ?`, ref).Scan(&full)
	if err != nil {
		if err == sql.ErrNoRows {
			// Dangling reference; serve the stub rather than fail the read.
			return doc, nil
		}
		return nil, fmt.Errorf("sqlite read blob: %w", err)
	}
	return document.Decode([]byte(full))
}

// Find returns the live documents of one instance type under an anchor,
// filtered to what userKey may see. Public documents carry a NULL
// user_key. HOT snapshot path; deleted rows are excluded and spilled
// bodies are inlined so reads never see a reference stub.
func (c *Cache) Find(ctx context.Context, channel, anchorID, instanceType, userKey string) ([]document.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT body FROM documents
		WHERE channel = ? AND anchor_id = ? AND instance_type = ?
			AND deleted = 0
			AND (user_key IS NULL OR user_key = ?)
		ORDER BY doc_id ASC
	`, channel, anchorID, instanceType, userKey)
	if err != nil {
		return nil, fmt.Errorf("sqlite query documents: %w", err)
	}
	return c.collectStored(ctx, rows)
}

// FindSince returns every document mutated at or after tstamp under an
// anchor, deletes included, ascending by assignment time. Catch-up path
// for reconnecting clients; the boundary is inclusive so a document
// stamped exactly at the client's last_update is re-delivered rather
// than skipped.
func (c *Cache) FindSince(ctx context.Context, channel, anchorID string, tstamp float64, userKey string) ([]document.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT body FROM documents
		WHERE channel = ? AND anchor_id = ? AND tstamp >= ?
			AND (user_key IS NULL OR user_key = ?)
		ORDER BY tstamp ASC
	`, channel, anchorID, tstamp, userKey)
	if err != nil {
		return nil, fmt.Errorf("sqlite query since: %w", err)
	}
	return c.collectStored(ctx, rows)
}

// FindAll returns every cached document of an anchor, deletes and user
// documents included, with blob bodies inlined. Cooling migration path.
func (c *Cache) FindAll(ctx context.Context, channel, anchorID string) ([]document.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT body FROM documents
		WHERE channel = ? AND anchor_id = ?
		ORDER BY instance_type ASC, doc_id ASC
	`, channel, anchorID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query all: %w", err)
	}
	return c.collectStored(ctx, rows)
}

// DeleteAll drops every cached document and blob of an anchor. Runs when
// an anchor goes COLD and before a fresh COLD snapshot.
func (c *Cache) DeleteAll(ctx context.Context, channel, anchorID string) error {
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM documents WHERE channel = ? AND anchor_id = ?
	`, channel, anchorID); err != nil {
		return fmt.Errorf("sqlite delete documents: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM blobs WHERE channel = ? AND anchor_id = ?
	`, channel, anchorID); err != nil {
		return fmt.Errorf("sqlite delete blobs: %w", err)
	}
	return nil
}

// PurgeChannel drops every cached document of a channel. Manual
// cache-clear hook.
func (c *Cache) PurgeChannel(ctx context.Context, channel string) error {
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM documents WHERE channel = ?
	`, channel); err != nil {
		return fmt.Errorf("sqlite purge documents: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM blobs WHERE channel = ?
	`, channel); err != nil {
		return fmt.Errorf("sqlite purge blobs: %w", err)
	}
	return nil
}

// Blob returns a spilled body by reference.
func (c *Cache) Blob(ctx context.Context, ref string) (document.Document, error) {
	var body string
	err := c.db.QueryRowContext(ctx, `SELECT body FROM blobs WHERE ref = ?`, ref).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("blob %s: not found", ref)
		}
		return nil, fmt.Errorf("sqlite read blob: %w", err)
	}
	return document.Decode([]byte(body))
}

func collectBodies(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite scan body: %w", err)
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// collectStored drains rows and decodes each body with blob stubs
// resolved. Rows are fully read before the blob lookups start so the
// single pooled connection is free for them.
func (c *Cache) collectStored(ctx context.Context, rows *sql.Rows) ([]document.Document, error) {
	bodies, err := collectBodies(rows)
	if err != nil {
		return nil, err
	}
	docs := make([]document.Document, 0, len(bodies))
	for _, body := range bodies {
		doc, err := c.decodeStored(ctx, c.db, body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
