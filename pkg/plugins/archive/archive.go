// Package archive provides the SQLite event archive plugin. It subscribes
// to a configurable set of event types and persists each one as a row. The
// bus itself keeps only its in-memory ring; this plugin is the optional
// durable consumer downstream of it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const component = "archive"

func init() {
	plugin.RegisterFactory("archive", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		return New(b, cfg.Plugins.Archive), nil
	})
}

// Plugin is the event archive.
type Plugin struct {
	*plugin.Base
	path  string
	types []string
	db    *sql.DB
}

// New creates the archive plugin. An empty type list archives the message
// and AI taxonomies.
func New(b *bus.Bus, cfg config.ArchiveConfig) *Plugin {
	types := cfg.Types
	if len(types) == 0 {
		types = []string{
			events.MessageReceived, events.MessageSend, events.MessageFailed,
			events.AIResponse, events.AIError,
		}
	}
	path := cfg.Path
	if path == "" {
		path = "krill.db"
	}
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "archive",
			Version:     "1.0.0",
			Description: "SQLite event archive",
			Author:      "krill",
			Enabled:     true,
		}, b),
		path:  path,
		types: types,
	}
}

// OnLoad opens the database, ensures the schema, and registers the writer
// handler at low priority so reactive handlers run first in result order.
func (p *Plugin) OnLoad(ctx context.Context) error {
	if dir := filepath.Dir(p.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", p.path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return fmt.Errorf("open archive db: %w", err)
	}
	p.db = db

	if err := p.initSchema(); err != nil {
		db.Close()
		p.db = nil
		return fmt.Errorf("init archive schema: %w", err)
	}

	p.RegisterHandler(bus.NewFuncHandler("archive-writer", p.types,
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			return nil, p.write(ctx, event)
		}).WithPriority(events.PriorityLow).
		WithErrorFunc(func(ctx context.Context, event *events.Event, err error) {
			logger.WarnCF(component, "Archive write failed", map[string]interface{}{
				"event_type": event.Type,
				"error":      err.Error(),
			})
		}))

	logger.InfoCF(component, "Archive started", map[string]interface{}{
		"db_path": p.path,
		"types":   len(p.types),
	})
	return nil
}

func (p *Plugin) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		metadata TEXT DEFAULT '{}',
		user_id TEXT DEFAULT '',
		conversation_id TEXT DEFAULT '',
		priority INTEGER DEFAULT 2,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`
	_, err := p.db.Exec(schema)
	return err
}

func (p *Plugin) write(ctx context.Context, event *events.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, type, payload, metadata, user_id, conversation_id, priority, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, string(payload), string(metadata),
		event.UserID, event.ConversationID, int(event.Priority),
		event.CreatedAt.Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ArchivedRecord is one persisted event row.
type ArchivedRecord struct {
	ID             string
	Type           string
	Payload        map[string]interface{}
	UserID         string
	ConversationID string
	CreatedAt      time.Time
}

// Recent returns up to limit of the newest archived events, optionally
// filtered by type.
func (p *Plugin) Recent(ctx context.Context, eventType string, limit int) ([]ArchivedRecord, error) {
	if p.db == nil {
		return nil, fmt.Errorf("archive not started")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, type, payload, user_id, conversation_id, created_at
		FROM events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ArchivedRecord
	for rows.Next() {
		var rec ArchivedRecord
		var payload, createdAt string
		if err := rows.Scan(&rec.ID, &rec.Type, &payload, &rec.UserID, &rec.ConversationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			rec.Payload = nil
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OnUnload tears down the handler and closes the database.
func (p *Plugin) OnUnload(ctx context.Context) error {
	p.UnregisterAll()
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("close archive db: %w", err)
		}
		p.db = nil
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
