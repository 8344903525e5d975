package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/cardwire/internal/domain"
	"github.com/ashureev/cardwire/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultChatLimit is used by ListChat when no positive limit is given.
const DefaultChatLimit = 50

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the chat writer and app readers proceed concurrently.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS apps (
		app_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_family TEXT NOT NULL DEFAULT '',
		signature_id TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		template_code TEXT NOT NULL DEFAULT '',
		actions_json TEXT NOT NULL DEFAULT '[]',
		source_card_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		exported_path TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_apps_created ON apps(created_at);

	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		card_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_key, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveApp creates or updates an app. CreatedAt of an existing row is kept.
func (s *SQLiteStore) SaveApp(ctx context.Context, app *domain.App) error {
	if app.ID == "" {
		return errors.New("save app: empty id")
	}
	actions, err := json.Marshal(nonNil(app.Actions))
	if err != nil {
		return fmt.Errorf("encode app actions: %w", err)
	}

	now := time.Now()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now

	query := `
	INSERT INTO apps (
		app_id, name, description, tool_name, tool_family, signature_id,
		template_id, template_code, actions_json, source_card_id, session_key,
		exported_path, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(app_id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		tool_name = excluded.tool_name,
		tool_family = excluded.tool_family,
		signature_id = excluded.signature_id,
		template_id = excluded.template_id,
		template_code = excluded.template_code,
		actions_json = excluded.actions_json,
		exported_path = COALESCE(excluded.exported_path, apps.exported_path),
		updated_at = excluded.updated_at`

	var exported any
	if app.ExportedPath != "" {
		exported = app.ExportedPath
	}

	return s.withRetry(ctx, "save app "+app.ID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			app.ID, app.Name, app.Description, app.ToolName, app.ToolFamily, app.SignatureID,
			app.TemplateID, app.TemplateCode, string(actions), app.SourceCardID, app.SessionKey,
			exported, app.CreatedAt.Unix(), app.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert app: %w", err)
		}
		return nil
	})
}

const appColumns = `app_id, name, description, tool_name, tool_family, signature_id,
		template_id, template_code, actions_json, source_card_id, session_key,
		exported_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (*domain.App, error) {
	var app domain.App
	var actionsJSON string
	var exported sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&app.ID, &app.Name, &app.Description, &app.ToolName, &app.ToolFamily, &app.SignatureID,
		&app.TemplateID, &app.TemplateCode, &actionsJSON, &app.SourceCardID, &app.SessionKey,
		&exported, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &app.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of app %s: %w", app.ID, err)
	}
	app.ExportedPath = exported.String
	app.CreatedAt = time.Unix(createdAt, 0)
	app.UpdatedAt = time.Unix(updatedAt, 0)
	return &app, nil
}

// GetApp retrieves an app by id.
func (s *SQLiteStore) GetApp(ctx context.Context, id string) (*domain.App, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE app_id = ?`, id)
	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan app row: %w", err)
	}
	return app, nil
}

// ListApps returns every saved app, newest first.
func (s *SQLiteStore) ListApps(ctx context.Context) ([]*domain.App, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close apps rows", "error", closeErr)
		}
	}()

	apps := []*domain.App{}
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app row: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apps: %w", err)
	}
	return apps, nil
}

// DeleteAllApps removes every saved app.
func (s *SQLiteStore) DeleteAllApps(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "delete apps", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM apps`)
		if err != nil {
			return fmt.Errorf("delete apps: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

// MarkAppExported records where an app was written.
func (s *SQLiteStore) MarkAppExported(ctx context.Context, id, path string) error {
	return s.withRetry(ctx, "mark app "+id+" exported", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE apps SET exported_path = ?, updated_at = ? WHERE app_id = ?`,
			path, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update exported_path: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrAppNotFound
		}
		return nil
	})
}

// AppendChat stores one chat line and sets entry.ID.
func (s *SQLiteStore) AppendChat(ctx context.Context, entry *domain.ChatEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var cardID any
	if entry.CardID != "" {
		cardID = entry.CardID
	}

	return s.withRetry(ctx, "append chat", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_history (session_key, role, text, card_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			entry.SessionKey, entry.Role, entry.Text, cardID, entry.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert chat entry: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get chat entry id: %w", err)
		}
		entry.ID = id
		return nil
	})
}

// ListChat returns the most recent lines of a session, oldest first.
func (s *SQLiteStore) ListChat(ctx context.Context, sessionKey string, limit int) ([]*domain.ChatEntry, error) {
	if limit <= 0 {
		limit = DefaultChatLimit
	}
	query := `
		SELECT id, session_key, role, text, card_id, created_at FROM (
			SELECT id, session_key, role, text, card_id, created_at
			FROM chat_history WHERE session_key = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat history rows", "error", closeErr)
		}
	}()

	entries := []*domain.ChatEntry{}
	for rows.Next() {
		var entry domain.ChatEntry
		var cardID sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.SessionKey, &entry.Role, &entry.Text, &cardID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		entry.CardID = cardID.String
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}
	return entries, nil
}

// withRetry runs fn, retrying SQLITE_BUSY failures with exponential backoff
// (100ms, 200ms, 400ms).
func (s *SQLiteStore) withRetry(ctx context.Context, what string, fn func() error) error {
	var err error
	for i := range maxRetries {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, maxRetries, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
