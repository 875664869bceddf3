package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/workspaceai/internal/agent"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"
)

// SQLite stores action requests, messages and Google tokens in one database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	s := NewSQLite(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing handle without migrating it.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS action_requests(
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			user_message TEXT NOT NULL,
			plans_json TEXT NOT NULL,
			confirmation_message TEXT NOT NULL,
			results_json TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS action_requests_owner_created
			ON action_requests(owner_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS messages(
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_owner_created
			ON messages(owner_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS google_tokens(
			owner_id TEXT PRIMARY KEY,
			token_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, ownerID, userMessage string, plans []agent.Plan, confirmationMessage string) (ActionRequest, error) {
	if err := checkCreate(ownerID, plans); err != nil {
		return ActionRequest{}, err
	}
	plansJSON, err := json.Marshal(plans)
	if err != nil {
		return ActionRequest{}, fmt.Errorf("encode plans: %w", err)
	}

	now := s.now().UTC()
	req := ActionRequest{
		ID:                  newActionRequestID(),
		OwnerID:             ownerID,
		Status:              StatusPending,
		UserMessage:         userMessage,
		Plans:               agent.ClonePlans(plans),
		ConfirmationMessage: confirmationMessage,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_requests(id, owner_id, status, user_message, plans_json, confirmation_message, results_json, error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, '', '', ?, ?)
	`, req.ID, req.OwnerID, string(req.Status), req.UserMessage, string(plansJSON), req.ConfirmationMessage, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return ActionRequest{}, fmt.Errorf("insert action request: %w", err)
	}
	return req, nil
}

const actionRequestColumns = `id, owner_id, status, user_message, plans_json, confirmation_message, results_json, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionRequest(row rowScanner) (ActionRequest, error) {
	var (
		req                            ActionRequest
		status, plansJSON, resultsJSON string
		createdAt, updatedAt           string
	)
	if err := row.Scan(&req.ID, &req.OwnerID, &status, &req.UserMessage, &plansJSON, &req.ConfirmationMessage, &resultsJSON, &req.Error, &createdAt, &updatedAt); err != nil {
		return ActionRequest{}, err
	}
	req.Status = Status(status)

	plans, results, err := decodeActionPayload(plansJSON, resultsJSON)
	if err != nil {
		return ActionRequest{}, err
	}
	req.Plans = plans
	req.Results = results

	if req.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return ActionRequest{}, fmt.Errorf("parse created_at: %w", err)
	}
	if req.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return ActionRequest{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return req, nil
}

// Get returns the request only when it belongs to ownerID.
func (s *SQLite) Get(ctx context.Context, ownerID, id string) (ActionRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionRequestColumns+` FROM action_requests WHERE id = ? AND owner_id = ?`, id, ownerID)
	req, err := scanActionRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ActionRequest{}, fmt.Errorf("%w: action request %s", ErrNotFound, id)
	}
	if err != nil {
		return ActionRequest{}, fmt.Errorf("load action request: %w", err)
	}
	return req, nil
}

func (s *SQLite) CompareAndSetStatus(ctx context.Context, id, ownerID string, expected, next Status, outcome Outcome) (bool, error) {
	if err := checkTransition(expected, next, outcome); err != nil {
		return false, err
	}
	resultsJSON, err := encodeResults(outcome.Results)
	if err != nil {
		return false, err
	}

	var res sql.Result
	if next == StatusExecuted || next == StatusFailed {
		res, err = s.db.ExecContext(ctx, `
			UPDATE action_requests SET status = ?, results_json = ?, error = ?, updated_at = ?
			WHERE id = ? AND owner_id = ? AND status = ?
		`, string(next), resultsJSON, outcome.Error, formatTimestamp(s.now()), id, ownerID, string(expected))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE action_requests SET status = ?, updated_at = ?
			WHERE id = ? AND owner_id = ? AND status = ?
		`, string(next), formatTimestamp(s.now()), id, ownerID, string(expected))
	}
	if err != nil {
		return false, fmt.Errorf("update action request status: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update action request status: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *SQLite) ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]ActionRequest, error) {
	query := `SELECT ` + actionRequestColumns + ` FROM action_requests WHERE owner_id = ?`
	args := []any{ownerID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action requests: %w", err)
	}
	defer rows.Close()

	items := make([]ActionRequest, 0)
	for rows.Next() {
		req, err := scanActionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list action requests: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list action requests: %w", err)
	}
	return items, nil
}

func (s *SQLite) AppendMessage(ctx context.Context, ownerID string, role agent.Role, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode message content: %w", err)
	}
	msg := Message{
		ID:        newMessageID(),
		OwnerID:   ownerID,
		Role:      role,
		Content:   raw,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages(id, owner_id, role, content_json, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, msg.ID, msg.OwnerID, string(msg.Role), string(raw), formatTimestamp(msg.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var role, content, createdAt string
	if err := row.Scan(&msg.ID, &msg.OwnerID, &role, &content, &createdAt); err != nil {
		return Message{}, err
	}
	msg.Role = agent.Role(role)
	msg.Content = json.RawMessage(content)
	t, err := parseTimestamp(createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("parse created_at: %w", err)
	}
	msg.CreatedAt = t
	return msg, nil
}

func (s *SQLite) ListMessages(ctx context.Context, ownerID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, role, content_json, created_at
		FROM messages
		WHERE owner_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, ownerID, clampMessageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

func (s *SQLite) GetMessage(ctx context.Context, ownerID, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, role, content_json, created_at
		FROM messages WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("load message: %w", err)
	}
	return msg, nil
}

func (s *SQLite) GoogleToken(ctx context.Context, ownerID string) (*oauth2.Token, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT token_json FROM google_tokens WHERE owner_id = ?`, ownerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load google token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, false, fmt.Errorf("decode google token: %w", err)
	}
	return &token, true, nil
}

// SaveGoogleToken upserts the owner's token. A refreshed token without a
// refresh token keeps the previously stored one.
func (s *SQLite) SaveGoogleToken(ctx context.Context, ownerID string, token *oauth2.Token) error {
	if token == nil || strings.TrimSpace(ownerID) == "" {
		return errors.New("owner id and token are required")
	}
	if token.RefreshToken == "" {
		if existing, ok, err := s.GoogleToken(ctx, ownerID); err == nil && ok {
			copied := *token
			copied.RefreshToken = existing.RefreshToken
			token = &copied
		}
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode google token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO google_tokens(owner_id, token_json, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET token_json = excluded.token_json, updated_at = excluded.updated_at
	`, ownerID, string(raw), formatTimestamp(s.now()))
	if err != nil {
		return fmt.Errorf("save google token: %w", err)
	}
	return nil
}
