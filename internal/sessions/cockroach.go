package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/goalchat/pkg/models"
	_ "github.com/lib/pq"
)

// CockroachStore implements Store on CockroachDB or PostgreSQL.
type CockroachStore struct {
	db *sql.DB

	// Prepared statements for performance
	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtDeleteConversation *sql.Stmt
	stmtDeleteByOwner      *sql.Stmt
	stmtListByOwner        *sql.Stmt
	stmtOwnerOf            *sql.Stmt
	stmtAppendMessage      *sql.Stmt
	stmtTouchConversation  *sql.Stmt
	stmtGetHistory         *sql.Stmt
	stmtGetAll             *sql.Stmt
}

// DB exposes the underlying database connection for related stores.
func (s *CockroachStore) DB() *sql.DB {
	return s.db
}

// CockroachConfig holds connection pool settings.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// OpenDB opens and pings a lib/pq connection pool for dsn.
func OpenDB(dsn string, config *CockroachConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewCockroachStoreFromDSN opens a connection pool and prepares the store.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	db, err := OpenDB(dsn, config)
	if err != nil {
		return nil, err
	}
	store, err := NewCockroachStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewCockroachStore prepares the store's statements on an open pool.
// Close releases the statements and the pool.
func NewCockroachStore(db *sql.DB) (*CockroachStore, error) {
	store := &CockroachStore{db: db}
	if err := store.prepareStatements(); err != nil {
		store.closeStatements()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

type preparedStatement struct {
	name  string
	dst   **sql.Stmt
	query string
}

// statements lists every prepared statement in preparation order.
func (s *CockroachStore) statements() []preparedStatement {
	return []preparedStatement{
		{"create conversation", &s.stmtCreateConversation, `
			INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`},
		{"get conversation", &s.stmtGetConversation, `
			SELECT id, owner_id, title, created_at, updated_at
			FROM conversations WHERE id = $1`},
		{"delete conversation", &s.stmtDeleteConversation, `
			DELETE FROM conversations WHERE id = $1`},
		{"delete by owner", &s.stmtDeleteByOwner, `
			DELETE FROM conversations WHERE owner_id = $1`},
		{"list by owner", &s.stmtListByOwner, `
			SELECT id, owner_id, title, created_at, updated_at
			FROM conversations WHERE owner_id = $1
			ORDER BY updated_at DESC`},
		{"owner of", &s.stmtOwnerOf, `
			SELECT owner_id FROM conversations WHERE id = $1`},
		{"append message", &s.stmtAppendMessage, `
			INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_results, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`},
		{"touch conversation", &s.stmtTouchConversation, `
			UPDATE conversations SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`},
		{"get history", &s.stmtGetHistory, `
			SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2`},
		{"get all", &s.stmtGetAll, `
			SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at ASC, seq ASC`},
	}
}

func (s *CockroachStore) prepareStatements() error {
	for _, st := range s.statements() {
		stmt, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", st.name, err)
		}
		*st.dst = stmt
	}
	return nil
}

func (s *CockroachStore) closeStatements() []error {
	var errs []error
	for _, st := range s.statements() {
		if *st.dst == nil {
			continue
		}
		if err := (*st.dst).Close(); err != nil {
			errs = append(errs, err)
		}
		*st.dst = nil
	}
	return errs
}

// Close closes the prepared statements and the database connection.
func (s *CockroachStore) Close() error {
	errs := s.closeStatements()
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %w", errors.Join(errs...))
	}
	return nil
}

func (s *CockroachStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is required")
	}
	if conv.OwnerID == "" {
		return fmt.Errorf("conversation owner is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.stmtCreateConversation.ExecContext(ctx,
		conv.ID,
		conv.OwnerID,
		conv.Title,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *CockroachStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.stmtGetConversation.QueryRowContext(ctx, id).Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *CockroachStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.stmtDeleteConversation.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByOwner relies on ON DELETE CASCADE to remove messages and goals.
func (s *CockroachStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	result, err := s.stmtDeleteByOwner.ExecContext(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *CockroachStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Conversation, error) {
	rows, err := s.stmtListByOwner.QueryContext(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []*models.Conversation{}
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func (s *CockroachStore) HasAccess(ctx context.Context, ownerID, conversationID string) error {
	var owner string
	err := s.stmtOwnerOf.QueryRowContext(ctx, conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check access: %w", err)
	}
	return checkAccess(&models.Conversation{ID: conversationID, OwnerID: owner}, ownerID)
}

// AppendMessage inserts the message and bumps the conversation's updated_at
// in one transaction.
func (s *CockroachStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := marshalNullable(msg.ToolResults, len(msg.ToolResults))
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		toolCalls,
		toolResults,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	result, err := tx.StmtContext(ctx, s.stmtTouchConversation).ExecContext(ctx, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation timestamp: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *CockroachStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return s.GetAll(ctx, conversationID)
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *CockroachStore) GetAll(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.stmtGetAll.QueryContext(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	messages := []*models.Message{}
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var toolCallsJSON, toolResultsJSON []byte

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&role,
			&msg.Content,
			&toolCallsJSON,
			&toolResultsJSON,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(toolResultsJSON) > 0 && string(toolResultsJSON) != "null" {
			if err := json.Unmarshal(toolResultsJSON, &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// marshalNullable stores empty tool payloads as SQL NULL and everything
// else as JSON text.
func marshalNullable(v any, n int) (any, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
