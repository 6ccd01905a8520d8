package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// NewCockroachStoresFromDSN creates Cockroach-backed stores sharing one pool.
// Deletes cascade through foreign keys.
func NewCockroachStoresFromDSN(dsn string, config *sessions.CockroachConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	db, err := sessions.OpenDB(dsn, config)
	if err != nil {
		return StoreSet{}, err
	}
	return NewCockroachStores(db)
}

// NewCockroachStores builds the StoreSet on an open pool. Closing the set
// closes the pool.
func NewCockroachStores(db *sql.DB) (StoreSet, error) {
	conversations, err := sessions.NewCockroachStore(db)
	if err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	return StoreSet{
		Conversations: conversations,
		Users:         &cockroachUserStore{db: db},
		Goals:         &cockroachGoalStore{db: db},
		closer:        conversations.Close,
	}, nil
}

type cockroachUserStore struct {
	db *sql.DB
}

const userColumns = `id, COALESCE(external_id, ''), name, email, ephemeral, created_at, updated_at`

func (s *cockroachUserStore) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = user.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, name, email, ephemeral, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
	`, user.ID, user.ExternalID, user.Name, user.Email, user.Ephemeral, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *cockroachUserStore) CreateEphemeral(ctx context.Context, name string) (*models.User, error) {
	id := uuid.NewString()
	user := &models.User{
		ID:         id,
		ExternalID: ephemeralExternalID(id),
		Name:       name,
		Ephemeral:  true,
	}
	if err := s.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *cockroachUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *cockroachUserStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *cockroachUserStore) ListEphemeralBefore(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE ephemeral AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list ephemeral users: %w", err)
	}
	defer rows.Close()

	out := []*models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	if err := row.Scan(
		&user.ID,
		&user.ExternalID,
		&user.Name,
		&user.Email,
		&user.Ephemeral,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return user, nil
}

type cockroachGoalStore struct {
	db *sql.DB
}

const goalColumns = `id, conversation_id, COALESCE(parent_id, ''), title, description, status, created_at, updated_at`

func (s *cockroachGoalStore) Create(ctx context.Context, goal *models.Goal) error {
	if goal == nil || goal.ConversationID == "" {
		return fmt.Errorf("goal is required")
	}
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if goal.Status == "" {
		goal.Status = models.GoalInProgress
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now()
	}
	goal.UpdatedAt = goal.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, conversation_id, parent_id, title, description, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, goal.ID, goal.ConversationID, goal.ParentID, goal.Title, goal.Description, string(goal.Status), goal.CreatedAt, goal.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

func (s *cockroachGoalStore) Get(ctx context.Context, id string) (*models.Goal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id)
	goal, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	return goal, nil
}

func (s *cockroachGoalStore) List(ctx context.Context, conversationID string, filter GoalFilter) ([]*models.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE conversation_id = $1`
	args := []any{conversationID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.RootsOnly {
		query += " AND parent_id IS NULL"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	out := []*models.Goal{}
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return out, nil
}

func (s *cockroachGoalStore) Update(ctx context.Context, goal *models.Goal) error {
	if goal == nil || goal.ID == "" {
		return fmt.Errorf("goal is required")
	}
	goal.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE goals SET parent_id = NULLIF($1, ''), title = $2, description = $3, status = $4, updated_at = $5
		WHERE id = $6
	`, goal.ParentID, goal.Title, goal.Description, string(goal.Status), goal.UpdatedAt, goal.ID)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update goal rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete relies on the parent_id foreign key to cascade to sub-goals.
func (s *cockroachGoalStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete goal rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanGoal(row rowScanner) (*models.Goal, error) {
	goal := &models.Goal{}
	var status string
	if err := row.Scan(
		&goal.ID,
		&goal.ConversationID,
		&goal.ParentID,
		&goal.Title,
		&goal.Description,
		&status,
		&goal.CreatedAt,
		&goal.UpdatedAt,
	); err != nil {
		return nil, err
	}
	goal.Status = models.GoalStatus(status)
	return goal, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
