package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/models"
)

// sqlStore implements Store over sqlx for both dialects. Queries are
// written with ? placeholders and rebound per driver; timestamps are
// passed from Go so the two backends compare values consistently.
type sqlStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

// --- TaskStore ---

func (s *sqlStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusQueued
	}

	query := s.db.Rebind(`
		INSERT INTO tasks (
			id, provider_task_id, owner_id, anonymous_id, location,
			latitude, longitude, query, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.ProviderTaskID, task.OwnerID, task.AnonymousID, task.Location,
		task.Latitude, task.Longitude, task.Query, task.Status, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	s.logger.Debug("Task created",
		zap.String("task_id", task.ID.String()),
		zap.String("provider_task_id", task.ProviderTaskID),
	)
	return nil
}

const taskColumns = `id, provider_task_id, owner_id, anonymous_id, location, latitude, longitude,
	query, status, output, error_message, share_token, created_at, updated_at, completed_at`

func (s *sqlStore) getTask(ctx context.Context, where string, arg interface{}) (*models.Task, error) {
	var task models.Task
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE ` + where)
	err := s.db.GetContext(ctx, &task, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (s *sqlStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.getTask(ctx, "id = ?", id)
}

func (s *sqlStore) GetTaskByProviderID(ctx context.Context, providerTaskID string) (*models.Task, error) {
	return s.getTask(ctx, "provider_task_id = ?", providerTaskID)
}

func (s *sqlStore) GetTaskByShareToken(ctx context.Context, token string) (*models.Task, error) {
	return s.getTask(ctx, "share_token = ?", token)
}

func (s *sqlStore) listTasks(ctx context.Context, where string, arg interface{}, limit, offset int) ([]models.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var tasks []models.Task
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &tasks, query, arg, limit, offset); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *sqlStore) ListTasksByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Task, error) {
	return s.listTasks(ctx, "owner_id = ?", ownerID, limit, offset)
}

func (s *sqlStore) ListTasksByAnonymousID(ctx context.Context, anonID string, limit, offset int) ([]models.Task, error) {
	return s.listTasks(ctx, "anonymous_id = ?", anonID, limit, offset)
}

// statusRank mirrors models.TaskStatus ordering inside SQL so the
// monotonic guard and the write are one atomic statement.
const statusRankExpr = `(CASE %s WHEN 'queued' THEN 0 WHEN 'running' THEN 1 ELSE 2 END)`

func (s *sqlStore) UpdateTaskStatus(ctx context.Context, providerTaskID string, status models.TaskStatus) (bool, error) {
	now := time.Now().UTC()
	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE tasks SET
			status = ?,
			updated_at = ?,
			completed_at = CASE WHEN ? IN ('completed','failed') AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE provider_task_id = ?
		  AND `+statusRankExpr+` < `+statusRankExpr,
		"status", "?"))

	res, err := s.db.ExecContext(ctx, query, status, now, status, now, providerTaskID, status)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) CompleteTask(ctx context.Context, providerTaskID string, status models.TaskStatus, output string, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete task: %s is not a terminal status", status)
	}
	now := time.Now().UTC()
	var outputArg, errArg interface{}
	if output != "" {
		outputArg = output
	}
	if errMsg != "" {
		errArg = errMsg
	}

	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE tasks SET
			status = ?,
			output = ?,
			error_message = ?,
			updated_at = ?,
			completed_at = CASE WHEN completed_at IS NULL THEN ? ELSE completed_at END
		WHERE provider_task_id = ?
		  AND `+statusRankExpr+` < `+statusRankExpr,
		"status", "?"))

	res, err := s.db.ExecContext(ctx, query, status, outputArg, errArg, now, now, providerTaskID, status)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) SetShareToken(ctx context.Context, taskID uuid.UUID, token string) error {
	query := s.db.Rebind(`UPDATE tasks SET share_token = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, token, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, taskID, ownerID uuid.UUID) error {
	query := s.db.Rebind(`DELETE FROM tasks WHERE id = ? AND owner_id = ?`)
	res, err := s.db.ExecContext(ctx, query, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- UserStore ---

func (s *sqlStore) ProvisionFederatedUser(ctx context.Context, profile models.FederatedProfile) (*models.User, error) {
	if profile.Email == "" {
		return nil, fmt.Errorf("provision user: email is required")
	}
	now := time.Now().UTC()

	// Single upsert keyed on the email uniqueness constraint: concurrent
	// first logins for the same federated identity converge on one row.
	query := s.db.Rebind(`
		INSERT INTO users (id, email, display_name, federated_subject, federated_issuer, created_at, updated_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			federated_subject = excluded.federated_subject,
			federated_issuer = excluded.federated_issuer,
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
			updated_at = excluded.updated_at,
			last_login_at = excluded.last_login_at
		RETURNING id, email, display_name, federated_subject, federated_issuer,
			subscription_status, subscription_tier, created_at, updated_at, last_login_at`)

	var user models.User
	err := s.db.GetContext(ctx, &user, query,
		uuid.New(), profile.Email, profile.Name, profile.Subject, profile.Issuer, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}

	s.logger.Info("Federated user provisioned",
		zap.String("user_id", user.ID.String()),
		zap.String("issuer", profile.Issuer),
	)
	return &user, nil
}

const userColumns = `id, email, display_name, federated_subject, federated_issuer,
	subscription_status, subscription_tier, created_at, updated_at, last_login_at`

func (s *sqlStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	err := s.db.GetContext(ctx, &user, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	err := s.db.GetContext(ctx, &user, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

func (s *sqlStore) CreateSignInToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	query := s.db.Rebind(`
		INSERT INTO signin_tokens (token_hash, user_id, expires_at, used, created_at)
		VALUES (?, ?, ?, FALSE, ?)`)
	if _, err := s.db.ExecContext(ctx, query, tokenHash, userID, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("create sign-in token: %w", err)
	}
	return nil
}

func (s *sqlStore) ConsumeSignInToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	// Single-statement consume: the used flag flips exactly once.
	query := s.db.Rebind(`
		UPDATE signin_tokens SET used = TRUE
		WHERE token_hash = ? AND used = FALSE AND expires_at > ?
		RETURNING user_id`)

	var userID uuid.UUID
	err := s.db.GetContext(ctx, &userID, query, tokenHash, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrTokenConsumed
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume sign-in token: %w", err)
	}
	return userID, nil
}

// --- QuotaStore ---

func (s *sqlStore) Usage(ctx context.Context, identityKey, scope, period string) (int, error) {
	var count int
	query := s.db.Rebind(`
		SELECT usage_count FROM quota_counters
		WHERE identity_key = ? AND scope = ? AND period = ?`)
	err := s.db.GetContext(ctx, &count, query, identityKey, scope, period)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota usage: %w", err)
	}
	return count, nil
}

func (s *sqlStore) IncrementUsage(ctx context.Context, identityKey, scope, period string, limit int) (bool, int, error) {
	if limit <= 0 {
		// Unmetered tiers still count usage for downstream billing but
		// are never rejected.
		limit = 1 << 30
	}
	now := time.Now().UTC()

	// Reset-or-increment and the limit guard in one statement: a stale
	// period marker restarts the counter at 1, and the WHERE clause makes
	// the boundary check atomic with the write.
	query := s.db.Rebind(`
		INSERT INTO quota_counters (identity_key, scope, period, usage_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (identity_key, scope) DO UPDATE SET
			usage_count = CASE WHEN quota_counters.period <> excluded.period THEN 1 ELSE quota_counters.usage_count + 1 END,
			period = excluded.period,
			updated_at = excluded.updated_at
		WHERE quota_counters.period <> excluded.period OR quota_counters.usage_count < ?
		RETURNING usage_count`)

	var count int
	err := s.db.GetContext(ctx, &count, query, identityKey, scope, period, now, limit)
	if errors.Is(err, sql.ErrNoRows) {
		// Upsert suppressed: already at or over the limit for this period.
		current, readErr := s.Usage(ctx, identityKey, scope, period)
		if readErr != nil {
			return false, 0, readErr
		}
		return false, current, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("increment quota usage: %w", err)
	}
	return true, count, nil
}

func (s *sqlStore) ReleaseUsage(ctx context.Context, identityKey, scope, period string) error {
	query := s.db.Rebind(`
		UPDATE quota_counters SET
			usage_count = CASE WHEN usage_count > 0 THEN usage_count - 1 ELSE 0 END,
			updated_at = ?
		WHERE identity_key = ? AND scope = ? AND period = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), identityKey, scope, period); err != nil {
		return fmt.Errorf("release quota usage: %w", err)
	}
	return nil
}
