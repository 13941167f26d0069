// Package store provides the relational persistence port and its two
// implementations: Postgres for hosted deployments and SQLite for local
// mode. The backend is selected once at process startup by the storage
// driver flag, never per call.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chronomap/chronomap/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrTokenConsumed = errors.New("sign-in token already used or expired")
)

// TaskStore is the usage ledger: minimal task metadata mirrored locally
// while the provider remains the source of truth for content.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetTaskByProviderID(ctx context.Context, providerTaskID string) (*models.Task, error)
	GetTaskByShareToken(ctx context.Context, token string) (*models.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Task, error)
	ListTasksByAnonymousID(ctx context.Context, anonID string, limit, offset int) ([]models.Task, error)

	// UpdateTaskStatus applies a forward-only status transition keyed by
	// provider task id. Backward or repeated transitions are ignored; the
	// returned bool reports whether a row actually changed.
	UpdateTaskStatus(ctx context.Context, providerTaskID string, status models.TaskStatus) (bool, error)

	// CompleteTask records a terminal state with the final output or error.
	// Idempotent under the same monotonic guard as UpdateTaskStatus.
	CompleteTask(ctx context.Context, providerTaskID string, status models.TaskStatus, output string, errMsg string) (bool, error)

	SetShareToken(ctx context.Context, taskID uuid.UUID, token string) error
	DeleteTask(ctx context.Context, taskID, ownerID uuid.UUID) error
}

// UserStore provisions and resolves local accounts for federated identities.
type UserStore interface {
	// ProvisionFederatedUser creates the account for a federated profile,
	// or updates the existing row for the same email. The email uniqueness
	// constraint is the authoritative guard against duplicate accounts
	// under concurrent first logins.
	ProvisionFederatedUser(ctx context.Context, profile models.FederatedProfile) (*models.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateSignInToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	// ConsumeSignInToken marks a sign-in token used and returns its user.
	// A token can be consumed exactly once, within its TTL.
	ConsumeSignInToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
}

// QuotaStore holds per-identity usage counters, one row per (identity,
// scope). Rolling reset is encoded in the period marker: a stale marker
// means the counter restarts at 1 on the next increment, with no
// background job.
type QuotaStore interface {
	// Usage returns the count for the current period; a stored row whose
	// period marker differs from the given one counts as zero.
	Usage(ctx context.Context, identityKey, scope, period string) (int, error)

	// IncrementUsage atomically applies "reset-or-increment, but only under
	// the limit" in a single statement, so two concurrent requests at the
	// boundary can never both be admitted. limit <= 0 means unmetered.
	IncrementUsage(ctx context.Context, identityKey, scope, period string, limit int) (admitted bool, count int, err error)

	// ReleaseUsage undoes one increment after a failed submission so the
	// caller is not charged for work the provider never accepted.
	ReleaseUsage(ctx context.Context, identityKey, scope, period string) error
}

// Store is the full persistence port.
type Store interface {
	TaskStore
	UserStore
	QuotaStore

	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
