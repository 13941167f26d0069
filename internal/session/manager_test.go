package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/config"
	"github.com/chronomap/chronomap/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := NewManager(config.RedisConfig{Addr: mr.Addr(), SessionTTL: time.Hour}, zap.NewNop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func testUser() *models.User {
	return &models.User{
		ID:    uuid.New(),
		Email: "s@example.com",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.CreateSession(ctx, testUser(), "rt-hash")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := mgr.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Email != "s@example.com" || got.RefreshTokenHash != "rt-hash" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Tier != "free" {
		t.Fatalf("user without subscription should map to free tier, got %q", got.Tier)
	}
}

func TestGetSessionSurvivesCacheLoss(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.CreateSession(ctx, testUser(), "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Simulate a fresh replica: empty local cache, Redis intact.
	mgr.mu.Lock()
	mgr.localCache = make(map[string]*Session)
	mgr.cacheAccess = make(map[string]time.Time)
	mgr.mu.Unlock()

	got, err := mgr.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after cache loss: %v", err)
	}
	if got.UserID != created.UserID {
		t.Fatal("session reloaded from redis does not match")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.GetSession(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "old-hash")
	expiry := created.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	if err := mgr.RotateRefreshToken(ctx, created.ID, "new-hash"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, _ := mgr.GetSession(ctx, created.ID)
	if got.RefreshTokenHash != "new-hash" {
		t.Fatalf("hash not rotated: %q", got.RefreshTokenHash)
	}
	if !got.ExpiresAt.After(expiry) {
		t.Fatal("rotation should extend the session")
	}
}

func TestSetActiveTask(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "")
	if err := mgr.SetActiveTask(ctx, created.ID, "task-42"); err != nil {
		t.Fatalf("set active task: %v", err)
	}
	got, _ := mgr.GetSession(ctx, created.ID)
	if got.ActiveTaskID != "task-42" {
		t.Fatalf("active task not persisted: %q", got.ActiveTaskID)
	}
}

func TestGetSessionReturnsIndependentCopy(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "hash")

	first, err := mgr.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.ActiveTaskID = "scribble"
	first.RefreshTokenHash = "scribble"

	second, err := mgr.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.ActiveTaskID != "" || second.RefreshTokenHash != "hash" {
		t.Fatalf("caller mutation leaked into the cache: %+v", second)
	}
}

// Two requests on the same session id must not race on the session's
// fields: one refreshing tokens, one pinning the active task.
func TestConcurrentSessionMutation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "hash-0")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = mgr.RotateRefreshToken(ctx, created.ID, "hash-"+strconv.Itoa(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = mgr.SetActiveTask(ctx, created.ID, "task-"+strconv.Itoa(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if s, err := mgr.GetSession(ctx, created.ID); err == nil {
				_ = s.RefreshTokenHash
				_ = s.ActiveTaskID
			}
		}
	}()
	wg.Wait()

	got, err := mgr.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after churn: %v", err)
	}
	if got.RefreshTokenHash == "" {
		t.Fatal("session lost its refresh token hash")
	}
}

func TestDeleteSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "")
	if err := mgr.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.GetSession(ctx, created.ID); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	created, _ := mgr.CreateSession(ctx, testUser(), "")

	// Expire it in the local cache copy.
	mgr.mu.Lock()
	mgr.localCache[created.ID].ExpiresAt = time.Now().Add(-time.Minute)
	mgr.mu.Unlock()

	if _, err := mgr.GetSession(ctx, created.ID); err != ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}
