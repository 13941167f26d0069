package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/config"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/provider"
	"github.com/chronomap/chronomap/internal/quota"
	"github.com/chronomap/chronomap/internal/session"
	"github.com/chronomap/chronomap/internal/store"
	"github.com/chronomap/chronomap/internal/streaming"
	"github.com/chronomap/chronomap/internal/task"
)

// fakeResearchProvider scripts the provider for handler tests.
type fakeResearchProvider struct {
	mu        sync.Mutex
	submitErr error
	nextID    int
	script    []*provider.TaskSnapshot
	calls     int
	probeErr  error
}

func (f *fakeResearchProvider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return "prov-" + string(rune('a'+f.nextID-1)), nil
}

func (f *fakeResearchProvider) GetTask(_ context.Context, taskID string) (*provider.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	snap := *f.script[idx]
	snap.TaskID = taskID
	return &snap, nil
}

func (f *fakeResearchProvider) Probe(_ context.Context) error { return f.probeErr }

type testEnv struct {
	srv      *httptest.Server
	store    store.Store
	fp       *fakeResearchProvider
	codec    *quota.CookieCodec
	jwt      *auth.JWTManager
	sessions *session.Manager
	streams  *streaming.Manager
}

func newTestEnv(t *testing.T, fp *fakeResearchProvider) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.Open(context.Background(), config.StorageConfig{Driver: "sqlite", Path: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	sessions, err := session.NewManager(config.RedisConfig{Addr: mr.Addr(), SessionTTL: time.Hour}, logger)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/token"):
			json.NewEncoder(w).Encode(auth.FederatedTokens{AccessToken: "fed-at", RefreshToken: "fed-rt", TokenType: "Bearer", ExpiresIn: 3600})
		default:
			json.NewEncoder(w).Encode(map[string]string{"sub": "sub-1", "email": "web@example.com", "name": "Web"})
		}
	}))
	t.Cleanup(idp.Close)

	jwtManager := auth.NewJWTManager("test-key", time.Minute, time.Hour)
	bridge := auth.NewBridge(config.AuthConfig{
		TokenEndpoint:    idp.URL + "/token",
		UserinfoEndpoint: idp.URL + "/userinfo",
		ClientID:         "chronomap-web",
		AllowedRedirects: []string{"https://app.example.com/callback"},
	}, logger)
	authService := auth.NewService(st, sessions, jwtManager, bridge, time.Minute, logger)

	streams := streaming.NewManager(64)
	orchestrator := task.NewOrchestrator(fp, st, streams, time.Millisecond, 50, logger)
	gate := quota.NewGate(st, false, logger)
	codec := quota.NewCookieCodec("cookie-secret")

	server := NewServer(orchestrator, st, gate, codec, authService, auth.NewMiddleware(jwtManager), sessions, streams, fp, logger)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, fp: fp, codec: codec, jwt: jwtManager, sessions: sessions, streams: streams}
}

func completedScript(output string) []*provider.TaskSnapshot {
	return []*provider.TaskSnapshot{
		{Status: models.TaskStatusRunning, Messages: []models.Message{{ContentType: "text", Role: "assistant", Data: "researching"}}},
		{Status: models.TaskStatusCompleted, Messages: []models.Message{{ContentType: "text", Role: "assistant", Data: "researching"}}, Output: output, Sources: []models.Source{{URL: "https://example.com"}}},
	}
}

type sseFrame struct {
	event string
	data  models.ProgressEvent
}

// postResearch submits a research request and parses the SSE stream.
func postResearch(t *testing.T, env *testEnv, body string, cookie *http.Cookie) (*http.Response, []sseFrame) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/research", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		return resp, nil
	}

	var frames []sseFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	var current sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data); err != nil {
				t.Fatalf("bad frame data: %v", err)
			}
			frames = append(frames, current)
			current = sseFrame{}
		}
	}
	resp.Body.Close()
	return resp, frames
}

func anonCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == anonCookieName {
			return c
		}
	}
	return nil
}

const validBody = `{"location":{"name":"Tristan da Cunha","lat":-37.11,"lng":-12.28}}`

func TestResearchRequiresLocation(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	resp, _ := postResearch(t, env, `{"messages":[]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestResearchAnonymousStream(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("the report")})

	resp, frames := postResearch(t, env, validBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(frames) == 0 || frames[0].event != "task_created" {
		t.Fatalf("first frame must be task_created, got %v", frames)
	}
	if frames[len(frames)-1].event != "done" {
		t.Fatalf("last frame must be done, got %s", frames[len(frames)-1].event)
	}
	var sawContent bool
	for _, f := range frames {
		if f.event == "content" && f.data.Content == "the report" {
			sawContent = true
		}
	}
	if !sawContent {
		t.Fatal("content frame missing")
	}
	if anonCookie(resp) == nil {
		t.Fatal("anonymous submission must set the identity cookie")
	}
}

func TestResearchAnonymousLifetimeLimit(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	resp, _ := postResearch(t, env, validBody, nil)
	cookie := anonCookie(resp)
	if cookie == nil {
		t.Fatal("no identity cookie on first request")
	}

	resp2, _ := postResearch(t, env, validBody, cookie)
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second anonymous task must be rejected, got %d", resp2.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp2.Body).Decode(&body)
	resp2.Body.Close()
	if body["error"] != "quota_exceeded" || body["tier"] != "anonymous" {
		t.Fatalf("unexpected quota error body: %v", body)
	}
}

func TestResearchTamperedCookieGetsFreshIdentity(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	resp, _ := postResearch(t, env, validBody, nil)
	cookie := anonCookie(resp)

	// Tamper with the cookie payload; the signature no longer matches,
	// so the request proceeds as a brand-new visitor.
	tampered := &http.Cookie{Name: anonCookieName, Value: "x" + cookie.Value}
	resp2, frames := postResearch(t, env, validBody, tampered)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("tampered cookie should yield a fresh identity, got %d", resp2.StatusCode)
	}
	if len(frames) == 0 {
		t.Fatal("expected a stream for the fresh identity")
	}
	fresh := anonCookie(resp2)
	if fresh == nil || fresh.Value == cookie.Value {
		t.Fatal("a fresh identity cookie should be issued")
	}
}

func TestResearchInsufficientCreditRefundsQuota(t *testing.T) {
	fp := &fakeResearchProvider{submitErr: provider.ErrInsufficientCredit, script: completedScript("out")}
	env := newTestEnv(t, fp)

	resp, _ := postResearch(t, env, validBody, nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["error"] != "insufficient_credit" {
		t.Fatalf("expected actionable credit error, got %v", body)
	}
	cookie := anonCookie(resp)

	// The failed submission refunded the unit: the same identity can
	// try again once the provider recovers.
	fp.mu.Lock()
	fp.submitErr = nil
	fp.mu.Unlock()
	resp2, _ := postResearch(t, env, validBody, cookie)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("refunded identity should be admitted, got %d", resp2.StatusCode)
	}
}

func TestResearchProviderBusy(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{submitErr: provider.ErrProviderBusy})
	resp, _ := postResearch(t, env, validBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %d", err, resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %v %d", err, resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReadyzDegradedWhenProviderDown(t *testing.T) {
	fp := &fakeResearchProvider{script: completedScript("out")}
	fp.probeErr = context.DeadlineExceeded
	env := newTestEnv(t, fp)

	resp, err := http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the provider is down, got %d", resp.StatusCode)
	}
}
