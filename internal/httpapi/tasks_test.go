package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/chronomap/chronomap/internal/models"
)

func signIn(t *testing.T, env *testEnv, email string) (*models.User, string) {
	t.Helper()
	user, err := env.store.ProvisionFederatedUser(context.Background(), models.FederatedProfile{
		Email: email, Subject: "sub-" + email, Issuer: "idp",
	})
	if err != nil {
		t.Fatalf("provision user: %v", err)
	}
	pair, _, err := env.jwt.GenerateTokenPair(user)
	if err != nil {
		t.Fatalf("token pair: %v", err)
	}
	return user, pair.AccessToken
}

func doJSON(t *testing.T, method, url, body, bearer string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestListTasksScopedToOwner(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	ctx := context.Background()

	owner, token := signIn(t, env, "owner@example.com")
	other, _ := signIn(t, env, "other@example.com")

	for _, task := range []*models.Task{
		{ProviderTaskID: "p-1", OwnerID: &owner.ID, Location: "Lisbon"},
		{ProviderTaskID: "p-2", OwnerID: &owner.ID, Location: "Porto"},
		{ProviderTaskID: "p-3", OwnerID: &other.ID, Location: "Faro"},
	} {
		if err := env.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/v1/tasks", "", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Tasks []models.Task `json:"tasks"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Tasks) != 2 {
		t.Fatalf("expected the owner's 2 tasks, got %d", len(body.Tasks))
	}
	for _, task := range body.Tasks {
		if task.OwnerID == nil || *task.OwnerID != owner.ID {
			t.Fatalf("foreign task leaked into listing: %s", task.ProviderTaskID)
		}
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	_, token := signIn(t, env, "empty@example.com")

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/v1/tasks", "", token)
	defer resp.Body.Close()
	var body map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&body)
	if string(body["tasks"]) != "[]" {
		t.Fatalf("empty history must serialize as [], got %s", body["tasks"])
	}
}

func TestGetTaskAccessControl(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	ctx := context.Background()

	owner, ownerToken := signIn(t, env, "acl-owner@example.com")
	_, strangerToken := signIn(t, env, "acl-stranger@example.com")

	task := &models.Task{ProviderTaskID: "p-acl", OwnerID: &owner.ID, Location: "Lisbon"}
	if err := env.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed: %v", err)
	}

	url := env.srv.URL + "/api/v1/tasks/" + task.ID.String()

	resp := doJSON(t, http.MethodGet, url, "", ownerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner read: expected 200, got %d", resp.StatusCode)
	}

	// Strangers and anonymous callers get the same 404 as a missing id.
	resp = doJSON(t, http.MethodGet, url, "", strangerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger read: expected 404, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, url, "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("anonymous read: expected 404, got %d", resp.StatusCode)
	}
}

func TestShareTaskIsIdempotent(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	ctx := context.Background()

	owner, token := signIn(t, env, "share@example.com")
	task := &models.Task{ProviderTaskID: "p-share", OwnerID: &owner.ID, Location: "Lisbon"}
	if err := env.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed: %v", err)
	}
	url := env.srv.URL + "/api/v1/tasks/" + task.ID.String() + "/share"

	var first, second map[string]string
	resp := doJSON(t, http.MethodPost, url, "", token)
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, url, "", token)
	json.NewDecoder(resp.Body).Decode(&second)
	resp.Body.Close()

	if first["share_token"] == "" || first["share_token"] != second["share_token"] {
		t.Fatalf("share token must be stable: %q vs %q", first["share_token"], second["share_token"])
	}

	// Anyone holding the token can poll the task.
	pollURL := env.srv.URL + "/api/v1/research/poll?taskId=p-share&share_token=" + first["share_token"]
	resp = doJSON(t, http.MethodGet, pollURL, "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share token poll: expected 200, got %d", resp.StatusCode)
	}
}

func TestDeleteTaskOwnerOnly(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	ctx := context.Background()

	owner, ownerToken := signIn(t, env, "del-owner@example.com")
	_, strangerToken := signIn(t, env, "del-stranger@example.com")

	task := &models.Task{ProviderTaskID: "p-del", OwnerID: &owner.ID, Location: "Lisbon"}
	if err := env.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed: %v", err)
	}
	url := env.srv.URL + "/api/v1/tasks/" + task.ID.String()

	resp := doJSON(t, http.MethodDelete, url, "", strangerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger delete: expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, url, "", ownerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("owner delete: expected 204, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, url, "", ownerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted task should be gone, got %d", resp.StatusCode)
	}
}

func TestPollAnonymousCookieScope(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	resp, frames := postResearch(t, env, validBody, nil)
	cookie := anonCookie(resp)
	if cookie == nil || len(frames) == 0 {
		t.Fatal("submission did not produce a cookie and stream")
	}
	taskID := frames[0].data.TaskID

	pollURL := env.srv.URL + "/api/v1/research/poll?taskId=" + taskID

	req, _ := http.NewRequest(http.MethodGet, pollURL, nil)
	req.AddCookie(cookie)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("cookie holder poll: expected 200, got %d", resp2.StatusCode)
	}

	// Without the cookie the task does not exist, as far as the caller
	// can tell.
	resp3 := doJSON(t, http.MethodGet, pollURL, "", "")
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("cookieless poll: expected 404, got %d", resp3.StatusCode)
	}
}
