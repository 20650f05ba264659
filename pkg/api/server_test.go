package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vvault-systems/warden/pkg/config"
	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/service"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		SpoolBackend:       config.SpoolFile,
		SpoolDir:           t.TempDir(),
		ManifestTTL:        24 * time.Hour,
		SweepInterval:      time.Hour,
		PrimaryConstructID: "katana-001",
		ServiceName:        "warden-test",
	}
	svc, err := service.New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	ts := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAPILifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/manifests", map[string]any{
		"agent_id": "katana-001",
		"user_id":  "user-1",
		"proposal": map[string]any{
			"scope":          "memory.write",
			"target":         "memory_log",
			"proposed_state": map[string]any{"entry": "remember this"},
			"risk_level":     "low",
			"reversible":     true,
			"previewable":    true,
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("propose: unexpected status %d", resp.StatusCode)
	}
	m := decodeBody[manifest.Manifest](t, resp)
	if m.Status != manifest.StatusProposed {
		t.Fatalf("unexpected status %s", m.Status)
	}

	base := fmt.Sprintf("%s/api/v1/manifests/%s", ts.URL, m.ManifestID)

	resp = postJSON(t, base+"/preview", map[string]any{"user_id": "user-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: unexpected status %d", resp.StatusCode)
	}
	preview := decodeBody[manifest.Preview](t, resp)
	if preview.Target != "memory_log" {
		t.Fatalf("preview lost target: %+v", preview)
	}

	resp = postJSON(t, base+"/approve", map[string]any{"user_id": "user-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: unexpected status %d", resp.StatusCode)
	}

	resp = postJSON(t, base+"/execute", map[string]any{"user_id": "user-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: unexpected status %d", resp.StatusCode)
	}
	exec := decodeBody[struct {
		Manifest manifest.Manifest `json:"manifest"`
		JobID    string            `json:"job_id"`
	}](t, resp)
	if exec.Manifest.Status != manifest.StatusQueued || exec.JobID == "" {
		t.Fatalf("unexpected execute result: %+v", exec)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatal(err)
	}
	jobs := decodeBody[[]manifest.Job](t, resp)
	if len(jobs) != 1 || jobs[0].JobID != exec.JobID {
		t.Fatalf("spool out of step: %+v", jobs)
	}

	resp, err = http.Get(base + "/audit")
	if err != nil {
		t.Fatal(err)
	}
	trail := decodeBody[[]json.RawMessage](t, resp)
	if len(trail) == 0 {
		t.Fatal("lifecycle left no audit trail")
	}
}

func TestAPIProposeDeniedScope(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/manifests", map[string]any{
		"agent_id": "stranger-9",
		"user_id":  "user-1",
		"proposal": map[string]any{"scope": "memory.write", "risk_level": "low"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	problem := decodeBody[ProblemDetail](t, resp)
	if problem.Code == "" {
		t.Fatalf("problem detail missing pipeline code: %+v", problem)
	}
	if resp.Header.Get("Content-Type") != "application/problem+json" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

func TestAPIManifestNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/manifests/nope")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	problem := decodeBody[ProblemDetail](t, resp)
	if problem.Code != manifest.ErrCodeNotFound {
		t.Fatalf("unexpected code %q", problem.Code)
	}
}

func TestAPIPendingRequiresUser(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/pending")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPISnapshot(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/constructs/katana-001/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	snap := decodeBody[map[string]any](t, resp)
	if snap["agent_id"] != "katana-001" || snap["permissions"] == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
