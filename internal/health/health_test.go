package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/health"
)

type fixedCount int

func (f fixedCount) ConnectionCount() int { return int(f) }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New(fixedCount(3))

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["connections"] != float64(3) {
		t.Errorf("connections = %v, want 3", body["connections"])
	}
}

func TestHealthz_NilCounterOmitsConnections(t *testing.T) {
	t.Parallel()
	h := health.New(nil)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := decodeBody(t, rec)
	if _, ok := body["connections"]; ok {
		t.Error("connections should be omitted without a counter")
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()
	h := health.New(nil,
		health.Checker{Name: "history", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "agent", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	checks := body["checks"].(map[string]any)
	if checks["history"] != "ok" || checks["agent"] != "ok" {
		t.Errorf("checks = %v, want all ok", checks)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	t.Parallel()
	h := health.New(nil,
		health.Checker{Name: "history", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		health.Checker{Name: "agent", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "fail" {
		t.Errorf("status field = %v, want fail", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["history"] != "fail: connection refused" {
		t.Errorf("history check = %v", checks["history"])
	}
	if checks["agent"] != "ok" {
		t.Errorf("agent check = %v, want ok", checks["agent"])
	}
}

func TestReadyz_NoCheckersIsReady(t *testing.T) {
	t.Parallel()
	h := health.New(nil)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	health.New(fixedCount(0)).Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
