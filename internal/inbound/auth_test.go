package inbound

import (
    "context"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/models"
)

type capturingAuditStore struct {
    rows []models.AuditEntry
}

func (s *capturingAuditStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    s.rows = append(s.rows, row)
    return nil
}

func TestWithAuthRecordsSecurityEventOnFailure(t *testing.T) {
    store := &capturingAuditStore{}
    recorder := audit.New(store)

    handler := withAuth(authBearer("correct-token"), recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        t.Fatal("inner handler must not run on auth failure")
    }))

    req := httptest.NewRequest(http.MethodPost, "/webhooks/hl7/schedule-response", strings.NewReader("{}"))
    req.Header.Set("Authorization", "Bearer wrong-token")
    req.RemoteAddr = "203.0.113.9:54321"
    w := httptest.NewRecorder()

    handler.ServeHTTP(w, req)

    if w.Code != http.StatusForbidden {
        t.Fatalf("status = %d, want 403", w.Code)
    }
    if len(store.rows) != 1 || store.rows[0].Action != models.AuditActionSecurity {
        t.Fatalf("expected one SECURITY audit row, got %+v", store.rows)
    }
    if store.rows[0].Detail["source_ip"] != "203.0.113.9" {
        t.Errorf("audit detail source_ip = %v, want 203.0.113.9", store.rows[0].Detail["source_ip"])
    }
}

func TestWithAuthAllowsValidBearer(t *testing.T) {
    store := &noopAuditStore{}
    recorder := audit.New(store)

    called := false
    handler := withAuth(authBearer("correct-token"), recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        called = true
        w.WriteHeader(http.StatusOK)
    }))

    req := httptest.NewRequest(http.MethodPost, "/webhooks/hl7/schedule-response", strings.NewReader("{}"))
    req.Header.Set("Authorization", "Bearer correct-token")
    w := httptest.NewRecorder()

    handler.ServeHTTP(w, req)

    if !called {
        t.Fatal("expected inner handler to run on valid auth")
    }
    if w.Code != http.StatusOK {
        t.Errorf("status = %d, want 200", w.Code)
    }
}

func TestSourceIPStripsPort(t *testing.T) {
    req := httptest.NewRequest(http.MethodGet, "/", nil)
    req.RemoteAddr = "198.51.100.7:443"
    if got := sourceIP(req); got != "198.51.100.7" {
        t.Errorf("sourceIP = %q, want 198.51.100.7", got)
    }
}
