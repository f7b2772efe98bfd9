package audit

import (
    "context"
    "errors"
    "testing"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/logger"
)

type fakeStore struct {
    rows    []models.AuditEntry
    failErr error
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    if f.failErr != nil {
        return f.failErr
    }
    f.rows = append(f.rows, row)
    return nil
}

func init() {
    _ = logger.Init(logger.Config{Level: "error", Format: "text", Output: "stdout"})
}

func TestRecordAppendsRow(t *testing.T) {
    store := &fakeStore{}
    r := New(store)

    err := r.Record(context.Background(), Entry{
        ConversationID: "conv-1",
        PhoneHash:      "hash-1",
        Action:         models.AuditActionInboundSMS,
        Detail:         map[string]interface{}{"body_length": 3},
    })
    if err != nil {
        t.Fatalf("Record: %v", err)
    }
    if len(store.rows) != 1 {
        t.Fatalf("expected 1 row, got %d", len(store.rows))
    }
    if store.rows[0].ConversationID != "conv-1" {
        t.Errorf("ConversationID = %q, want conv-1", store.rows[0].ConversationID)
    }
}

func TestRecordSurfacesStoreError(t *testing.T) {
    store := &fakeStore{failErr: errors.New("connection refused")}
    r := New(store)

    err := r.Record(context.Background(), Entry{
        ConversationID: "conv-1",
        PhoneHash:      "hash-1",
        Action:         models.AuditActionOutboundSMS,
    })
    if err == nil {
        t.Fatal("expected error when store fails")
    }
}
