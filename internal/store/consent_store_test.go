package store

import (
    "context"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"

    "github.com/radscheduler/core/internal/models"
)

func TestConsentGetNotFound(t *testing.T) {
    db, mock := newMockStore(t)
    store := NewConsentStore(db)

    mock.ExpectQuery(`SELECT phone_hash, consent_given, consent_timestamp, consent_method, revoked_at`).
        WithArgs("hash-1").
        WillReturnRows(sqlmock.NewRows([]string{"phone_hash", "consent_given", "consent_timestamp", "consent_method", "revoked_at"}))

    c, err := store.Get(context.Background(), "hash-1")
    if err != nil {
        t.Fatalf("Get: %v", err)
    }
    if c != nil {
        t.Errorf("expected nil consent, got %+v", c)
    }
}

func TestConsentUpsert(t *testing.T) {
    db, mock := newMockStore(t)
    store := NewConsentStore(db)

    mock.ExpectExec(`INSERT INTO consents`).
        WillReturnResult(sqlmock.NewResult(0, 1))

    err := store.Upsert(context.Background(), "hash-1", true, models.ConsentMethodSMSReplyYes, nil)
    if err != nil {
        t.Fatalf("Upsert: %v", err)
    }
    if err := mock.ExpectationsWereMet(); err != nil {
        t.Errorf("unmet expectations: %v", err)
    }
}
