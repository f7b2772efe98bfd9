package store

import (
    "context"
    "database/sql"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"

    "github.com/radscheduler/core/internal/models"
)

func newMockStore(t *testing.T) (*DB, sqlmock.Sqlmock) {
    t.Helper()
    mockDB, mock, err := sqlmock.New()
    if err != nil {
        t.Fatalf("sqlmock.New: %v", err)
    }
    t.Cleanup(func() { mockDB.Close() })

    db := &DB{
        DB:     mockDB,
        cfg:    Config{RetryAttempts: 0, RetryDelay: time.Millisecond},
        health: true,
    }
    return db, mock
}

func TestCreateOrAppendOrderCreatesNewConversation(t *testing.T) {
    db, mock := newMockStore(t)
    store := NewConversationStore(db)

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data`).
        WithArgs("hash-1").
        WillReturnError(sql.ErrNoRows)
    mock.ExpectExec(`INSERT INTO conversations`).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectCommit()

    order := models.Order{OrderID: "O1", Modality: "XR"}
    conv, appended, err := store.CreateOrAppendOrder(context.Background(), "hash-1", "enc-1", "org-1", order, 24*time.Hour, models.StateConsentPending)
    if err != nil {
        t.Fatalf("CreateOrAppendOrder: %v", err)
    }
    if appended {
        t.Errorf("expected a new conversation, got appended=true")
    }
    if conv.PhoneHash != "hash-1" {
        t.Errorf("PhoneHash = %q, want hash-1", conv.PhoneHash)
    }
    if conv.State != models.StateConsentPending {
        t.Errorf("State = %q, want CONSENT_PENDING", conv.State)
    }

    if err := mock.ExpectationsWereMet(); err != nil {
        t.Errorf("unmet expectations: %v", err)
    }
}

func TestTransitionStateConflict(t *testing.T) {
    db, mock := newMockStore(t)
    store := NewConversationStore(db)

    mock.ExpectBegin()
    mock.ExpectExec(`UPDATE conversations SET`).
        WillReturnResult(sqlmock.NewResult(0, 0))
    mock.ExpectRollback()

    err := store.TransitionState(context.Background(), "conv-1", models.StateConsentPending, models.StateChoosingLocation, nil)
    if err == nil {
        t.Fatal("expected CAS conflict error")
    }

    if err := mock.ExpectationsWereMet(); err != nil {
        t.Errorf("unmet expectations: %v", err)
    }
}

func TestTransitionStateSuccess(t *testing.T) {
    db, mock := newMockStore(t)
    store := NewConversationStore(db)

    mock.ExpectBegin()
    mock.ExpectExec(`UPDATE conversations SET`).
        WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    err := store.TransitionState(context.Background(), "conv-1", models.StateConsentPending, models.StateChoosingLocation, nil)
    if err != nil {
        t.Fatalf("TransitionState: %v", err)
    }

    if err := mock.ExpectationsWereMet(); err != nil {
        t.Errorf("unmet expectations: %v", err)
    }
}
