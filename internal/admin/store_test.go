package admin

import (
    "context"
    "database/sql"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/store"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, func()) {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    return NewSQLStore(&store.DB{DB: db}), mock, func() { db.Close() }
}

func TestSQLStoreListConversations(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    now := time.Now()
    cols := []string{"id", "phone_hash", "organization_id", "state", "created_at", "updated_at", "expires_at", "completed_at"}
    mock.ExpectQuery("SELECT id, phone_hash, organization_id, state, created_at, updated_at, expires_at, completed_at").
        WillReturnRows(sqlmock.NewRows(cols).
            AddRow("conv-1", "hash-1", "org-1", "CONFIRMED", now, now, now.Add(time.Hour), nil))

    rows, err := s.ListConversations(context.Background(), Filter{State: models.StateConfirmed, Limit: 10})
    require.NoError(t, err)
    require.Len(t, rows, 1)
    assert.Equal(t, "conv-1", rows[0].ID)
    assert.Equal(t, models.StateConfirmed, rows[0].State)
    assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSQLStoreListConversationsStuckAppliesSLAFilter(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    cols := []string{"id", "phone_hash", "organization_id", "state", "created_at", "updated_at", "expires_at", "completed_at"}
    mock.ExpectQuery("state NOT IN").WillReturnRows(sqlmock.NewRows(cols))

    _, err := s.ListConversations(context.Background(), Filter{Stuck: true, StuckSLA: 30 * time.Minute})
    require.NoError(t, err)
    require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetConversationDetailNotFound(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    mock.ExpectQuery("SELECT id, phone_hash, organization_id, state, order_data").
        WillReturnError(sql.ErrNoRows)

    _, err := s.GetConversationDetail(context.Background(), "missing")
    require.Error(t, err)
}

func TestSQLStoreGetConversationDetailDecodesOrderData(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    now := time.Now()
    cols := []string{"id", "phone_hash", "organization_id", "state", "order_data", "created_at", "updated_at", "expires_at", "completed_at"}
    orderJSON := `{"pendingOrders":[{"orderId":"o1","modality":"MRI"}]}`
    mock.ExpectQuery("SELECT id, phone_hash, organization_id, state, order_data").
        WillReturnRows(sqlmock.NewRows(cols).
            AddRow("conv-2", "hash-2", "org-1", "CHOOSING_LOCATION", []byte(orderJSON), now, now, now.Add(time.Hour), nil))

    detail, err := s.GetConversationDetail(context.Background(), "conv-2")
    require.NoError(t, err)
    assert.Equal(t, models.StateChoosingLocation, detail.State)
    require.Len(t, detail.OrderData.PendingOrders, 1)
    assert.Equal(t, "o1", detail.OrderData.PendingOrders[0].OrderID)
}

func TestSQLStoreCountsByState(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    mock.ExpectQuery("SELECT state, COUNT").
        WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
            AddRow("CONFIRMED", 5).
            AddRow("CANCELLED", 2))

    rows, err := s.CountsByState(context.Background(), time.Now().Add(-24*time.Hour), time.Now())
    require.NoError(t, err)
    require.Len(t, rows, 2)
    assert.Equal(t, int64(5), rows[0].Count)
}

func TestSQLStoreAverageTimeInStateAttributesGapToLeftState(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    base := time.Now()
    mock.ExpectQuery("SELECT conversation_id, detail, timestamp").
        WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "detail", "timestamp"}).
            AddRow("conv-1", []byte(`{"from":"CONSENT_PENDING","to":"CHOOSING_LOCATION"}`), base).
            AddRow("conv-1", []byte(`{"from":"CHOOSING_LOCATION","to":"CHOOSING_TIME"}`), base.Add(2*time.Minute)))

    rows, err := s.AverageTimeInState(context.Background(), base.Add(-time.Hour), base.Add(time.Hour))
    require.NoError(t, err)
    require.Len(t, rows, 1)
    assert.Equal(t, models.StateChoosingLocation, rows[0].State)
    assert.InDelta(t, 120, rows[0].AverageSeconds, 0.01)
    assert.Equal(t, int64(1), rows[0].SampleSize)
}

func TestSQLStoreSMSVolumeByDirection(t *testing.T) {
    s, mock, closeFn := newMockStore(t)
    defer closeFn()

    mock.ExpectQuery("SELECT action, COUNT").
        WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
            AddRow("INBOUND_SMS", 3).
            AddRow("OUTBOUND_SMS", 4))

    vol, err := s.SMSVolumeByDirection(context.Background(), time.Now().Add(-time.Hour), time.Now())
    require.NoError(t, err)
    assert.Equal(t, int64(3), vol.Inbound)
    assert.Equal(t, int64(4), vol.Outbound)
}
