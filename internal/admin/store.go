package admin

import (
    "context"
    "database/sql"
    "encoding/json"
    "time"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/store"
    "github.com/radscheduler/core/pkg/errors"
)

// SQLStore implements Store directly against the conversations and
// audit_entries tables, the same direct-SQL-with-dynamic-WHERE style as the
// teacher's provider.Service.ListProviders.
type SQLStore struct {
    db *store.DB
}

// NewSQLStore builds a SQLStore over the shared connection wrapper.
func NewSQLStore(db *store.DB) *SQLStore {
    return &SQLStore{db: db}
}

func (s *SQLStore) ListConversations(ctx context.Context, f Filter) ([]ConversationSummary, error) {
    query := `
        SELECT id, phone_hash, organization_id, state, created_at, updated_at, expires_at, completed_at
        FROM conversations
        WHERE 1=1`
    var args []interface{}

    if f.State != "" {
        query += " AND state = ?"
        args = append(args, string(f.State))
    }
    if f.From != nil {
        query += " AND created_at >= ?"
        args = append(args, *f.From)
    }
    if f.To != nil {
        query += " AND created_at < ?"
        args = append(args, *f.To)
    }
    if f.Stuck {
        sla := f.StuckSLA
        if sla == 0 {
            sla = time.Minute
        }
        query += " AND state NOT IN (?, ?, ?) AND updated_at < ?"
        args = append(args, string(models.StateConfirmed), string(models.StateCancelled), string(models.StateExpired), time.Now().Add(-sla))
    }

    query += " ORDER BY updated_at DESC"
    if f.Limit > 0 {
        query += " LIMIT ?"
        args = append(args, f.Limit)
        if f.Offset > 0 {
            query += " OFFSET ?"
            args = append(args, f.Offset)
        }
    }

    rows, err := s.db.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list conversations")
    }
    defer rows.Close()

    var out []ConversationSummary
    for rows.Next() {
        var row ConversationSummary
        var state string
        if err := rows.Scan(&row.ID, &row.PhoneHash, &row.OrganizationID, &state,
            &row.CreatedAt, &row.UpdatedAt, &row.ExpiresAt, &row.CompletedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan conversation row")
        }
        row.State = models.ConversationState(state)
        out = append(out, row)
    }
    return out, rows.Err()
}

func (s *SQLStore) GetConversationDetail(ctx context.Context, id string) (*ConversationDetail, error) {
    row := s.db.QueryRowContext(ctx, `
        SELECT id, phone_hash, organization_id, state, order_data,
               created_at, updated_at, expires_at, completed_at
        FROM conversations WHERE id = ?`, id)

    var detail ConversationDetail
    var state string
    var orderDataRaw []byte
    err := row.Scan(&detail.ID, &detail.PhoneHash, &detail.OrganizationID, &state, &orderDataRaw,
        &detail.CreatedAt, &detail.UpdatedAt, &detail.ExpiresAt, &detail.CompletedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrConversationNotFound, "conversation not found").WithContext("id", id)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query conversation detail")
    }
    detail.State = models.ConversationState(state)

    conv := models.Conversation{OrderData: models.JSON{}}
    if len(orderDataRaw) > 0 {
        var m map[string]interface{}
        if err := json.Unmarshal(orderDataRaw, &m); err != nil {
            return nil, errors.Wrap(err, errors.ErrInternal, "failed to decode order_data")
        }
        conv.OrderData = models.JSON(m)
    }
    od, err := conv.DecodeOrderData()
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to decode order_data")
    }
    detail.OrderData = od
    return &detail, nil
}

func (s *SQLStore) CountsByState(ctx context.Context, from, to time.Time) ([]StateCount, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT state, COUNT(*) FROM conversations
        WHERE created_at >= ? AND created_at < ?
        GROUP BY state`, from, to)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to count conversations by state")
    }
    defer rows.Close()

    var out []StateCount
    for rows.Next() {
        var state string
        var count int64
        if err := rows.Scan(&state, &count); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan state count")
        }
        out = append(out, StateCount{State: models.ConversationState(state), Count: count})
    }
    return out, rows.Err()
}

// AverageTimeInState estimates average dwell time per state from
// STATE_TRANSITION audit rows: for each conversation, the gap between
// consecutive transition timestamps is attributed to the state being left.
func (s *SQLStore) AverageTimeInState(ctx context.Context, from, to time.Time) ([]TimeInState, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT conversation_id, detail, timestamp
        FROM audit_entries
        WHERE action = ? AND timestamp >= ? AND timestamp < ?
        ORDER BY conversation_id, timestamp`,
        string(models.AuditActionStateTransition), from, to)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query state transitions")
    }
    defer rows.Close()

    type sample struct {
        convID string
        from   string
        at     time.Time
    }
    var pending *sample
    totals := make(map[string]float64)
    counts := make(map[string]int64)

    for rows.Next() {
        var convID string
        var detailRaw []byte
        var ts time.Time
        if err := rows.Scan(&convID, &detailRaw, &ts); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan transition row")
        }
        var detail struct {
            From string `json:"from"`
            To   string `json:"to"`
        }
        if err := json.Unmarshal(detailRaw, &detail); err != nil {
            continue
        }
        if pending != nil && pending.convID == convID && pending.from == detail.From {
            totals[detail.From] += ts.Sub(pending.at).Seconds()
            counts[detail.From]++
        }
        pending = &sample{convID: convID, from: detail.To, at: ts}
    }

    var out []TimeInState
    for state, total := range totals {
        n := counts[state]
        if n == 0 {
            continue
        }
        out = append(out, TimeInState{
            State:          models.ConversationState(state),
            AverageSeconds: total / float64(n),
            SampleSize:     n,
        })
    }
    return out, rows.Err()
}

func (s *SQLStore) SMSVolumeByDirection(ctx context.Context, from, to time.Time) (SMSVolume, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT action, COUNT(*) FROM audit_entries
        WHERE action IN (?, ?) AND timestamp >= ? AND timestamp < ?
        GROUP BY action`,
        string(models.AuditActionInboundSMS), string(models.AuditActionOutboundSMS), from, to)
    if err != nil {
        return SMSVolume{}, errors.Wrap(err, errors.ErrDatabase, "failed to count sms volume")
    }
    defer rows.Close()

    var vol SMSVolume
    for rows.Next() {
        var action string
        var count int64
        if err := rows.Scan(&action, &count); err != nil {
            return SMSVolume{}, errors.Wrap(err, errors.ErrDatabase, "failed to scan sms volume row")
        }
        switch models.AuditAction(action) {
        case models.AuditActionInboundSMS:
            vol.Inbound = count
        case models.AuditActionOutboundSMS:
            vol.Outbound = count
        }
    }
    return vol, rows.Err()
}
