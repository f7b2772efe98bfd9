package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

// ConversationStore owns reads and writes against the conversations table.
type ConversationStore struct {
    db *DB
}

// NewConversationStore builds a ConversationStore over the given connection wrapper.
func NewConversationStore(db *DB) *ConversationStore {
    return &ConversationStore{db: db}
}

// CreateOrAppendOrder is the single transactional entry point for an inbound
// order webhook: it either creates a new Conversation for phoneHash, or
// appends order to the pendingOrders of the existing non-terminal
// Conversation for that patient. The SELECT...FOR UPDATE on the candidate
// row serializes concurrent order webhooks for the same patient, the same
// way the teacher's DIDManager.AllocateDID serializes concurrent DID
// allocation for a provider.
func (s *ConversationStore) CreateOrAppendOrder(ctx context.Context, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, bool, error) {
    var result *models.Conversation
    var appended bool

    err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
        row := tx.QueryRowContext(ctx, `
            SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data,
                   created_at, updated_at, expires_at, completed_at,
                   slot_request_sent_at, slot_retry_count, slot_request_failed_at
            FROM conversations
            WHERE active_phone_hash = ?
            FOR UPDATE`, phoneHash)

        existing, err := scanConversation(row)
        if err == sql.ErrNoRows {
            conv, createErr := createConversation(ctx, tx, phoneHash, phoneEncrypted, organizationID, order, sessionTTL, initialState)
            if createErr != nil {
                return createErr
            }
            result = conv
            appended = false
            return nil
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to query existing conversation")
        }

        od, err := existing.DecodeOrderData()
        if err != nil {
            return errors.Wrap(err, errors.ErrInternal, "failed to decode order_data")
        }
        for _, pending := range od.PendingOrders {
            if pending.OrderID == order.OrderID {
                result = existing
                appended = true
                return nil
            }
        }
        od.PendingOrders = append(od.PendingOrders, order)
        if err := existing.EncodeOrderData(od); err != nil {
            return errors.Wrap(err, errors.ErrInternal, "failed to encode order_data")
        }

        if _, err := tx.ExecContext(ctx, `
            UPDATE conversations SET order_data = ?, updated_at = ? WHERE id = ?`,
            mustJSON(existing.OrderData), time.Now(), existing.ID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to append order")
        }

        result = existing
        appended = true
        return nil
    })

    if err != nil {
        return nil, false, err
    }
    return result, appended, nil
}

func createConversation(ctx context.Context, tx *sql.Tx, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, error) {
    now := time.Now()
    conv := &models.Conversation{
        ID:             uuid.NewString(),
        PhoneHash:      phoneHash,
        PhoneEncrypted: phoneEncrypted,
        OrganizationID: organizationID,
        State:          initialState,
        CreatedAt:      now,
        UpdatedAt:      now,
        ExpiresAt:      now.Add(sessionTTL),
    }
    if err := conv.EncodeOrderData(models.OrderData{PendingOrders: []models.Order{order}}); err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to encode order_data")
    }

    _, err := tx.ExecContext(ctx, `
        INSERT INTO conversations
            (id, phone_hash, phone_encrypted, organization_id, state, order_data,
             created_at, updated_at, expires_at, slot_retry_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
        conv.ID, conv.PhoneHash, conv.PhoneEncrypted, conv.OrganizationID, string(conv.State),
        mustJSON(conv.OrderData), conv.CreatedAt, conv.UpdatedAt, conv.ExpiresAt)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to insert conversation")
    }
    return conv, nil
}

// TransitionState performs a compare-and-swap state transition: the update
// only applies if the row's current state still matches expected. Zero rows
// affected maps to ErrStateConflict so the engine can treat it as "someone
// else already moved this conversation" rather than a hard failure.
func (s *ConversationStore) TransitionState(ctx context.Context, conversationID string, expected, newState models.ConversationState, fields map[string]interface{}) error {
    return s.db.Transaction(ctx, func(tx *sql.Tx) error {
        setClauses := "state = ?, updated_at = ?"
        args := []interface{}{string(newState), time.Now()}

        if newState.IsTerminal() {
            setClauses += ", completed_at = ?"
            args = append(args, time.Now())
        }

        for col, val := range fields {
            setClauses += fmt.Sprintf(", %s = ?", col)
            args = append(args, val)
        }

        args = append(args, conversationID, string(expected))
        query := fmt.Sprintf("UPDATE conversations SET %s WHERE id = ? AND state = ?", setClauses)

        res, err := tx.ExecContext(ctx, query, args...)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to transition conversation state")
        }
        rows, err := res.RowsAffected()
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to read rows affected")
        }
        if rows == 0 {
            return errors.New(errors.ErrStateConflict, "conversation state changed concurrently").
                WithContext("conversation_id", conversationID).
                WithContext("expected_state", string(expected))
        }
        return nil
    })
}

// GetByID fetches a single conversation by id.
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
    row := s.db.QueryRowContext(ctx, `
        SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data,
               created_at, updated_at, expires_at, completed_at,
               slot_request_sent_at, slot_retry_count, slot_request_failed_at
        FROM conversations WHERE id = ?`, id)

    conv, err := scanConversation(row)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrConversationNotFound, "conversation not found").WithContext("id", id)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query conversation")
    }
    return conv, nil
}

// GetActiveByPhoneHash fetches the single non-terminal conversation for a patient, if any.
func (s *ConversationStore) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*models.Conversation, error) {
    row := s.db.QueryRowContext(ctx, `
        SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data,
               created_at, updated_at, expires_at, completed_at,
               slot_request_sent_at, slot_retry_count, slot_request_failed_at
        FROM conversations WHERE active_phone_hash = ?`, phoneHash)

    conv, err := scanConversation(row)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query active conversation")
    }
    return conv, nil
}

// SweepExpired bulk-transitions every non-terminal conversation whose
// expires_at has passed into EXPIRED.
func (s *ConversationStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
    res, err := s.db.ExecContext(ctx, `
        UPDATE conversations
        SET state = ?, completed_at = ?, updated_at = ?
        WHERE state NOT IN (?, ?, ?) AND expires_at < ?`,
        string(models.StateExpired), now, now,
        string(models.StateConfirmed), string(models.StateCancelled), string(models.StateExpired),
        now)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to sweep expired conversations")
    }
    rows, err := res.RowsAffected()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read rows affected")
    }
    if rows > 0 {
        logger.WithContext(ctx).WithField("count", rows).Info("expiry sweep transitioned stale conversations")
    }
    return rows, nil
}

// ListStuck returns non-terminal conversations whose updated_at is older
// than the given cutoff, for the stuck-session monitor to inspect.
func (s *ConversationStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data,
               created_at, updated_at, expires_at, completed_at,
               slot_request_sent_at, slot_retry_count, slot_request_failed_at
        FROM conversations
        WHERE state NOT IN (?, ?, ?) AND updated_at < ?`,
        string(models.StateConfirmed), string(models.StateCancelled), string(models.StateExpired),
        olderThan)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list stuck conversations")
    }
    defer rows.Close()

    var result []*models.Conversation
    for rows.Next() {
        conv, err := scanConversationRows(rows)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan stuck conversation")
        }
        result = append(result, conv)
    }
    return result, rows.Err()
}

// ListBookingInFlight returns CONFIRMED conversations whose booking request
// is still marked in flight (order_data.bookingInFlight) and whose last
// update predates the cutoff — the stuck-session monitor's view into the
// BOOKING_IN_FLIGHT sub-state, which lives inside a nominally terminal
// top-level state and so falls outside ListStuck's non-terminal scan.
func (s *ConversationStore) ListBookingInFlight(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, phone_hash, phone_encrypted, organization_id, state, order_data,
               created_at, updated_at, expires_at, completed_at,
               slot_request_sent_at, slot_retry_count, slot_request_failed_at
        FROM conversations
        WHERE state = ? AND updated_at < ?
          AND JSON_EXTRACT(order_data, '$.bookingInFlight') = true`,
        string(models.StateConfirmed), olderThan)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list booking-in-flight conversations")
    }
    defer rows.Close()

    var result []*models.Conversation
    for rows.Next() {
        conv, err := scanConversationRows(rows)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan booking-in-flight conversation")
        }
        result = append(result, conv)
    }
    return result, rows.Err()
}

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
    return scanConversationScanner(row)
}

func scanConversationRows(rows *sql.Rows) (*models.Conversation, error) {
    return scanConversationScanner(rows)
}

func scanConversationScanner(s rowScanner) (*models.Conversation, error) {
    var conv models.Conversation
    var state string
    var orderDataRaw []byte

    err := s.Scan(
        &conv.ID, &conv.PhoneHash, &conv.PhoneEncrypted, &conv.OrganizationID, &state, &orderDataRaw,
        &conv.CreatedAt, &conv.UpdatedAt, &conv.ExpiresAt, &conv.CompletedAt,
        &conv.SlotRequestSentAt, &conv.SlotRetryCount, &conv.SlotRequestFailedAt,
    )
    if err != nil {
        return nil, err
    }
    conv.State = models.ConversationState(state)

    var m map[string]interface{}
    if len(orderDataRaw) > 0 {
        if err := json.Unmarshal(orderDataRaw, &m); err != nil {
            return nil, err
        }
    }
    conv.OrderData = models.JSON(m)
    return &conv, nil
}

func mustJSON(j models.JSON) []byte {
    b, _ := json.Marshal(map[string]interface{}(j))
    return b
}
