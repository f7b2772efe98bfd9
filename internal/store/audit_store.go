package store

import (
    "context"
    "encoding/json"
    "time"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/errors"
)

// AuditStore implements audit.Store: the single INSERT path audit_entries
// ever sees. No update or delete method exists here on purpose; retention
// deletion is SweepRetention below, called only from internal/sweep.
type AuditStore struct {
    db *DB
}

// NewAuditStore builds an AuditStore over the given connection wrapper.
func NewAuditStore(db *DB) *AuditStore {
    return &AuditStore{db: db}
}

// InsertAuditEntry appends one row to audit_entries.
func (s *AuditStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    detail, err := json.Marshal(map[string]interface{}(row.Detail))
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode audit detail")
    }

    _, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries (conversation_id, phone_hash, action, detail, timestamp)
        VALUES (?, ?, ?, ?, ?)`,
        row.ConversationID, row.PhoneHash, string(row.Action), detail, row.Timestamp)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert audit entry")
    }
    return nil
}

// SweepRetention bulk-deletes audit_entries older than olderThan. This is
// the only delete path for this table, and it is invoked exclusively by
// internal/sweep's retention job.
func (s *AuditStore) SweepRetention(ctx context.Context, olderThan time.Time) (int64, error) {
    res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp < ?`, olderThan)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to sweep audit retention")
    }
    rows, err := res.RowsAffected()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read rows affected")
    }
    return rows, nil
}
