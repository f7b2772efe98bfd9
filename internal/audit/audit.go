// Package audit implements the append-only, metadata-only audit trail.
// Entry intentionally has no field capable of holding plaintext phone
// numbers, patient names, free-text procedure descriptions, or message
// bodies: the HIPAA "never log PHI in audit" invariant is a compile-time
// property of this struct, not a runtime scrub.
package audit

import (
    "context"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/radscheduler/core/internal/models"
    apperrors "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

// Entry is one audit record. Detail carries only non-PHI metadata:
// message types, state names, provider names, error classes, counts.
type Entry struct {
    ConversationID string
    PhoneHash      string
    Action         models.AuditAction
    Detail         map[string]interface{}
}

// Store is the minimal persistence contract a Recorder needs: append a row,
// never read it back through this package (reads belong to internal/admin).
type Store interface {
    InsertAuditEntry(ctx context.Context, row models.AuditEntry) error
}

// Recorder is the sole entry point for writing audit rows. It exposes no
// update or delete method; retention deletion is owned entirely by
// internal/sweep against the store directly.
type Recorder struct {
    store Store
}

// New builds a Recorder backed by the given Store.
func New(store Store) *Recorder {
    return &Recorder{store: store}
}

// Record appends one audit entry. A failed write is logged and also returned
// to the caller, wrapped as an ErrDatabase error; the caller decides whether
// that failure affects its own control flow.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
    row := models.AuditEntry{
        ID:             0,
        ConversationID: e.ConversationID,
        PhoneHash:      e.PhoneHash,
        Action:         e.Action,
        Detail:         models.JSON(e.Detail),
        Timestamp:      time.Now(),
    }

    if err := r.store.InsertAuditEntry(ctx, row); err != nil {
        wrapped := apperrors.Wrap(err, apperrors.ErrDatabase, "failed to record audit entry")
        logger.WithContext(ctx).WithError(wrapped).WithFields(logrus.Fields{
            "action":          string(e.Action),
            "conversation_id": e.ConversationID,
        }).Error("audit record write failed")
        return wrapped
    }
    return nil
}
