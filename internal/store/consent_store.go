package store

import (
    "context"
    "database/sql"
    "time"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/errors"
)

// ConsentStore owns reads and writes against the consents table — the
// single authoritative source for whether outbound SMS to a phone is allowed.
type ConsentStore struct {
    db *DB
}

// NewConsentStore builds a ConsentStore over the given connection wrapper.
func NewConsentStore(db *DB) *ConsentStore {
    return &ConsentStore{db: db}
}

// Get fetches the consent row for a phone hash, or nil if none exists yet.
func (s *ConsentStore) Get(ctx context.Context, phoneHash string) (*models.Consent, error) {
    row := s.db.QueryRowContext(ctx, `
        SELECT phone_hash, consent_given, consent_timestamp, consent_method, revoked_at
        FROM consents WHERE phone_hash = ?`, phoneHash)

    var c models.Consent
    var method string
    err := row.Scan(&c.PhoneHash, &c.ConsentGiven, &c.ConsentTimestamp, &method, &c.RevokedAt)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query consent")
    }
    c.ConsentMethod = models.ConsentMethod(method)
    return &c, nil
}

// Upsert records a consent change (affirmative YES or STOP-triggered revoke).
// Consent rows are never deleted, only created or updated in place.
func (s *ConsentStore) Upsert(ctx context.Context, phoneHash string, given bool, method models.ConsentMethod, revokedAt *time.Time) error {
    _, err := s.db.ExecContext(ctx, `
        INSERT INTO consents (phone_hash, consent_given, consent_timestamp, consent_method, revoked_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            consent_given = VALUES(consent_given),
            consent_timestamp = VALUES(consent_timestamp),
            consent_method = VALUES(consent_method),
            revoked_at = VALUES(revoked_at)`,
        phoneHash, given, time.Now(), string(method), revokedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert consent")
    }
    return nil
}
