package store

import (
    "context"
    "database/sql"
    "encoding/json"

    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/errors"
)

// OrgConfigStore owns reads against org_sms_configs, cached by the caller
// via the shared Cache (internal/store.Cache) with a bounded TTL — the same
// cache-aside shape the teacher uses for provider lookups in loadbalancer.go.
type OrgConfigStore struct {
    db *DB
}

// NewOrgConfigStore builds an OrgConfigStore over the given connection wrapper.
func NewOrgConfigStore(db *DB) *OrgConfigStore {
    return &OrgConfigStore{db: db}
}

// Get fetches the SMS dispatch configuration for an organization.
func (s *OrgConfigStore) Get(ctx context.Context, organizationID string) (*models.OrganizationSMSConfig, error) {
    row := s.db.QueryRowContext(ctx, `
        SELECT organization_id, primary_provider, primary_phone_numbers,
               failover_provider, failover_phone_numbers, sticky_sender
        FROM org_sms_configs WHERE organization_id = ?`, organizationID)

    var cfg models.OrganizationSMSConfig
    var primaryRaw, failoverRaw []byte
    err := row.Scan(&cfg.OrganizationID, &cfg.PrimaryProvider, &primaryRaw,
        &cfg.FailoverProvider, &failoverRaw, &cfg.StickySender)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrValidation, "no sms config for organization").WithContext("organization_id", organizationID)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query org sms config")
    }
    if err := json.Unmarshal(primaryRaw, &cfg.PrimaryPhoneNumbers); err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to decode primary_phone_numbers")
    }
    if err := json.Unmarshal(failoverRaw, &cfg.FailoverPhoneNumbers); err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to decode failover_phone_numbers")
    }
    return &cfg, nil
}

// Upsert creates or replaces an organization's SMS dispatch configuration.
func (s *OrgConfigStore) Upsert(ctx context.Context, cfg models.OrganizationSMSConfig) error {
    primary, err := json.Marshal(cfg.PrimaryPhoneNumbers)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode primary_phone_numbers")
    }
    failover, err := json.Marshal(cfg.FailoverPhoneNumbers)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode failover_phone_numbers")
    }

    _, err = s.db.ExecContext(ctx, `
        INSERT INTO org_sms_configs
            (organization_id, primary_provider, primary_phone_numbers,
             failover_provider, failover_phone_numbers, sticky_sender)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            primary_provider = VALUES(primary_provider),
            primary_phone_numbers = VALUES(primary_phone_numbers),
            failover_provider = VALUES(failover_provider),
            failover_phone_numbers = VALUES(failover_phone_numbers),
            sticky_sender = VALUES(sticky_sender)`,
        cfg.OrganizationID, cfg.PrimaryProvider, primary, cfg.FailoverProvider, failover, cfg.StickySender)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert org sms config")
    }
    return nil
}
