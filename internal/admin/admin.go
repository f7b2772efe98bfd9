// Package admin implements the read-only projections over conversations and
// audit entries spec.md §4.8 describes: list/detail/counts/volume, all keyed
// by phone_hash only — no query in this package ever decrypts a phone.
package admin

import (
    "context"
    "time"

    "github.com/radscheduler/core/internal/models"
)

// Filter narrows ListConversations. Stuck mirrors the stuck-session
// monitor's own predicate: non-terminal and idle past StuckSLA.
type Filter struct {
    State     models.ConversationState
    From      *time.Time
    To        *time.Time
    Stuck     bool
    StuckSLA  time.Duration
    Limit     int
    Offset    int
}

// ConversationSummary is one row of the list projection.
type ConversationSummary struct {
    ID             string                   `json:"id"`
    PhoneHash      string                   `json:"phone_hash"`
    OrganizationID string                   `json:"organization_id"`
    State          models.ConversationState `json:"state"`
    CreatedAt      time.Time                `json:"created_at"`
    UpdatedAt      time.Time                `json:"updated_at"`
    ExpiresAt      time.Time                `json:"expires_at"`
    CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

// ConversationDetail is the full per-conversation projection, including the
// decoded order_data document.
type ConversationDetail struct {
    ConversationSummary
    OrderData models.OrderData `json:"order_data"`
}

// StateCount is one (state, count) pair over a requested range.
type StateCount struct {
    State models.ConversationState `json:"state"`
    Count int64                    `json:"count"`
}

// TimeInState is the average duration a conversation spends in one state
// before its next transition, estimated from STATE_TRANSITION audit timestamps.
type TimeInState struct {
    State           models.ConversationState `json:"state"`
    AverageSeconds  float64                  `json:"average_seconds"`
    SampleSize      int64                    `json:"sample_size"`
}

// SMSVolume is the inbound/outbound send count over a requested range.
type SMSVolume struct {
    Inbound  int64 `json:"inbound"`
    Outbound int64 `json:"outbound"`
}

// Store is the read-only query surface this package depends on.
type Store interface {
    ListConversations(ctx context.Context, f Filter) ([]ConversationSummary, error)
    GetConversationDetail(ctx context.Context, id string) (*ConversationDetail, error)
    CountsByState(ctx context.Context, from, to time.Time) ([]StateCount, error)
    AverageTimeInState(ctx context.Context, from, to time.Time) ([]TimeInState, error)
    SMSVolumeByDirection(ctx context.Context, from, to time.Time) (SMSVolume, error)
}

// Service is the thin read-only facade the HTTP routes and CLI subcommands
// both call through, mirroring the teacher's provider.Service shape.
type Service struct {
    store Store
}

// NewService builds a Service over the given Store.
func NewService(store Store) *Service {
    return &Service{store: store}
}

func (s *Service) ListConversations(ctx context.Context, f Filter) ([]ConversationSummary, error) {
    return s.store.ListConversations(ctx, f)
}

func (s *Service) GetConversationDetail(ctx context.Context, id string) (*ConversationDetail, error) {
    return s.store.GetConversationDetail(ctx, id)
}

func (s *Service) CountsByState(ctx context.Context, from, to time.Time) ([]StateCount, error) {
    return s.store.CountsByState(ctx, from, to)
}

func (s *Service) AverageTimeInState(ctx context.Context, from, to time.Time) ([]TimeInState, error) {
    return s.store.AverageTimeInState(ctx, from, to)
}

func (s *Service) SMSVolumeByDirection(ctx context.Context, from, to time.Time) (SMSVolume, error) {
    return s.store.SMSVolumeByDirection(ctx, from, to)
}
