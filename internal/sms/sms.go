// Package sms implements the multi-provider SMS dispatcher: consent
// enforcement, sticky-sender/round-robin from-number selection, and
// error-classified failover between a primary and failover provider pool.
package sms

import (
    "context"
    "hash/fnv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/sony/gobreaker/v2"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/models"
    apperrors "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

// MessageType classifies an outbound message for the consent whitelist.
type MessageType string

// OutboundConsentRequest is the only message type allowed to send without
// an active consent row — everything else requires consent_given=true.
const OutboundConsentRequest MessageType = "OUTBOUND_CONSENT_REQUEST"

// ErrorClass is the fixed taxonomy a Provider classifies its own failures into.
type ErrorClass string

const (
    ErrorClassNumberBlocked     ErrorClass = "NUMBER_BLOCKED"
    ErrorClassCarrierViolation  ErrorClass = "CARRIER_VIOLATION"
    ErrorClassRateLimited       ErrorClass = "RATE_LIMITED"
    ErrorClassProviderError     ErrorClass = "PROVIDER_ERROR"
    ErrorClassNetworkError      ErrorClass = "NETWORK_ERROR"
    ErrorClassInvalidNumber     ErrorClass = "INVALID_NUMBER"
    ErrorClassInvalidContent    ErrorClass = "INVALID_CONTENT"
    ErrorClassUndeliverable     ErrorClass = "UNDELIVERABLE"
)

// IsFailoverEligible reports whether this error class should trigger a
// failover attempt on the next provider, as opposed to being a recipient-side
// failure no retry can fix.
func (c ErrorClass) IsFailoverEligible() bool {
    switch c {
    case ErrorClassNumberBlocked, ErrorClassCarrierViolation, ErrorClassRateLimited,
        ErrorClassProviderError, ErrorClassNetworkError:
        return true
    default:
        return false
    }
}

// ProviderResult is the outcome of a single provider Send attempt.
type ProviderResult struct {
    MessageID string
    Class     ErrorClass // zero value means success
}

// Provider is the capability every SMS carrier integration implements.
// Adding a provider means implementing this interface.
type Provider interface {
    Name() string
    Send(ctx context.Context, to, body, from string) (ProviderResult, error)
}

// SendResult is returned to the conversation engine after a dispatch attempt.
type SendResult struct {
    Sent          bool
    ProviderUsed  string
    FromNumber    string
    MessageID     string
    FailoverUsed  bool
}

// ConsentChecker reports whether a phone hash currently has active consent.
type ConsentChecker interface {
    IsConsentActive(ctx context.Context, phoneHash string) (bool, error)
}

// OrgConfigLoader fetches the per-organization provider/sender policy, with
// caching left to the implementation (internal/store.Cache, bounded TTL).
type OrgConfigLoader interface {
    Get(ctx context.Context, organizationID string) (*models.OrganizationSMSConfig, error)
}

type breakerWrappedProvider struct {
    provider Provider
    breaker  *gobreaker.CircuitBreaker[ProviderResult]
    backoff  func() backoff.BackOff
}

// Dispatcher is the multi-provider SMS send path described in spec.md §4.4.
type Dispatcher struct {
    providers map[string]*breakerWrappedProvider
    orgConfig OrgConfigLoader
    consent   ConsentChecker
    recorder  *audit.Recorder

    rrMu       sync.Mutex
    rrCounters map[string]*uint64
}

// NewDispatcher builds a Dispatcher over a named provider set. Each provider
// is wrapped in its own circuit breaker and bounded backoff, so a failing
// carrier trips independently of the others.
func NewDispatcher(providers []Provider, breakerSettings gobreaker.Settings, orgConfig OrgConfigLoader, consent ConsentChecker, recorder *audit.Recorder) *Dispatcher {
    wrapped := make(map[string]*breakerWrappedProvider, len(providers))
    for _, p := range providers {
        settings := breakerSettings
        settings.Name = p.Name()
        wrapped[p.Name()] = &breakerWrappedProvider{
            provider: p,
            breaker:  gobreaker.NewCircuitBreaker[ProviderResult](settings),
            backoff: func() backoff.BackOff {
                b := backoff.NewExponentialBackOff()
                b.MaxElapsedTime = 5 * time.Second
                return b
            },
        }
    }
    return &Dispatcher{
        providers:  wrapped,
        orgConfig:  orgConfig,
        consent:    consent,
        recorder:   recorder,
        rrCounters: make(map[string]*uint64),
    }
}

// Send is the dispatcher's single entry point. It loads org config, checks
// consent, selects a from-number, calls the provider (with failover on
// eligible errors), and records exactly one audit entry per invocation that
// passed the consent check, regardless of outcome.
func (d *Dispatcher) Send(ctx context.Context, conversationID, organizationID, phoneHash, phonePlaintext string, msgType MessageType, body string) (SendResult, error) {
    cfg, err := d.orgConfig.Get(ctx, organizationID)
    if err != nil {
        return SendResult{}, apperrors.Wrap(err, apperrors.ErrDatabase, "failed to load organization sms config")
    }

    if msgType != OutboundConsentRequest {
        active, err := d.consent.IsConsentActive(ctx, phoneHash)
        if err != nil {
            return SendResult{}, apperrors.Wrap(err, apperrors.ErrDatabase, "failed to check consent")
        }
        if !active {
            if auditErr := d.recorder.Record(ctx, audit.Entry{
                ConversationID: conversationID,
                PhoneHash:      phoneHash,
                Action:         models.AuditActionOutboundError,
                Detail: map[string]interface{}{
                    "message_type": string(msgType),
                    "reason":       "consent_blocked",
                },
            }); auditErr != nil {
                logger.WithContext(ctx).WithError(auditErr).Warn("failed to record consent-blocked audit entry")
            }
            return SendResult{}, apperrors.New(apperrors.ErrConsentMissing, "refusing to send non-consent-prompt message without active consent").
                WithContext("message_type", string(msgType))
        }
    }

    result, sendErr := d.attempt(ctx, phoneHash, cfg.PrimaryProvider, cfg.PrimaryPhoneNumbers, cfg.StickySender, phonePlaintext, body)
    failoverUsed := false

    if sendErr != nil {
        class := classifyErr(sendErr)
        if class.IsFailoverEligible() && cfg.FailoverProvider != "" {
            failoverUsed = true
            result, sendErr = d.attempt(ctx, phoneHash, cfg.FailoverProvider, cfg.FailoverPhoneNumbers, cfg.StickySender, phonePlaintext, body)
        }
    }

    detail := map[string]interface{}{
        "message_type":  string(msgType),
        "provider_used": result.ProviderUsed,
        "failover_used": failoverUsed,
        "sent":          sendErr == nil,
    }
    if sendErr != nil {
        detail["error_class"] = string(classifyErr(sendErr))
    }

    if auditErr := d.recorder.Record(ctx, audit.Entry{
        ConversationID: conversationID,
        PhoneHash:      phoneHash,
        Action:         models.AuditActionOutboundSMS,
        Detail:         detail,
    }); auditErr != nil {
        logger.WithContext(ctx).WithError(auditErr).Warn("failed to record outbound sms audit entry")
    }

    if sendErr != nil {
        return SendResult{}, sendErr
    }

    result.FailoverUsed = failoverUsed
    result.Sent = true
    return result, nil
}

func (d *Dispatcher) attempt(ctx context.Context, phoneHash, providerName string, pool []string, sticky bool, to, body string) (SendResult, error) {
    wp, ok := d.providers[providerName]
    if !ok {
        return SendResult{}, apperrors.New(apperrors.ErrSMSFailoverExhausted, "no such sms provider configured").WithContext("provider", providerName)
    }
    if len(pool) == 0 {
        return SendResult{}, apperrors.New(apperrors.ErrSMSFailoverExhausted, "provider has no configured sender pool").WithContext("provider", providerName)
    }

    from := d.selectFromNumber(phoneHash, providerName, pool, sticky)

    // Within the breaker, retry the transient-retry subset (NETWORK_ERROR)
    // with a bounded exponential backoff; everything else (rate-limited,
    // provider error, recipient-side) returns on the first attempt so it
    // can fail over instead of burning the retry budget.
    res, err := wp.breaker.Execute(func() (ProviderResult, error) {
        var result ProviderResult
        var sendErr error

        op := func() error {
            result, sendErr = wp.provider.Send(ctx, to, body, from)
            if sendErr != nil && result.Class == ErrorClassNetworkError {
                return sendErr
            }
            return nil
        }

        backoff.Retry(op, backoff.WithContext(wp.backoff(), ctx))
        return result, sendErr
    })
    if err != nil {
        class := res.Class
        if class == "" {
            class = ErrorClassNetworkError
        }
        wrapped := apperrors.Wrap(err, errCodeFor(class), "sms provider send failed").WithContext("provider", providerName)
        wrapped.WithContext("error_class", class)
        return SendResult{}, wrapped
    }

    return SendResult{ProviderUsed: providerName, FromNumber: from, MessageID: res.MessageID}, nil
}

func errCodeFor(class ErrorClass) apperrors.ErrorCode {
    if !class.IsFailoverEligible() {
        return apperrors.ErrSMSRecipientSide
    }
    return apperrors.ErrSMSFailoverExhausted
}

// selectFromNumber implements the sticky-sender rule: a deterministic
// projection of phone_hash over the current pool via FNV-1a, generalized
// from the teacher's selectHash (which hashes call_id over a provider pool
// the same way). When sticky_sender is false, falls back to a round-robin
// counter per provider, adapted from the teacher's selectRoundRobin.
func (d *Dispatcher) selectFromNumber(phoneHash, providerName string, pool []string, sticky bool) string {
    if len(pool) == 1 {
        return pool[0]
    }
    if sticky {
        h := fnv.New32a()
        h.Write([]byte(phoneHash))
        idx := h.Sum32() % uint32(len(pool))
        return pool[idx]
    }

    d.rrMu.Lock()
    counter, ok := d.rrCounters[providerName]
    if !ok {
        var c uint64
        counter = &c
        d.rrCounters[providerName] = counter
    }
    d.rrMu.Unlock()

    idx := atomic.AddUint64(counter, 1) % uint64(len(pool))
    return pool[idx]
}

func classifyErr(err error) ErrorClass {
    appErr, ok := err.(*apperrors.AppError)
    if !ok {
        return ErrorClassNetworkError
    }
    if class, ok := appErr.Context["error_class"].(ErrorClass); ok {
        return class
    }
    if appErr.Code == apperrors.ErrSMSRecipientSide {
        return ErrorClassUndeliverable
    }
    return ErrorClassNetworkError
}
