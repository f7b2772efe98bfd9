// Package conversation implements the scheduling conversation state engine:
// the authoritative state machine driving a patient session from a newly
// queued order to a booked appointment over SMS, per the transition table in
// spec.md §4.3. The engine is authoritative for all side effects; the SMS
// dispatcher and IE client below it are pure collaborators.
package conversation

import (
    "context"
    "fmt"
    "time"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/sms"
    apperrors "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

// Outbound message labels, recorded on the audit trail and used by the
// Dispatcher's consent whitelist (only OutboundConsentRequest bypasses the
// consent check).
const (
    MsgConsentRequest  sms.MessageType = sms.OutboundConsentRequest
    MsgLocationOptions sms.MessageType = "OUTBOUND_LOCATION"
    MsgSlotOptions     sms.MessageType = "OUTBOUND_TIME"
    MsgConfirmation    sms.MessageType = "OUTBOUND_CONFIRMATION"
    MsgOptOutAck       sms.MessageType = "OUTBOUND_OPT_OUT_ACK"
    MsgError           sms.MessageType = "OUTBOUND_ERROR"
)

const callBackMessage = "We're sorry, we weren't able to complete this automatically. Please call our scheduling line for help."

// ConversationStore is the persistence capability the engine depends on.
type ConversationStore interface {
    CreateOrAppendOrder(ctx context.Context, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, bool, error)
    TransitionState(ctx context.Context, conversationID string, expected, newState models.ConversationState, fields map[string]interface{}) error
    GetByID(ctx context.Context, id string) (*models.Conversation, error)
    GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*models.Conversation, error)
}

// ConsentStore is the consent-lifecycle capability the engine depends on.
type ConsentStore interface {
    Get(ctx context.Context, phoneHash string) (*models.Consent, error)
    Upsert(ctx context.Context, phoneHash string, given bool, method models.ConsentMethod, revokedAt *time.Time) error
}

// Sender is the capability the engine uses to reach patients. sms.Dispatcher
// satisfies it directly.
type Sender interface {
    Send(ctx context.Context, conversationID, organizationID, phoneHash, phonePlaintext string, msgType sms.MessageType, body string) (sms.SendResult, error)
}

// SafetyChecker is the pluggable clinical-context gate reserved by
// spec.md §4.3's COORDINATOR_REVIEW state. AlwaysProceed is the only
// implementation shipped; a real checker is a planned external collaborator.
type SafetyChecker interface {
    Check(ctx context.Context, conv *models.Conversation, order models.Order) (proceed bool, reason string)
}

// AlwaysProceed is the no-op SafetyChecker: every order is cleared
// immediately, leaving COORDINATOR_REVIEW reserved but unreachable.
type AlwaysProceed struct{}

func (AlwaysProceed) Check(ctx context.Context, conv *models.Conversation, order models.Order) (bool, string) {
    return true, ""
}

// Decrypter recovers a plaintext E.164 number from a stored ciphertext, for
// sends where only phone_encrypted is on hand.
type Decrypter interface {
    Decrypt(enc string) (string, error)
}

// Engine is the conversation state machine. It depends only on interfaces,
// never a concrete store/dispatcher/client type.
type Engine struct {
    conversations ConversationStore
    consents      ConsentStore
    sender        Sender
    ie            ie.Client
    recorder      *audit.Recorder
    decrypter     Decrypter
    safety        SafetyChecker

    sessionTTL      time.Duration
    maxUnrecognized int
    modalityMinutes map[string]int
    aggregationRule AggregationRule

    unrecognizedCounts map[string]int
}

// Config bundles the tunables the engine needs beyond its collaborators.
type Config struct {
    SessionTTL              time.Duration
    MaxUnrecognizedReplies  int
    ModalityDurationMinutes map[string]int
    AggregationRule         string
}

// New builds an Engine. safety may be nil, in which case AlwaysProceed is used.
func New(conversations ConversationStore, consents ConsentStore, sender Sender, ieClient ie.Client, recorder *audit.Recorder, decrypter Decrypter, safety SafetyChecker, cfg Config) *Engine {
    if safety == nil {
        safety = AlwaysProceed{}
    }
    maxUnrecognized := cfg.MaxUnrecognizedReplies
    if maxUnrecognized <= 0 {
        maxUnrecognized = 3
    }
    rule := AggregationRule(cfg.AggregationRule)
    if rule == "" {
        rule = AggregationSum
    }
    return &Engine{
        conversations:      conversations,
        consents:           consents,
        sender:             sender,
        ie:                 ieClient,
        recorder:           recorder,
        decrypter:          decrypter,
        safety:             safety,
        sessionTTL:         cfg.SessionTTL,
        maxUnrecognized:    maxUnrecognized,
        modalityMinutes:    cfg.ModalityDurationMinutes,
        aggregationRule:    rule,
        unrecognizedCounts: make(map[string]int),
    }
}

// IngestOrder is the engine's entry point for the order receiver. phoneHash
// and phoneEncrypted are already derived by the caller (the inbound edge),
// since the engine never computes identity material itself.
func (e *Engine) IngestOrder(ctx context.Context, organizationID, phoneHash, phoneEncrypted, phonePlaintext string, order models.Order) error {
    consent, err := e.consents.Get(ctx, phoneHash)
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrDatabase, "failed to load consent")
    }
    consentActive := consent.IsActive()

    initialState := models.StateConsentPending
    if consentActive {
        initialState = models.StateChoosingLocation
    }

    conv, appended, err := e.conversations.CreateOrAppendOrder(ctx, phoneHash, phoneEncrypted, organizationID, order, e.sessionTTL, initialState)
    if err != nil {
        return err
    }

    e.audit(ctx, conv.ID, phoneHash, models.AuditActionOrderReceived, map[string]interface{}{
        "modality": order.Modality,
        "appended": appended,
    })

    if !appended {
        if consentActive {
            return e.sendLocationOptions(ctx, conv, order)
        }
        return e.sendConsentPrompt(ctx, conv, 1)
    }

    // Always-queue rule: every subsequent order is appended regardless of
    // state. Re-send rule: only CONSENT_PENDING re-prompts.
    if conv.State == models.StateConsentPending {
        od, err := conv.DecodeOrderData()
        if err != nil {
            return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
        }
        return e.sendConsentPrompt(ctx, conv, len(od.PendingOrders))
    }
    return nil
}

func (e *Engine) sendConsentPrompt(ctx context.Context, conv *models.Conversation, orderCount int) error {
    body := "You have a new imaging order to schedule."
    if orderCount > 1 {
        body = fmt.Sprintf("You have %d new imaging orders to schedule.", orderCount)
    }
    body += " Reply YES to receive available locations, or STOP to opt out."
    return e.send(ctx, conv, MsgConsentRequest, body)
}

func (e *Engine) sendLocationOptions(ctx context.Context, conv *models.Conversation, order models.Order) error {
    locations := order.AvailableLocations
    if len(locations) == 0 && e.ie != nil {
        fetched, err := e.ie.GetLocations(ctx, order.Modality)
        if err != nil {
            logger.WithContext(ctx).WithError(err).Warn("failed to fetch locations from ie")
        } else {
            for _, l := range fetched {
                locations = append(locations, models.Location{ID: l.ID, Name: l.Name})
            }
        }
    }

    body := formatLocationOptions(locations, "")
    return e.send(ctx, conv, MsgLocationOptions, body)
}

func formatLocationOptions(locations []models.Location, preface string) string {
    body := preface
    if body != "" {
        body += " "
    }
    body += "Please choose a location by replying with its number:\n"
    for i, l := range locations {
        body += fmt.Sprintf("%d. %s\n", i+1, l.Name)
    }
    return body
}

func formatSlotOptions(slots []models.Slot, preface string) string {
    body := preface
    if body != "" {
        body += " "
    }
    body += "Please choose a time by replying with its number:\n"
    for i, s := range slots {
        body += fmt.Sprintf("%d. %s\n", i+1, s.StartTime.Format("Mon Jan 2 3:04 PM"))
    }
    return body
}

func (e *Engine) send(ctx context.Context, conv *models.Conversation, msgType sms.MessageType, body string) error {
    phonePlaintext := ""
    if e.decrypter != nil {
        plain, err := e.decrypter.Decrypt(conv.PhoneEncrypted)
        if err != nil {
            e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionOutboundError, map[string]interface{}{
                "reason": "decrypt_failed",
            })
            return apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to decrypt phone for outbound send")
        }
        phonePlaintext = plain
    }

    _, err := e.sender.Send(ctx, conv.ID, conv.OrganizationID, conv.PhoneHash, phonePlaintext, msgType, body)
    if err != nil {
        logger.WithContext(ctx).WithError(err).Warn("outbound sms send failed")
    }
    return nil
}

// transitionState wraps ConversationStore.TransitionState and records a
// STATE_TRANSITION audit row whenever the state actually changes (same-state
// field updates, like slot_retry_count bumps, are not transitions).
func (e *Engine) transitionState(ctx context.Context, conv *models.Conversation, expected, newState models.ConversationState, fields map[string]interface{}) error {
    err := e.conversations.TransitionState(ctx, conv.ID, expected, newState, fields)
    if err != nil {
        return err
    }
    if expected != newState {
        e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionStateTransition, map[string]interface{}{
            "from": string(expected),
            "to":   string(newState),
        })
    }
    return nil
}

func (e *Engine) audit(ctx context.Context, conversationID, phoneHash string, action models.AuditAction, detail map[string]interface{}) {
    if err := e.recorder.Record(ctx, audit.Entry{
        ConversationID: conversationID,
        PhoneHash:      phoneHash,
        Action:         action,
        Detail:         detail,
    }); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("failed to record audit entry")
    }
}
