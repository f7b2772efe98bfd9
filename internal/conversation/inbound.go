package conversation

import (
    "context"
    "time"

    "github.com/radscheduler/core/internal/models"
    apperrors "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

// HandleInboundSMS is the engine's entry point for the SMS receiver. If no
// active conversation exists for phoneHash, the receiver audits a
// no-session note and drops silently — no outbound send, per spec.md §4.6.
func (e *Engine) HandleInboundSMS(ctx context.Context, phoneHash, phonePlaintext, body string) error {
    conv, err := e.conversations.GetActiveByPhoneHash(ctx, phoneHash)
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrDatabase, "failed to look up active conversation")
    }
    if conv == nil {
        e.audit(ctx, "", phoneHash, models.AuditActionInboundSMS, map[string]interface{}{"note": "no_session"})
        return nil
    }

    e.audit(ctx, conv.ID, phoneHash, models.AuditActionInboundSMS, map[string]interface{}{"state": string(conv.State)})

    parsed := ParseMessage(body)

    // Hard opt-out wins from any non-terminal state.
    if parsed.Intent == IntentOptOut {
        return e.handleOptOut(ctx, conv, phoneHash)
    }

    switch conv.State {
    case models.StateConsentPending:
        return e.handleConsentPendingReply(ctx, conv, phoneHash, phonePlaintext, parsed)
    case models.StateChoosingLocation:
        return e.handleChoosingLocationReply(ctx, conv, parsed)
    case models.StateChoosingTime:
        return e.handleChoosingTimeReply(ctx, conv, phonePlaintext, parsed)
    default:
        // Terminal or provisional states accept no further input.
        return nil
    }
}

func (e *Engine) handleOptOut(ctx context.Context, conv *models.Conversation, phoneHash string) error {
    if err := e.consents.Upsert(ctx, phoneHash, false, models.ConsentMethodRevokedStop, timePtr(time.Now())); err != nil {
        return apperrors.Wrap(err, apperrors.ErrDatabase, "failed to record consent revocation")
    }
    e.audit(ctx, conv.ID, phoneHash, models.AuditActionConsentChanged, map[string]interface{}{"given": false})

    if err := e.transitionState(ctx, conv, conv.State, models.StateCancelled, nil); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
        return err
    }
    return e.send(ctx, conv, MsgOptOutAck, "You've been unsubscribed from appointment scheduling texts. Reply YES any time to restart.")
}

func (e *Engine) handleConsentPendingReply(ctx context.Context, conv *models.Conversation, phoneHash, phonePlaintext string, parsed ParsedMessage) error {
    switch parsed.Intent {
    case IntentConsentYes:
        if err := e.consents.Upsert(ctx, phoneHash, true, models.ConsentMethodSMSReplyYes, nil); err != nil {
            return apperrors.Wrap(err, apperrors.ErrDatabase, "failed to record consent")
        }
        e.audit(ctx, conv.ID, phoneHash, models.AuditActionConsentChanged, map[string]interface{}{"given": true})

        if err := e.transitionState(ctx, conv, models.StateConsentPending, models.StateChoosingLocation, nil); err != nil {
            if apperrors.Is(err, apperrors.ErrStateConflict) {
                return nil
            }
            return err
        }
        od, err := conv.DecodeOrderData()
        if err != nil || len(od.PendingOrders) == 0 {
            return nil
        }
        return e.sendLocationOptions(ctx, conv, od.PendingOrders[0])

    case IntentConsentNo:
        if err := e.consents.Upsert(ctx, phoneHash, false, models.ConsentMethodRevokedStop, timePtr(time.Now())); err != nil {
            return apperrors.Wrap(err, apperrors.ErrDatabase, "failed to record consent decline")
        }
        e.audit(ctx, conv.ID, phoneHash, models.AuditActionConsentChanged, map[string]interface{}{"given": false})
        if err := e.transitionState(ctx, conv, models.StateConsentPending, models.StateCancelled, nil); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        return e.send(ctx, conv, MsgOptOutAck, "No problem. Reply YES any time if you'd like to schedule.")

    default:
        return e.handleUnrecognized(ctx, conv, func() error { return e.sendConsentPromptForConv(ctx, conv) })
    }
}

func (e *Engine) sendConsentPromptForConv(ctx context.Context, conv *models.Conversation) error {
    od, err := conv.DecodeOrderData()
    if err != nil {
        return err
    }
    return e.sendConsentPrompt(ctx, conv, len(od.PendingOrders))
}

func (e *Engine) handleChoosingLocationReply(ctx context.Context, conv *models.Conversation, parsed ParsedMessage) error {
    if parsed.Intent != IntentDigitChoice {
        return e.handleUnrecognized(ctx, conv, func() error {
            od, err := conv.DecodeOrderData()
            if err != nil || len(od.PendingOrders) == 0 {
                return nil
            }
            return e.sendLocationOptionsWithPreface(ctx, conv, od.PendingOrders[0], "Sorry, I didn't understand that.")
        })
    }

    od, err := conv.DecodeOrderData()
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
    }
    if len(od.PendingOrders) == 0 {
        return nil
    }
    locations := od.PendingOrders[0].AvailableLocations
    idx := parsed.DigitChoice - 1
    if idx < 0 || idx >= len(locations) {
        return e.sendLocationOptionsWithPreface(ctx, conv, od.PendingOrders[0], "That's not a valid option.")
    }

    selected := locations[idx]
    group, _ := selectBookingGroup(od.PendingOrders)
    duration := aggregateDuration(group, e.aggregationRuleFor(od.PendingOrders[0].Modality))

    od.SelectedLocation = &selected
    if err := conv.EncodeOrderData(od); err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to encode order_data")
    }

    now := time.Now()
    if err := e.transitionState(ctx, conv, models.StateChoosingLocation, models.StateChoosingTime, map[string]interface{}{
        "order_data":           conv.OrderData,
        "slot_request_sent_at": now,
    }); err != nil {
        if apperrors.Is(err, apperrors.ErrStateConflict) {
            return nil
        }
        return err
    }

    patient := od.PendingOrders[0].Patient
    if err := e.ie.RequestSlots(ctx, buildSlotRequestInput(conv.ID, selected.ID, orderIDs(group), duration, patient)); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("ie slot request failed, stuck monitor will retry")
        e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionSlotRequested, map[string]interface{}{"error": true})
        return nil
    }
    e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionSlotRequested, map[string]interface{}{"location_id": selected.ID})

    return e.send(ctx, conv, MsgSlotOptions, "Searching for available appointment times near "+selected.Name+"...")
}

func (e *Engine) sendLocationOptionsWithPreface(ctx context.Context, conv *models.Conversation, order models.Order, preface string) error {
    body := formatLocationOptions(order.AvailableLocations, preface)
    return e.send(ctx, conv, MsgLocationOptions, body)
}

func (e *Engine) handleChoosingTimeReply(ctx context.Context, conv *models.Conversation, phonePlaintext string, parsed ParsedMessage) error {
    if parsed.Intent != IntentDigitChoice {
        return e.handleUnrecognized(ctx, conv, func() error {
            od, err := conv.DecodeOrderData()
            if err != nil {
                return err
            }
            return e.send(ctx, conv, MsgSlotOptions, formatSlotOptions(od.AvailableSlots, "Sorry, I didn't understand that."))
        })
    }

    od, err := conv.DecodeOrderData()
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
    }
    idx := parsed.DigitChoice - 1
    if idx < 0 || idx >= len(od.AvailableSlots) {
        return e.send(ctx, conv, MsgSlotOptions, formatSlotOptions(od.AvailableSlots, "That's not a valid option."))
    }

    selected := od.AvailableSlots[idx]
    od.SelectedSlot = &selected
    if err := conv.EncodeOrderData(od); err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to encode order_data")
    }

    return e.initiateBooking(ctx, conv, od, selected)
}

// handleUnrecognized increments the engine's in-memory unrecognized-reply
// counter (not persisted across restarts, per spec.md §4.3) and either
// re-sends the given prompt or, after three strikes, ends the conversation.
func (e *Engine) handleUnrecognized(ctx context.Context, conv *models.Conversation, resend func() error) error {
    e.unrecognizedCounts[conv.ID]++
    if e.unrecognizedCounts[conv.ID] >= e.maxUnrecognized {
        delete(e.unrecognizedCounts, conv.ID)
        if err := e.transitionState(ctx, conv, conv.State, models.StateCancelled, nil); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        return e.send(ctx, conv, MsgError, callBackMessage)
    }
    return resend()
}

func (e *Engine) aggregationRuleFor(modality string) AggregationRule {
    return e.aggregationRule
}

func timePtr(t time.Time) *time.Time { return &t }
