package conversation

import (
    "context"
    "time"

    "github.com/radscheduler/core/internal/models"
    apperrors "github.com/radscheduler/core/pkg/errors"
)

// ScheduleResponse is the decoded payload of the IE's schedule-response
// callback (spec.md §6).
type ScheduleResponse struct {
    ConversationID string
    Success        bool
    AvailableSlots []models.Slot
    ErrorMessage   string
}

// defaultMaxSlotRetries bounds how many times the engine reissues a slot request
// after an IE error before giving up, per spec.md §4.3's default of 1.
const defaultMaxSlotRetries = 1

// HandleScheduleResponse applies an IE slot callback. Lookup is by
// conversation_id (the correlation id the IE echoes back).
func (e *Engine) HandleScheduleResponse(ctx context.Context, resp ScheduleResponse, maxSlotRetries int) error {
    if maxSlotRetries <= 0 {
        maxSlotRetries = defaultMaxSlotRetries
    }

    conv, err := e.conversations.GetByID(ctx, resp.ConversationID)
    if err != nil {
        return err
    }
    if conv.State != models.StateChoosingTime {
        // Stale or duplicate callback for a conversation that has already
        // moved on; ignore per spec's round-trip tolerance.
        return nil
    }

    od, err := conv.DecodeOrderData()
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
    }

    switch {
    case resp.Success && len(resp.AvailableSlots) > 0:
        od.AvailableSlots = resp.AvailableSlots
        if err := conv.EncodeOrderData(od); err != nil {
            return err
        }
        if err := e.transitionState(ctx, conv, models.StateChoosingTime, models.StateChoosingTime, map[string]interface{}{
            "order_data":           conv.OrderData,
            "slot_request_sent_at": nil,
        }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionSlotReceived, map[string]interface{}{"count": len(resp.AvailableSlots)})
        return e.send(ctx, conv, MsgSlotOptions, formatSlotOptions(resp.AvailableSlots, ""))

    case resp.Success:
        // No slots at the selected location: back to CHOOSING_LOCATION.
        od.AvailableSlots = nil
        od.SelectedLocation = nil
        if err := conv.EncodeOrderData(od); err != nil {
            return err
        }
        if err := e.transitionState(ctx, conv, models.StateChoosingTime, models.StateChoosingLocation, map[string]interface{}{
            "order_data":           conv.OrderData,
            "slot_request_sent_at": nil,
        }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        if len(od.PendingOrders) == 0 {
            return nil
        }
        return e.sendLocationOptionsWithPreface(ctx, conv, od.PendingOrders[0], "No availability was found at that location.")

    default:
        return e.handleSlotRequestFailure(ctx, conv, od, maxSlotRetries)
    }
}

// RetrySlotRequestForStuck is invoked by the stuck-session monitor for a
// CHOOSING_TIME conversation whose slot_request_sent_at has exceeded the
// slot-response SLA with no IE callback. It shares the same retry-or-cancel
// logic the callback-error path uses, per spec.md §4.7.
func (e *Engine) RetrySlotRequestForStuck(ctx context.Context, conv *models.Conversation, maxSlotRetries int) error {
    if maxSlotRetries <= 0 {
        maxSlotRetries = defaultMaxSlotRetries
    }
    od, err := conv.DecodeOrderData()
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
    }
    return e.handleSlotRequestFailure(ctx, conv, od, maxSlotRetries)
}

func (e *Engine) handleSlotRequestFailure(ctx context.Context, conv *models.Conversation, od models.OrderData, maxSlotRetries int) error {
    if conv.SlotRetryCount < maxSlotRetries {
        return e.reissueSlotRequest(ctx, conv, od, conv.SlotRetryCount+1)
    }

    if err := e.transitionState(ctx, conv, models.StateChoosingTime, models.StateCancelled, map[string]interface{}{
        "slot_request_failed_at": time.Now(),
    }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
        return err
    }
    return e.send(ctx, conv, MsgError, callBackMessage)
}

// reissueSlotRequest is shared by the callback-error path and the
// stuck-session monitor's timeout path.
func (e *Engine) reissueSlotRequest(ctx context.Context, conv *models.Conversation, od models.OrderData, newRetryCount int) error {
    if od.SelectedLocation == nil || len(od.PendingOrders) == 0 {
        return nil
    }
    group, _ := selectBookingGroup(od.PendingOrders)
    duration := aggregateDuration(group, e.aggregationRule)
    patient := od.PendingOrders[0].Patient

    now := time.Now()
    if err := e.transitionState(ctx, conv, conv.State, conv.State, map[string]interface{}{
        "slot_retry_count":     newRetryCount,
        "slot_request_sent_at": now,
    }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
        return err
    }

    if err := e.ie.RequestSlots(ctx, buildSlotRequestInput(conv.ID, od.SelectedLocation.ID, orderIDs(group), duration, patient)); err != nil {
        return nil
    }
    e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionSlotRequested, map[string]interface{}{"retry": newRetryCount})
    return nil
}

// AppointmentNotification is the decoded payload of the IE's
// appointment-notification callback (spec.md §6).
type AppointmentNotification struct {
    ConversationID string
    Action         string // new_appointment, rescheduled, cancelled, modified
    Appointment    models.Appointment
    OrderIDs       []string
}

// HandleAppointmentNotification applies an IE booking callback. Repeated
// notifications carrying the same appointmentId for an already-CONFIRMED
// conversation are no-ops, per spec.md §4.5's duplicate-callback tolerance.
func (e *Engine) HandleAppointmentNotification(ctx context.Context, n AppointmentNotification) error {
    conv, err := e.conversations.GetByID(ctx, n.ConversationID)
    if err != nil {
        return err
    }

    od, err := conv.DecodeOrderData()
    if err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to decode order_data")
    }

    if conv.State == models.StateConfirmed && od.Appointment != nil && od.Appointment.AppointmentID == n.Appointment.AppointmentID {
        return nil
    }

    if n.Action != "new_appointment" {
        // Reschedule/cancel/modify notifications update the stored
        // appointment sub-document but do not change conversation state.
        od.Appointment = &n.Appointment
        od.BookingInFlight = false
        if err := conv.EncodeOrderData(od); err != nil {
            return err
        }
        if err := e.transitionState(ctx, conv, conv.State, conv.State, map[string]interface{}{
            "order_data": conv.OrderData,
        }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        return nil
    }

    od.Appointment = &n.Appointment
    od.BookingInFlight = false
    hadRemaining := len(od.PendingOrders) > 0
    if err := conv.EncodeOrderData(od); err != nil {
        return err
    }

    if err := e.transitionState(ctx, conv, models.StateConfirmed, models.StateConfirmed, map[string]interface{}{
        "order_data": conv.OrderData,
    }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
        return err
    }

    confirmationText := "Your appointment is confirmed: " + n.Appointment.LocationName +
        " at " + n.Appointment.DateTime.Format("Mon Jan 2 3:04 PM") +
        ". Confirmation #" + n.Appointment.FillerAppointmentID
    if err := e.send(ctx, conv, MsgConfirmation, confirmationText); err != nil {
        return err
    }

    if hadRemaining {
        // Orders that didn't fit this visit's aggregate re-open a new
        // CHOOSING_LOCATION round, per spec.md §4.3's consolidation policy.
        // completed_at is cleared since the conversation is no longer
        // terminal once reopened.
        if err := e.transitionState(ctx, conv, models.StateConfirmed, models.StateChoosingLocation, map[string]interface{}{
            "completed_at": nil,
        }); err != nil && !apperrors.Is(err, apperrors.ErrStateConflict) {
            return err
        }
        return e.sendLocationOptions(ctx, conv, od.PendingOrders[0])
    }
    return nil
}
