package conversation

import (
    "context"

    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/models"
    apperrors "github.com/radscheduler/core/pkg/errors"
    "github.com/radscheduler/core/pkg/logger"
)

func buildSlotRequestInput(conversationID, locationID string, orderIDs []string, durationMinutes int, patient models.PatientIdentifiers) ie.SlotRequestInput {
    return ie.SlotRequestInput{
        ConversationID:     conversationID,
        SelectedLocationID: locationID,
        OrderIDs:           orderIDs,
        DurationMinutes:    durationMinutes,
        Patient: ie.PatientIdentifiers{
            MRN:         patient.MRN,
            FirstName:   patient.Name,
            DateOfBirth: patient.DOB,
        },
    }
}

// initiateBooking moves a conversation to CONFIRMED (provisional) and issues
// the IE booking request. Confirmation is completed asynchronously by
// HandleAppointmentNotification. The BOOKING_IN_FLIGHT sub-state (a flag on
// order_data, not a new top-level state) is set before the request is
// issued, so a request that fails to go out is retried by the stuck monitor.
func (e *Engine) initiateBooking(ctx context.Context, conv *models.Conversation, od models.OrderData, selected models.Slot) error {
    group, remaining := selectBookingGroup(od.PendingOrders)
    od.PendingOrders = remaining
    od.BookingInFlight = true
    od.BookingOrderIDs = orderIDs(group)
    if len(group) > 0 {
        p := group[0].Patient
        od.BookingPatient = &p
    }
    if err := conv.EncodeOrderData(od); err != nil {
        return apperrors.Wrap(err, apperrors.ErrInternal, "failed to encode order_data")
    }

    if err := e.transitionState(ctx, conv, models.StateChoosingTime, models.StateConfirmed, map[string]interface{}{
        "order_data": conv.OrderData,
    }); err != nil {
        if apperrors.Is(err, apperrors.ErrStateConflict) {
            return nil
        }
        return err
    }

    e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionBookingAttempt, map[string]interface{}{
        "slot_id":  selected.SlotID,
        "order_ids": orderIDs(group),
    })

    var patient models.PatientIdentifiers
    if len(group) > 0 {
        patient = group[0].Patient
    }

    if err := e.ie.BookAppointment(ctx, ie.BookAppointmentInput{
        ConversationID: conv.ID,
        OrderIDs:       orderIDs(group),
        SelectedSlotID: selected.SlotID,
        Patient: ie.PatientIdentifiers{
            MRN:         patient.MRN,
            FirstName:   patient.Name,
            DateOfBirth: patient.DOB,
        },
    }); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("ie booking request failed, remains booking-in-flight for stuck monitor retry")
        e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionBookingResult, map[string]interface{}{"sent": false})
        return nil
    }

    e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionBookingResult, map[string]interface{}{"sent": true})
    return nil
}

// RetryBookingInFlight is invoked by the stuck-session monitor for a
// conversation whose booking request has been in flight longer than the
// booking SLA. It retries with the same idempotency key derived from
// (conversation_id, selected_slot, order_ids) — safe to call repeatedly.
func (e *Engine) RetryBookingInFlight(ctx context.Context, conv *models.Conversation) error {
    od, err := conv.DecodeOrderData()
    if err != nil || od.SelectedSlot == nil {
        return nil
    }
    var patient models.PatientIdentifiers
    if od.BookingPatient != nil {
        patient = *od.BookingPatient
    }

    err = e.ie.BookAppointment(ctx, ie.BookAppointmentInput{
        ConversationID: conv.ID,
        OrderIDs:       od.BookingOrderIDs,
        SelectedSlotID: od.SelectedSlot.SlotID,
        Patient: ie.PatientIdentifiers{
            MRN:         patient.MRN,
            FirstName:   patient.Name,
            DateOfBirth: patient.DOB,
        },
    })
    if err != nil {
        return err
    }
    e.audit(ctx, conv.ID, conv.PhoneHash, models.AuditActionBookingResult, map[string]interface{}{"sent": true, "retry": true})
    return nil
}
