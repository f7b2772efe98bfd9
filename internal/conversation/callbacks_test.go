package conversation

import (
    "context"
    "strings"
    "testing"
    "time"

    "github.com/radscheduler/core/internal/models"
)

func TestHandleAppointmentNotificationConfirmationIncludesFillerID(t *testing.T) {
    e, convStore, _, sender, _ := newTestEngine()

    conv := &models.Conversation{
        ID:        "conv-hash-1",
        PhoneHash: "hash-1",
        State:     models.StateConfirmed,
        CreatedAt: time.Now(),
        UpdatedAt: time.Now(),
        ExpiresAt: time.Now().Add(time.Hour),
    }
    conv.EncodeOrderData(models.OrderData{BookingInFlight: true})
    convStore.byID[conv.ID] = conv
    convStore.byPhoneHash[conv.PhoneHash] = conv

    if err := e.HandleAppointmentNotification(context.Background(), AppointmentNotification{
        ConversationID: conv.ID,
        Action:         "new_appointment",
        Appointment: models.Appointment{
            AppointmentID:       "A1",
            FillerAppointmentID: "F1",
            LocationName:        "Main Imaging",
            DateTime:            time.Date(2026, 8, 3, 9, 30, 0, 0, time.UTC),
        },
    }); err != nil {
        t.Fatalf("HandleAppointmentNotification: %v", err)
    }

    if len(sender.bodies) != 1 {
        t.Fatalf("expected one confirmation sms, got %d", len(sender.bodies))
    }
    if !strings.Contains(sender.bodies[0], "F1") {
        t.Errorf("confirmation text %q does not contain filler appointment id F1", sender.bodies[0])
    }
}
