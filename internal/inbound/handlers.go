package inbound

import (
    "encoding/json"
    "net/http"
    "time"

    "github.com/radscheduler/core/internal/conversation"
    "github.com/radscheduler/core/internal/identity"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/logger"
)

// defaultOrganizationID is used when an inbound order omits organizationId —
// the spec's order webhook body doesn't name an organization field, so
// single-tenant deployments operate under this implicit organization.
const defaultOrganizationID = "default"

// Handlers implements the four webhook receivers. It holds no storage or
// transport details of its own; every field is a narrow capability.
type Handlers struct {
    Engine         *conversation.Engine
    MaxSlotRetries int
}

// Health answers the liveness probe. No auth, no dependency checks — a
// dependency-aware readiness check belongs to internal/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type orderWebhookPayload struct {
    OrderID            string                      `json:"orderId"`
    OrderGroupID       string                      `json:"orderGroupId"`
    OrganizationID     string                      `json:"organizationId"`
    PatientPhone       string                      `json:"patientPhone"`
    Modality           string                      `json:"modality"`
    Priority           string                      `json:"priority"`
    OrderDescription   string                      `json:"orderDescription"`
    Procedures         []string                    `json:"procedures"`
    EstimatedDuration  int                         `json:"estimatedDuration"`
    OrderingPractice   string                      `json:"orderingPractice"`
    AvailableLocations []models.Location           `json:"availableLocations"`
    Patient            models.PatientIdentifiers   `json:"patient"`
    PatientContext     json.RawMessage             `json:"patientContext"`
}

// OrderWebhook accepts a structured order document. Required: orderId,
// patientPhone (E.164), modality. 400 on missing required fields, 5xx on
// retryable internal error so the upstream redelivers.
func (h *Handlers) OrderWebhook(w http.ResponseWriter, r *http.Request) {
    var payload orderWebhookPayload
    if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
        writeJSONError(w, http.StatusBadRequest, "malformed request body")
        return
    }
    if payload.OrderID == "" || payload.PatientPhone == "" || payload.Modality == "" {
        writeJSONError(w, http.StatusBadRequest, "orderId, patientPhone, and modality are required")
        return
    }

    e164, err := identity.NormalizeE164(payload.PatientPhone)
    if err != nil {
        writeJSONError(w, http.StatusBadRequest, "patientPhone is not a valid E.164 number")
        return
    }
    phoneHash, err := identity.HashPhone(e164)
    if err != nil {
        logger.WithContext(r.Context()).WithError(err).Error("failed to hash phone")
        writeJSONError(w, http.StatusInternalServerError, "internal error")
        return
    }
    phoneEncrypted, err := identity.EncryptPhone(e164)
    if err != nil {
        logger.WithContext(r.Context()).WithError(err).Error("failed to encrypt phone")
        writeJSONError(w, http.StatusInternalServerError, "internal error")
        return
    }

    orgID := payload.OrganizationID
    if orgID == "" {
        orgID = defaultOrganizationID
    }

    order := models.Order{
        OrderID:            payload.OrderID,
        OrderGroupID:       payload.OrderGroupID,
        Modality:           payload.Modality,
        Priority:           payload.Priority,
        OrderDescription:   payload.OrderDescription,
        Procedures:         payload.Procedures,
        DurationMinutes:    payload.EstimatedDuration,
        OrderingPractice:   payload.OrderingPractice,
        AvailableLocations: payload.AvailableLocations,
        Patient:            payload.Patient,
        PatientContext:     payload.PatientContext,
    }

    err = h.Engine.IngestOrder(r.Context(), orgID, phoneHash, string(phoneEncrypted), e164, order)
    if err != nil {
        status := http.StatusInternalServerError
        writeJSONError(w, status, "failed to ingest order")
        return
    }

    w.WriteHeader(http.StatusOK)
}

// SMSWebhook accepts a provider-signed inbound SMS. It always responds 200
// to prevent provider redelivery storms, per spec.md §4.6. Messages whose
// sender normalizes to E.164 are handed to the engine, which audits them;
// a message with a missing or malformed sender is dropped without audit.
func (h *Handlers) SMSWebhook(w http.ResponseWriter, r *http.Request) {
    if err := r.ParseForm(); err != nil {
        w.WriteHeader(http.StatusOK)
        return
    }
    from := r.FormValue("From")
    body := r.FormValue("Body")

    if from != "" {
        e164, err := identity.NormalizeE164(from)
        if err == nil {
            phoneHash, hashErr := identity.HashPhone(e164)
            if hashErr == nil {
                if err := h.Engine.HandleInboundSMS(r.Context(), phoneHash, e164, body); err != nil {
                    logger.WithContext(r.Context()).WithError(err).Warn("failed to handle inbound sms")
                }
            }
        }
    }

    w.Header().Set("Content-Type", "text/xml")
    w.WriteHeader(http.StatusOK)
    w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

type scheduleResponsePayload struct {
    MessageControlID string `json:"messageControlId"`
    Success          bool   `json:"success"`
    Patient          struct {
        MRN string `json:"mrn"`
    } `json:"patient"`
    AvailableSlots []struct {
        SlotID          string    `json:"slotId"`
        StartAt         time.Time `json:"startAt"`
        DurationMinutes int       `json:"durationMinutes"`
    } `json:"availableSlots"`
    ErrorMessage string `json:"errorMessage"`
}

// ScheduleResponse handles the IE's slot-listing callback. Lookup is by
// messageControlId, which the engine treats as the conversation id — the
// correlation id the IE echoes back from the original slot request.
func (h *Handlers) ScheduleResponse(w http.ResponseWriter, r *http.Request) {
    var payload scheduleResponsePayload
    if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
        writeJSONError(w, http.StatusBadRequest, "malformed request body")
        return
    }

    slots := make([]models.Slot, 0, len(payload.AvailableSlots))
    for _, s := range payload.AvailableSlots {
        slots = append(slots, models.Slot{SlotID: s.SlotID, StartTime: s.StartAt, Duration: s.DurationMinutes})
    }

    err := h.Engine.HandleScheduleResponse(r.Context(), conversation.ScheduleResponse{
        ConversationID: payload.MessageControlID,
        Success:        payload.Success,
        AvailableSlots: slots,
        ErrorMessage:   payload.ErrorMessage,
    }, h.MaxSlotRetries)
    if err != nil {
        logger.WithContext(r.Context()).WithError(err).Warn("failed to handle schedule response callback")
    }
    w.WriteHeader(http.StatusOK)
}

type appointmentNotificationPayload struct {
    MessageControlID string `json:"messageControlId"`
    Action           string `json:"action"`
    Appointment      struct {
        AppointmentID       string    `json:"appointmentId"`
        FillerAppointmentID string    `json:"fillerAppointmentId"`
        DateTime            time.Time `json:"dateTime"`
        LocationName        string    `json:"locationName"`
        ServiceDescription  string    `json:"serviceDescription"`
    } `json:"appointment"`
    Patient struct {
        MRN string `json:"mrn"`
    } `json:"patient"`
    OrderIDs []string `json:"orderIds"`
}

// AppointmentNotification handles the IE's booking callback:
// new/rescheduled/cancelled/modified.
func (h *Handlers) AppointmentNotification(w http.ResponseWriter, r *http.Request) {
    var payload appointmentNotificationPayload
    if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
        writeJSONError(w, http.StatusBadRequest, "malformed request body")
        return
    }

    err := h.Engine.HandleAppointmentNotification(r.Context(), conversation.AppointmentNotification{
        ConversationID: payload.MessageControlID,
        Action:         payload.Action,
        Appointment: models.Appointment{
            AppointmentID:       payload.Appointment.AppointmentID,
            FillerAppointmentID: payload.Appointment.FillerAppointmentID,
            DateTime:            payload.Appointment.DateTime,
            LocationName:        payload.Appointment.LocationName,
        },
        OrderIDs: payload.OrderIDs,
    })
    if err != nil {
        logger.WithContext(r.Context()).WithError(err).Warn("failed to handle appointment notification callback")
    }
    w.WriteHeader(http.StatusOK)
}
