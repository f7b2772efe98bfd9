package models

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// ConversationState is one node of the scheduling conversation DAG.
type ConversationState string

const (
    StateConsentPending    ConversationState = "CONSENT_PENDING"
    StateChoosingLocation  ConversationState = "CHOOSING_LOCATION"
    StateChoosingTime      ConversationState = "CHOOSING_TIME"
    StateCoordinatorReview ConversationState = "COORDINATOR_REVIEW"
    StateConfirmed         ConversationState = "CONFIRMED"
    StateCancelled         ConversationState = "CANCELLED"
    StateExpired           ConversationState = "EXPIRED"
)

// IsTerminal reports whether the state is one of CONFIRMED, CANCELLED or
// EXPIRED. A CONFIRMED conversation can still be reopened to CHOOSING_LOCATION.
func (s ConversationState) IsTerminal() bool {
    switch s {
    case StateConfirmed, StateCancelled, StateExpired:
        return true
    default:
        return false
    }
}

// ConsentMethod records how a consent row reached its current value.
type ConsentMethod string

const (
    ConsentMethodSMSReplyYes ConsentMethod = "SMS_REPLY_YES"
    ConsentMethodRevokedStop ConsentMethod = "REVOKED_STOP"
)

// AuditAction enumerates the append-only event taxonomy for audit_entries.
type AuditAction string

const (
    AuditActionInboundSMS      AuditAction = "INBOUND_SMS"
    AuditActionOutboundSMS     AuditAction = "OUTBOUND_SMS"
    AuditActionOutboundError   AuditAction = "OUTBOUND_ERROR"
    AuditActionStateTransition AuditAction = "STATE_TRANSITION"
    AuditActionOrderReceived   AuditAction = "ORDER_RECEIVED"
    AuditActionSlotRequested   AuditAction = "SLOT_REQUESTED"
    AuditActionSlotReceived    AuditAction = "SLOT_RECEIVED"
    AuditActionBookingAttempt  AuditAction = "BOOKING_ATTEMPT"
    AuditActionBookingResult   AuditAction = "BOOKING_RESULT"
    AuditActionConsentChanged  AuditAction = "CONSENT_CHANGED"
    AuditActionSecurity        AuditAction = "SECURITY"
)

// JSON is a generic document column, mirroring the teacher's metadata pattern.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    if j == nil {
        return "{}", nil
    }
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        return nil
    }

    return json.Unmarshal(bytes, j)
}

// Location is a schedulable site as returned by the IE's location list.
type Location struct {
    ID   string `json:"id"`
    Name string `json:"name"`
}

// Slot is one bookable appointment time as returned by the IE's slot-request callback.
type Slot struct {
    SlotID    string    `json:"slotId"`
    StartTime time.Time `json:"startTime"`
    Duration  int       `json:"duration"`
}

// PatientIdentifiers is the minimal patient reference carried on an order,
// forwarded opaquely to the IE and never interpreted by the engine.
type PatientIdentifiers struct {
    MRN    string `json:"mrn,omitempty"`
    Name   string `json:"name,omitempty"`
    DOB    string `json:"dob,omitempty"`
    Gender string `json:"gender,omitempty"`
}

// Order is a single radiology order folded into a conversation's pendingOrders.
type Order struct {
    OrderID            string             `json:"orderId"`
    OrderGroupID        string             `json:"orderGroupId,omitempty"`
    Modality           string             `json:"modality"`
    Priority           string             `json:"priority,omitempty"`
    OrderDescription   string             `json:"orderDescription"`
    Procedures         []string           `json:"procedures,omitempty"`
    DurationMinutes    int                `json:"durationMinutes,omitempty"`
    OrderingPractice   string             `json:"orderingPractice,omitempty"`
    AvailableLocations []Location         `json:"availableLocations,omitempty"`
    Patient            PatientIdentifiers `json:"patient,omitempty"`
    PatientContext     json.RawMessage    `json:"patientContext,omitempty"`
}

// Appointment is the confirmed booking sub-document, present once state == CONFIRMED.
type Appointment struct {
    AppointmentID       string    `json:"appointmentId"`
    FillerAppointmentID string    `json:"fillerAppointmentId"`
    DateTime            time.Time `json:"dateTime"`
    LocationName        string    `json:"locationName"`
}

// OrderData is the decoded shape of the Conversation.order_data JSON column.
//
// It is the structured surface the engine reasons about; PatientContext is
// carried as an opaque passthrough and never inspected.
type OrderData struct {
    PendingOrders     []Order      `json:"pendingOrders"`
    SelectedLocation  *Location    `json:"selectedLocation,omitempty"`
    AvailableSlots    []Slot       `json:"availableSlots,omitempty"`
    SelectedSlot      *Slot        `json:"selectedSlot,omitempty"`
    Appointment       *Appointment `json:"appointment,omitempty"`
    UnrecognizedCount int          `json:"unrecognizedCount,omitempty"`
    BookingInFlight   bool         `json:"bookingInFlight,omitempty"`
    BookingOrderIDs   []string     `json:"bookingOrderIds,omitempty"`
    BookingPatient    *PatientIdentifiers `json:"bookingPatient,omitempty"`
}

// Conversation is one active (or concluded) patient scheduling session.
type Conversation struct {
    ID                  string            `json:"id" db:"id"`
    PhoneHash           string            `json:"phone_hash" db:"phone_hash"`
    PhoneEncrypted      string            `json:"-" db:"phone_encrypted"`
    OrganizationID      string            `json:"organization_id" db:"organization_id"`
    State               ConversationState `json:"state" db:"state"`
    OrderData           JSON              `json:"order_data" db:"order_data"`
    CreatedAt           time.Time         `json:"created_at" db:"created_at"`
    UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
    ExpiresAt           time.Time         `json:"expires_at" db:"expires_at"`
    CompletedAt         *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
    SlotRequestSentAt   *time.Time        `json:"slot_request_sent_at,omitempty" db:"slot_request_sent_at"`
    SlotRetryCount      int               `json:"slot_retry_count" db:"slot_retry_count"`
    SlotRequestFailedAt *time.Time        `json:"slot_request_failed_at,omitempty" db:"slot_request_failed_at"`
}

// DecodeOrderData unmarshals the raw JSON column into the typed engine view.
func (c *Conversation) DecodeOrderData() (OrderData, error) {
    var od OrderData
    raw, err := json.Marshal(map[string]interface{}(c.OrderData))
    if err != nil {
        return od, err
    }
    if err := json.Unmarshal(raw, &od); err != nil {
        return od, err
    }
    return od, nil
}

// EncodeOrderData folds the typed engine view back into the storage column.
func (c *Conversation) EncodeOrderData(od OrderData) error {
    raw, err := json.Marshal(od)
    if err != nil {
        return err
    }
    var m map[string]interface{}
    if err := json.Unmarshal(raw, &m); err != nil {
        return err
    }
    c.OrderData = JSON(m)
    return nil
}

// Consent is the single authoritative row per phone_hash governing outbound sends.
type Consent struct {
    PhoneHash        string        `json:"phone_hash" db:"phone_hash"`
    ConsentGiven     bool          `json:"consent_given" db:"consent_given"`
    ConsentTimestamp time.Time     `json:"consent_timestamp" db:"consent_timestamp"`
    ConsentMethod    ConsentMethod `json:"consent_method" db:"consent_method"`
    RevokedAt        *time.Time    `json:"revoked_at,omitempty" db:"revoked_at"`
}

// IsActive reports whether this consent currently authorizes non-prompt outbound sends.
func (c *Consent) IsActive() bool {
    return c != nil && c.ConsentGiven && c.RevokedAt == nil
}

// AuditEntry is one append-only, metadata-only record. It MUST NOT carry
// plaintext phone numbers, names, or message bodies.
type AuditEntry struct {
    ID             int64       `json:"id" db:"id"`
    ConversationID string      `json:"conversation_id" db:"conversation_id"`
    PhoneHash      string      `json:"phone_hash" db:"phone_hash"`
    Action         AuditAction `json:"action" db:"action"`
    Detail         JSON        `json:"detail,omitempty" db:"detail"`
    Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
}

// OrganizationSMSConfig is the per-organization provider/sender policy consulted by the Dispatcher.
type OrganizationSMSConfig struct {
    OrganizationID         string   `json:"organization_id" db:"organization_id"`
    PrimaryProvider        string   `json:"primary_provider" db:"primary_provider"`
    PrimaryPhoneNumbers    []string `json:"primary_phone_numbers" db:"primary_phone_numbers"`
    FailoverProvider       string   `json:"failover_provider" db:"failover_provider"`
    FailoverPhoneNumbers   []string `json:"failover_phone_numbers" db:"failover_phone_numbers"`
    StickySender           bool     `json:"sticky_sender" db:"sticky_sender"`
}
