package inbound

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/conversation"
    "github.com/radscheduler/core/internal/identity"
    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/sms"
    "github.com/radscheduler/core/pkg/logger"
)

func init() {
    logger.Init(logger.Config{Level: "error", Format: "json"})
    identity.Init("unit-test-salt", "01234567890123456789012345678901", "k1")
}

type noopConversationStore struct {
    conv *models.Conversation
}

func (s *noopConversationStore) CreateOrAppendOrder(ctx context.Context, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, bool, error) {
    s.conv = &models.Conversation{ID: "conv-1", PhoneHash: phoneHash, PhoneEncrypted: phoneEncrypted, State: initialState}
    s.conv.EncodeOrderData(models.OrderData{PendingOrders: []models.Order{order}})
    return s.conv, false, nil
}

func (s *noopConversationStore) TransitionState(ctx context.Context, conversationID string, expected, newState models.ConversationState, fields map[string]interface{}) error {
    return nil
}

func (s *noopConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
    return s.conv, nil
}

func (s *noopConversationStore) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*models.Conversation, error) {
    return s.conv, nil
}

type noopConsentStore struct{}

func (noopConsentStore) Get(ctx context.Context, phoneHash string) (*models.Consent, error) {
    return nil, nil
}
func (noopConsentStore) Upsert(ctx context.Context, phoneHash string, given bool, method models.ConsentMethod, revokedAt *time.Time) error {
    return nil
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, conversationID, organizationID, phoneHash, phonePlaintext string, msgType sms.MessageType, body string) (sms.SendResult, error) {
    return sms.SendResult{Sent: true}, nil
}

type noopIEClient struct{}

func (noopIEClient) GetLocations(ctx context.Context, modality string) ([]ie.Location, error) {
    return nil, nil
}
func (noopIEClient) RequestSlots(ctx context.Context, in ie.SlotRequestInput) error { return nil }
func (noopIEClient) BookAppointment(ctx context.Context, in ie.BookAppointmentInput) error {
    return nil
}

type noopAuditStore struct{}

func (noopAuditStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    return nil
}

func testHandlers() *Handlers {
    convStore := &noopConversationStore{}
    e := conversation.New(convStore, noopConsentStore{}, noopSender{}, noopIEClient{}, audit.New(noopAuditStore{}), identity.PhoneDecrypter{}, nil, conversation.Config{
        SessionTTL: 24 * time.Hour,
    })
    return &Handlers{Engine: e}
}

func TestOrderWebhookRejectsMissingFields(t *testing.T) {
    h := testHandlers()
    body, _ := json.Marshal(map[string]string{"orderId": "order-1"})

    req := httptest.NewRequest(http.MethodPost, "/orders/webhook", bytes.NewReader(body))
    w := httptest.NewRecorder()
    h.OrderWebhook(w, req)

    if w.Code != http.StatusBadRequest {
        t.Errorf("status = %d, want 400", w.Code)
    }
}

func TestOrderWebhookAccepts(t *testing.T) {
    h := testHandlers()
    body, _ := json.Marshal(map[string]string{
        "orderId":      "order-1",
        "patientPhone": "+15551234567",
        "modality":     "MRI",
    })

    req := httptest.NewRequest(http.MethodPost, "/orders/webhook", bytes.NewReader(body))
    w := httptest.NewRecorder()
    h.OrderWebhook(w, req)

    if w.Code != http.StatusOK {
        t.Errorf("status = %d, want 200, body=%s", w.Code, w.Body.String())
    }
}

func TestSMSWebhookAlwaysReturns200(t *testing.T) {
    h := testHandlers()

    req := httptest.NewRequest(http.MethodPost, "/sms/webhook", nil)
    req.Form = map[string][]string{"From": {"+15551234567"}, "Body": {"STOP"}}
    w := httptest.NewRecorder()
    h.SMSWebhook(w, req)

    if w.Code != http.StatusOK {
        t.Errorf("status = %d, want 200 (must always ack)", w.Code)
    }
}

func TestHealthReturnsOK(t *testing.T) {
    h := testHandlers()
    req := httptest.NewRequest(http.MethodGet, "/health", nil)
    w := httptest.NewRecorder()
    h.Health(w, req)

    if w.Code != http.StatusOK {
        t.Errorf("status = %d, want 200", w.Code)
    }
}
