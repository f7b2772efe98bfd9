package conversation

import (
    "context"
    "testing"
    "time"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/sms"
)

type fakeConversationStore struct {
    byPhoneHash map[string]*models.Conversation
    byID        map[string]*models.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
    return &fakeConversationStore{
        byPhoneHash: make(map[string]*models.Conversation),
        byID:        make(map[string]*models.Conversation),
    }
}

func (f *fakeConversationStore) CreateOrAppendOrder(ctx context.Context, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, bool, error) {
    if existing, ok := f.byPhoneHash[phoneHash]; ok && !existing.State.IsTerminal() {
        od, _ := existing.DecodeOrderData()
        od.PendingOrders = append(od.PendingOrders, order)
        existing.EncodeOrderData(od)
        return existing, true, nil
    }
    conv := &models.Conversation{
        ID:             "conv-" + phoneHash,
        PhoneHash:      phoneHash,
        PhoneEncrypted: phoneEncrypted,
        OrganizationID: organizationID,
        State:          initialState,
        CreatedAt:      time.Now(),
        UpdatedAt:      time.Now(),
        ExpiresAt:      time.Now().Add(sessionTTL),
    }
    conv.EncodeOrderData(models.OrderData{PendingOrders: []models.Order{order}})
    f.byPhoneHash[phoneHash] = conv
    f.byID[conv.ID] = conv
    return conv, false, nil
}

func (f *fakeConversationStore) TransitionState(ctx context.Context, conversationID string, expected, newState models.ConversationState, fields map[string]interface{}) error {
    conv, ok := f.byID[conversationID]
    if !ok || conv.State != expected {
        return nil
    }
    conv.State = newState
    if od, ok := fields["order_data"]; ok {
        if j, ok := od.(models.JSON); ok {
            conv.OrderData = j
        }
    }
    if sentAt, ok := fields["slot_request_sent_at"]; ok {
        if t, ok := sentAt.(time.Time); ok {
            conv.SlotRequestSentAt = &t
        } else {
            conv.SlotRequestSentAt = nil
        }
    }
    if retry, ok := fields["slot_retry_count"]; ok {
        if n, ok := retry.(int); ok {
            conv.SlotRetryCount = n
        }
    }
    return nil
}

func (f *fakeConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
    return f.byID[id], nil
}

func (f *fakeConversationStore) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*models.Conversation, error) {
    conv, ok := f.byPhoneHash[phoneHash]
    if !ok || conv.State.IsTerminal() {
        return nil, nil
    }
    return conv, nil
}

type fakeConsentStore struct {
    consents map[string]*models.Consent
}

func newFakeConsentStore() *fakeConsentStore {
    return &fakeConsentStore{consents: make(map[string]*models.Consent)}
}

func (f *fakeConsentStore) Get(ctx context.Context, phoneHash string) (*models.Consent, error) {
    return f.consents[phoneHash], nil
}

func (f *fakeConsentStore) Upsert(ctx context.Context, phoneHash string, given bool, method models.ConsentMethod, revokedAt *time.Time) error {
    f.consents[phoneHash] = &models.Consent{
        PhoneHash:     phoneHash,
        ConsentGiven:  given,
        ConsentMethod: method,
        RevokedAt:     revokedAt,
    }
    return nil
}

type fakeSender struct {
    sent   []sms.MessageType
    bodies []string
}

func (f *fakeSender) Send(ctx context.Context, conversationID, organizationID, phoneHash, phonePlaintext string, msgType sms.MessageType, body string) (sms.SendResult, error) {
    f.sent = append(f.sent, msgType)
    f.bodies = append(f.bodies, body)
    return sms.SendResult{Sent: true}, nil
}

type fakeIEClient struct {
    slotRequests []ie.SlotRequestInput
    bookings     []ie.BookAppointmentInput
}

func (f *fakeIEClient) GetLocations(ctx context.Context, modality string) ([]ie.Location, error) {
    return nil, nil
}

func (f *fakeIEClient) RequestSlots(ctx context.Context, in ie.SlotRequestInput) error {
    f.slotRequests = append(f.slotRequests, in)
    return nil
}

func (f *fakeIEClient) BookAppointment(ctx context.Context, in ie.BookAppointmentInput) error {
    f.bookings = append(f.bookings, in)
    return nil
}

type fakeAuditStore struct {
    rows []models.AuditEntry
}

func (f *fakeAuditStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    f.rows = append(f.rows, row)
    return nil
}

type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(enc string) (string, error) { return "+15551234567", nil }

func newTestEngine() (*Engine, *fakeConversationStore, *fakeConsentStore, *fakeSender, *fakeIEClient) {
    convStore := newFakeConversationStore()
    consentStore := newFakeConsentStore()
    sender := &fakeSender{}
    ieClient := &fakeIEClient{}
    recorder := audit.New(&fakeAuditStore{})

    e := New(convStore, consentStore, sender, ieClient, recorder, fakeDecrypter{}, nil, Config{
        SessionTTL:             24 * time.Hour,
        MaxUnrecognizedReplies: 3,
        AggregationRule:        "sum",
    })
    return e, convStore, consentStore, sender, ieClient
}

func TestIngestOrderNewPatientSendsConsentPrompt(t *testing.T) {
    e, _, _, sender, _ := newTestEngine()

    err := e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{
        OrderID: "order-1", Modality: "MRI",
    })
    if err != nil {
        t.Fatalf("IngestOrder: %v", err)
    }
    if len(sender.sent) != 1 || sender.sent[0] != MsgConsentRequest {
        t.Errorf("expected consent prompt, got %+v", sender.sent)
    }
}

func TestIngestOrderWithConsentSendsLocationOptions(t *testing.T) {
    e, _, consents, sender, _ := newTestEngine()
    consents.consents["hash-1"] = &models.Consent{PhoneHash: "hash-1", ConsentGiven: true}

    err := e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{
        OrderID: "order-1", Modality: "MRI",
    })
    if err != nil {
        t.Fatalf("IngestOrder: %v", err)
    }
    if len(sender.sent) != 1 || sender.sent[0] != MsgLocationOptions {
        t.Errorf("expected location options, got %+v", sender.sent)
    }
}

func TestHandleInboundSMSNoSessionDrops(t *testing.T) {
    e, _, _, sender, _ := newTestEngine()

    err := e.HandleInboundSMS(context.Background(), "hash-unknown", "+15551234567", "YES")
    if err != nil {
        t.Fatalf("HandleInboundSMS: %v", err)
    }
    if len(sender.sent) != 0 {
        t.Errorf("expected no outbound send for unknown session, got %+v", sender.sent)
    }
}

func TestConsentYesAdvancesToLocationOptions(t *testing.T) {
    e, convStore, _, sender, _ := newTestEngine()

    if err := e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{
        OrderID: "order-1", Modality: "MRI",
    }); err != nil {
        t.Fatalf("IngestOrder: %v", err)
    }

    if err := e.HandleInboundSMS(context.Background(), "hash-1", "+15551234567", "yes"); err != nil {
        t.Fatalf("HandleInboundSMS: %v", err)
    }

    conv := convStore.byPhoneHash["hash-1"]
    if conv.State != models.StateChoosingLocation {
        t.Errorf("state = %v, want CHOOSING_LOCATION", conv.State)
    }
    if len(sender.sent) != 2 || sender.sent[1] != MsgLocationOptions {
        t.Errorf("expected consent prompt then location options, got %+v", sender.sent)
    }
}

func TestOptOutCancelsConversation(t *testing.T) {
    e, convStore, consents, sender, _ := newTestEngine()

    e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{OrderID: "order-1", Modality: "MRI"})
    if err := e.HandleInboundSMS(context.Background(), "hash-1", "+15551234567", "STOP"); err != nil {
        t.Fatalf("HandleInboundSMS: %v", err)
    }

    conv := convStore.byPhoneHash["hash-1"]
    if conv.State != models.StateCancelled {
        t.Errorf("state = %v, want CANCELLED", conv.State)
    }
    if consents.consents["hash-1"].ConsentGiven {
        t.Errorf("expected consent revoked")
    }
    if len(sender.sent) != 2 || sender.sent[1] != MsgOptOutAck {
        t.Errorf("expected consent prompt then opt-out ack, got %+v", sender.sent)
    }
}

func TestThreeUnrecognizedRepliesCancels(t *testing.T) {
    e, convStore, _, sender, _ := newTestEngine()

    e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{OrderID: "order-1", Modality: "MRI"})

    for i := 0; i < 3; i++ {
        if err := e.HandleInboundSMS(context.Background(), "hash-1", "+15551234567", "blah"); err != nil {
            t.Fatalf("HandleInboundSMS: %v", err)
        }
    }

    conv := convStore.byPhoneHash["hash-1"]
    if conv.State != models.StateCancelled {
        t.Errorf("state = %v, want CANCELLED after three unrecognized replies", conv.State)
    }
    last := sender.sent[len(sender.sent)-1]
    if last != MsgError {
        t.Errorf("expected final call-back message, got %v", last)
    }
}

func TestChoosingLocationDigitIssuesSlotRequest(t *testing.T) {
    e, convStore, consents, _, ieClient := newTestEngine()
    consents.consents["hash-1"] = &models.Consent{PhoneHash: "hash-1", ConsentGiven: true}

    e.IngestOrder(context.Background(), "org-1", "hash-1", "enc-1", "+15551234567", models.Order{
        OrderID: "order-1", Modality: "MRI",
        AvailableLocations: []models.Location{{ID: "loc-1", Name: "Main Imaging"}},
    })

    if err := e.HandleInboundSMS(context.Background(), "hash-1", "+15551234567", "1"); err != nil {
        t.Fatalf("HandleInboundSMS: %v", err)
    }

    conv := convStore.byPhoneHash["hash-1"]
    if conv.State != models.StateChoosingTime {
        t.Errorf("state = %v, want CHOOSING_TIME", conv.State)
    }
    if len(ieClient.slotRequests) != 1 || ieClient.slotRequests[0].SelectedLocationID != "loc-1" {
        t.Errorf("expected one slot request for loc-1, got %+v", ieClient.slotRequests)
    }
}
