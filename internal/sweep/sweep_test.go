package sweep

import (
    "context"
    "testing"
    "time"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/conversation"
    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/internal/sms"
)

type fakeConvStore struct {
    stuck       []*models.Conversation
    inFlight    []*models.Conversation
    expiredN    int64
}

func (f *fakeConvStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
    return f.expiredN, nil
}
func (f *fakeConvStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error) {
    return f.stuck, nil
}
func (f *fakeConvStore) ListBookingInFlight(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error) {
    return f.inFlight, nil
}

type fakeAuditStoreSweep struct {
    deleted   int64
    olderThan time.Time
}

func (f *fakeAuditStoreSweep) SweepRetention(ctx context.Context, olderThan time.Time) (int64, error) {
    f.olderThan = olderThan
    return f.deleted, nil
}

type fakeLocker struct {
    denyKey string
}

func (f *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    if key == f.denyKey {
        return nil, errLockHeld
    }
    return func() {}, nil
}

var errLockHeld = &lockHeldError{}

type lockHeldError struct{}

func (*lockHeldError) Error() string { return "lock already held" }

type fakeEngineConversationStore struct {
    conv *models.Conversation
}

func (f *fakeEngineConversationStore) CreateOrAppendOrder(ctx context.Context, phoneHash, phoneEncrypted, organizationID string, order models.Order, sessionTTL time.Duration, initialState models.ConversationState) (*models.Conversation, bool, error) {
    return f.conv, false, nil
}
func (f *fakeEngineConversationStore) TransitionState(ctx context.Context, conversationID string, expected, newState models.ConversationState, fields map[string]interface{}) error {
    f.conv.State = newState
    return nil
}
func (f *fakeEngineConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
    return f.conv, nil
}
func (f *fakeEngineConversationStore) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*models.Conversation, error) {
    return f.conv, nil
}

type fakeConsentStoreSweep struct{}

func (fakeConsentStoreSweep) Get(ctx context.Context, phoneHash string) (*models.Consent, error) {
    return nil, nil
}
func (fakeConsentStoreSweep) Upsert(ctx context.Context, phoneHash string, given bool, method models.ConsentMethod, revokedAt *time.Time) error {
    return nil
}

type fakeSenderSweep struct{ sent int }

func (f *fakeSenderSweep) Send(ctx context.Context, conversationID, organizationID, phoneHash, phonePlaintext string, msgType sms.MessageType, body string) (sms.SendResult, error) {
    f.sent++
    return sms.SendResult{Sent: true}, nil
}

type fakeIEClientSweep struct {
    slotRequests int
    bookings     int
}

func (f *fakeIEClientSweep) GetLocations(ctx context.Context, modality string) ([]ie.Location, error) {
    return nil, nil
}
func (f *fakeIEClientSweep) RequestSlots(ctx context.Context, in ie.SlotRequestInput) error {
    f.slotRequests++
    return nil
}
func (f *fakeIEClientSweep) BookAppointment(ctx context.Context, in ie.BookAppointmentInput) error {
    f.bookings++
    return nil
}

type fakeAuditStoreInsert struct{}

func (fakeAuditStoreInsert) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    return nil
}

type fakeDecrypterSweep struct{}

func (fakeDecrypterSweep) Decrypt(enc string) (string, error) { return "+15551234567", nil }

func TestStuckMonitorRetriesSlowSlotRequest(t *testing.T) {
    sentAt := time.Now().Add(-5 * time.Minute)
    conv := &models.Conversation{
        ID: "conv-1", PhoneHash: "hash-1", State: models.StateChoosingTime,
        SlotRequestSentAt: &sentAt,
    }
    conv.EncodeOrderData(models.OrderData{
        SelectedLocation: &models.Location{ID: "loc-1"},
        PendingOrders:    []models.Order{{OrderID: "order-1"}},
    })

    convStore := &fakeEngineConversationStore{conv: conv}
    ieClient := &fakeIEClientSweep{}
    engine := conversation.New(convStore, fakeConsentStoreSweep{}, &fakeSenderSweep{}, ieClient,
        audit.New(fakeAuditStoreInsert{}), fakeDecrypterSweep{}, nil, conversation.Config{
            SessionTTL: time.Hour,
        })

    sched := New(&fakeConvStore{stuck: []*models.Conversation{conv}}, &fakeAuditStoreSweep{}, &fakeLocker{}, engine, Config{
        SlotResponseSLA: time.Minute,
        SlotMaxRetries:  1,
        BookingSLA:      time.Minute,
        AuditRetention:  24 * time.Hour,
    })

    sched.runStuckMonitor()

    if ieClient.slotRequests != 1 {
        t.Errorf("slot requests = %d, want 1", ieClient.slotRequests)
    }
}

func TestStuckMonitorSkipsLockedConversation(t *testing.T) {
    conv := &models.Conversation{ID: "conv-locked", State: models.StateChoosingTime}
    convStore := &fakeConvStore{stuck: []*models.Conversation{conv}}
    locker := &fakeLocker{denyKey: "conversation:conv-locked"}

    engine := conversation.New(&fakeEngineConversationStore{conv: conv}, fakeConsentStoreSweep{}, &fakeSenderSweep{},
        &fakeIEClientSweep{}, audit.New(fakeAuditStoreInsert{}), fakeDecrypterSweep{}, nil, conversation.Config{
            SessionTTL: time.Hour,
        })

    sched := New(convStore, &fakeAuditStoreSweep{}, locker, engine, Config{
        SlotResponseSLA: time.Minute,
        BookingSLA:      time.Minute,
    })

    // Must not panic or deadlock even though the lock is denied.
    sched.runStuckMonitor()
}

func TestRetentionSweepUsesConfiguredWindow(t *testing.T) {
    auditStore := &fakeAuditStoreSweep{deleted: 3}
    sched := New(&fakeConvStore{}, auditStore, &fakeLocker{}, nil, Config{
        AuditRetention: 48 * time.Hour,
    })
    before := time.Now()
    sched.runRetentionSweep()
    after := time.Now()

    if auditStore.olderThan.Before(before.Add(-48*time.Hour)) || auditStore.olderThan.After(after.Add(-48*time.Hour)) {
        t.Errorf("retention cutoff = %v, want now minus 48h", auditStore.olderThan)
    }
}
