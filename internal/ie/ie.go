// Package ie implements the HL7 Interface Engine client: the three REST
// operations the core issues against the middleware that translates REST
// to HL7 for the radiology information system.
package ie

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "sort"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/sony/gobreaker/v2"

    apperrors "github.com/radscheduler/core/pkg/errors"
)

// Location is a bookable facility returned by GetLocations.
type Location struct {
    ID           string   `json:"id"`
    Name         string   `json:"name"`
    Address      string   `json:"address,omitempty"`
    Capabilities []string `json:"capabilities,omitempty"`
}

// PatientIdentifiers is the minimal patient reference forwarded to the IE
// on every request — never logged, never persisted outside order_data.
type PatientIdentifiers struct {
    MRN         string `json:"mrn,omitempty"`
    FirstName   string `json:"firstName,omitempty"`
    LastName    string `json:"lastName,omitempty"`
    DateOfBirth string `json:"dateOfBirth,omitempty"`
}

// SlotRequestInput is the payload for a fire-and-forget slot request.
type SlotRequestInput struct {
    ConversationID     string
    SelectedLocationID string
    OrderIDs           []string
    DurationMinutes    int
    Patient            PatientIdentifiers
}

// BookAppointmentInput is the payload for a fire-and-forget booking request.
type BookAppointmentInput struct {
    ConversationID string
    OrderIDs       []string
    SelectedSlotID string
    Patient        PatientIdentifiers
}

// Client is the capability the conversation engine depends on. Implementing
// this interface against a different transport (e.g. a direct HL7 MLLP
// link) is a drop-in replacement.
type Client interface {
    GetLocations(ctx context.Context, modality string) ([]Location, error)
    RequestSlots(ctx context.Context, in SlotRequestInput) error
    BookAppointment(ctx context.Context, in BookAppointmentInput) error
}

// IdempotencyKey builds the booking dedup key from spec.md §4.5/§8:
// conversation_id + selected_slot.id + sorted(order_ids).
func IdempotencyKey(conversationID, selectedSlotID string, orderIDs []string) string {
    sorted := append([]string(nil), orderIDs...)
    sort.Strings(sorted)
    return conversationID + ":" + selectedSlotID + ":" + strings.Join(sorted, ",")
}

// HTTPClient is the net/http-backed Client implementation, wrapped in a
// circuit breaker per base URL and bounded exponential backoff on
// transport-level failures — the same two-layer shape internal/sms uses
// for its provider calls.
type HTTPClient struct {
    baseURL     string
    bearerToken string
    httpClient  *http.Client
    breaker     *gobreaker.CircuitBreaker[*http.Response]
    maxRetries  int
    initialBackoff time.Duration
    maxBackoff     time.Duration
}

// Config controls retry/backoff/breaker tuning for a Client.
type Config struct {
    BaseURL        string
    BearerToken    string
    Timeout        time.Duration
    MaxRetries     int
    InitialBackoff time.Duration
    MaxBackoff     time.Duration
    BreakerSettings gobreaker.Settings
}

// NewHTTPClient builds a Client against a configured IE base URL.
func NewHTTPClient(cfg Config) *HTTPClient {
    settings := cfg.BreakerSettings
    if settings.Name == "" {
        settings.Name = "ie-" + cfg.BaseURL
    }
    maxRetries := cfg.MaxRetries
    if maxRetries == 0 {
        maxRetries = 3
    }
    initial := cfg.InitialBackoff
    if initial == 0 {
        initial = 2 * time.Second
    }
    max := cfg.MaxBackoff
    if max == 0 {
        max = 8 * time.Second
    }
    return &HTTPClient{
        baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
        bearerToken:    cfg.BearerToken,
        httpClient:     &http.Client{Timeout: cfg.Timeout},
        breaker:        gobreaker.NewCircuitBreaker[*http.Response](settings),
        maxRetries:     maxRetries,
        initialBackoff: initial,
        maxBackoff:     max,
    }
}

func (c *HTTPClient) retryPolicy(ctx context.Context) backoff.BackOff {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = c.initialBackoff
    b.MaxInterval = c.maxBackoff
    b.Multiplier = 2
    b.RandomizationFactor = 0
    return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
    var payload []byte
    if body != nil {
        marshaled, err := json.Marshal(body)
        if err != nil {
            return nil, apperrors.Wrap(err, apperrors.ErrIETerminal, "failed to marshal ie request body")
        }
        payload = marshaled
    }

    var lastResp *http.Response
    op := func() error {
        req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
        if err != nil {
            return backoff.Permanent(err)
        }
        req.Header.Set("Content-Type", "application/json")
        req.Header.Set("Authorization", "Bearer "+c.bearerToken)

        resp, err := c.httpClient.Do(req)
        if err != nil {
            // transport-level failure: retryable
            return err
        }
        if resp.StatusCode >= 500 {
            resp.Body.Close()
            return fmt.Errorf("ie returned %d", resp.StatusCode)
        }
        lastResp = resp
        return nil
    }

    result, err := c.breaker.Execute(func() (*http.Response, error) {
        retryErr := backoff.Retry(op, c.retryPolicy(ctx))
        if retryErr != nil {
            return nil, retryErr
        }
        return lastResp, nil
    })
    if err != nil {
        return nil, apperrors.Wrap(err, apperrors.ErrIETransient, "ie request failed after retries").
            WithContext("path", path)
    }
    return result, nil
}

// GetLocations fetches bookable locations for a modality. Synchronous —
// only called when the inbound order lacked availableLocations.
func (c *HTTPClient) GetLocations(ctx context.Context, modality string) ([]Location, error) {
    resp, err := c.doJSON(ctx, http.MethodGet, "/locations?modality="+modality, nil)
    if err != nil {
        return nil, err
    }
    defer resp.Body.Close()

    if resp.StatusCode >= 400 {
        return nil, apperrors.New(apperrors.ErrIETerminal, "ie rejected locations request").
            WithContext("status", resp.StatusCode)
    }

    var out struct {
        Locations []Location `json:"locations"`
    }
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
        return nil, apperrors.Wrap(err, apperrors.ErrIETerminal, "failed to decode ie locations response")
    }
    return out.Locations, nil
}

type slotRequestPayload struct {
    ConversationID  string             `json:"conversationId"`
    LocationID      string             `json:"selectedLocation"`
    OrderIDs        []string           `json:"orderIds"`
    DurationMinutes int                `json:"duration"`
    Patient         PatientIdentifiers `json:"patient"`
}

// RequestSlots issues a fire-and-forget slot request. The IE replies
// asynchronously via the schedule-response callback.
func (c *HTTPClient) RequestSlots(ctx context.Context, in SlotRequestInput) error {
    resp, err := c.doJSON(ctx, http.MethodPost, "/slot-request", slotRequestPayload{
        ConversationID:  in.ConversationID,
        LocationID:      in.SelectedLocationID,
        OrderIDs:        in.OrderIDs,
        DurationMinutes: in.DurationMinutes,
        Patient:         in.Patient,
    })
    if err != nil {
        return err
    }
    defer resp.Body.Close()

    if resp.StatusCode >= 400 {
        return apperrors.New(apperrors.ErrIETerminal, "ie rejected slot request").
            WithContext("status", resp.StatusCode)
    }
    return nil
}

type bookAppointmentPayload struct {
    ConversationID string             `json:"conversationId"`
    OrderIDs       []string           `json:"orderIds"`
    SelectedSlotID string             `json:"selectedSlot"`
    Patient        PatientIdentifiers `json:"patient"`
    IdempotencyKey string             `json:"idempotencyKey"`
}

// BookAppointment issues a fire-and-forget booking request. Safe to call
// twice with the same (conversation_id, selected_slot, order_ids) triple —
// the idempotency key lets the IE dedup on its side.
func (c *HTTPClient) BookAppointment(ctx context.Context, in BookAppointmentInput) error {
    key := IdempotencyKey(in.ConversationID, in.SelectedSlotID, in.OrderIDs)
    resp, err := c.doJSON(ctx, http.MethodPost, "/book-appointment", bookAppointmentPayload{
        ConversationID: in.ConversationID,
        OrderIDs:       in.OrderIDs,
        SelectedSlotID: in.SelectedSlotID,
        Patient:        in.Patient,
        IdempotencyKey: key,
    })
    if err != nil {
        return err
    }
    defer resp.Body.Close()

    if resp.StatusCode >= 400 {
        return apperrors.New(apperrors.ErrIETerminal, "ie rejected booking request").
            WithContext("status", resp.StatusCode)
    }
    return nil
}
