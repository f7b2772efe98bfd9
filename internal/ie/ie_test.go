package ie

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/sony/gobreaker/v2"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
    t.Helper()
    srv := httptest.NewServer(handler)
    c := NewHTTPClient(Config{
        BaseURL:        srv.URL,
        BearerToken:    "test-token",
        Timeout:        2 * time.Second,
        MaxRetries:     1,
        InitialBackoff: time.Millisecond,
        MaxBackoff:     2 * time.Millisecond,
        BreakerSettings: gobreaker.Settings{
            MaxRequests: 5,
            Timeout:     time.Second,
        },
    })
    return c, srv
}

func TestIdempotencyKeyIsOrderIndependent(t *testing.T) {
    a := IdempotencyKey("conv-1", "slot-1", []string{"order-b", "order-a"})
    b := IdempotencyKey("conv-1", "slot-1", []string{"order-a", "order-b"})
    if a != b {
        t.Errorf("idempotency key should be order-independent: %q != %q", a, b)
    }
}

func TestGetLocationsSuccess(t *testing.T) {
    c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
        if r.Header.Get("Authorization") != "Bearer test-token" {
            t.Errorf("missing bearer auth header")
        }
        json.NewEncoder(w).Encode(map[string]interface{}{
            "locations": []Location{{ID: "loc-1", Name: "Main Imaging Center"}},
        })
    })
    defer srv.Close()

    locations, err := c.GetLocations(context.Background(), "MRI")
    if err != nil {
        t.Fatalf("GetLocations: %v", err)
    }
    if len(locations) != 1 || locations[0].ID != "loc-1" {
        t.Errorf("unexpected locations: %+v", locations)
    }
}

func TestBookAppointmentSendsIdempotencyKey(t *testing.T) {
    var received bookAppointmentPayload
    c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
        json.NewDecoder(r.Body).Decode(&received)
        w.WriteHeader(http.StatusAccepted)
    })
    defer srv.Close()

    err := c.BookAppointment(context.Background(), BookAppointmentInput{
        ConversationID: "conv-1",
        OrderIDs:       []string{"order-1"},
        SelectedSlotID: "slot-1",
    })
    if err != nil {
        t.Fatalf("BookAppointment: %v", err)
    }
    want := IdempotencyKey("conv-1", "slot-1", []string{"order-1"})
    if received.IdempotencyKey != want {
        t.Errorf("IdempotencyKey = %q, want %q", received.IdempotencyKey, want)
    }
}

func TestRequestSlotsTerminalErrorOnClientError(t *testing.T) {
    c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadRequest)
    })
    defer srv.Close()

    err := c.RequestSlots(context.Background(), SlotRequestInput{ConversationID: "conv-1"})
    if err == nil {
        t.Fatal("expected error on 400 response")
    }
}
