package admin

import (
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/gorilla/mux"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/radscheduler/core/internal/models"
)

func newTestRouter(fs *fakeStore) *mux.Router {
    router := mux.NewRouter()
    Routes(router, NewService(fs))
    return router
}

func TestHandleListConversationsParsesQueryParams(t *testing.T) {
    fs := &fakeStore{summaries: []ConversationSummary{{ID: "conv-1", State: models.StateConfirmed}}}
    router := newTestRouter(fs)

    req := httptest.NewRequest(http.MethodGet, "/admin/conversations?state=CONFIRMED&stuck=true&limit=5", nil)
    rec := httptest.NewRecorder()
    router.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, models.StateConfirmed, fs.gotFilter.State)
    assert.True(t, fs.gotFilter.Stuck)
    assert.Equal(t, 5, fs.gotFilter.Limit)

    var out []ConversationSummary
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
    require.Len(t, out, 1)
    assert.Equal(t, "conv-1", out[0].ID)
}

func TestHandleListConversationsStoreError(t *testing.T) {
    fs := &fakeStore{err: errors.New("boom")}
    router := newTestRouter(fs)

    req := httptest.NewRequest(http.MethodGet, "/admin/conversations", nil)
    rec := httptest.NewRecorder()
    router.ServeHTTP(rec, req)

    assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleConversationDetailNotFound(t *testing.T) {
    fs := &fakeStore{err: errors.New("not found")}
    router := newTestRouter(fs)

    req := httptest.NewRequest(http.MethodGet, "/admin/conversations/missing", nil)
    rec := httptest.NewRecorder()
    router.ServeHTTP(rec, req)

    assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConversationDetailFound(t *testing.T) {
    fs := &fakeStore{detail: &ConversationDetail{ConversationSummary: ConversationSummary{ID: "conv-7"}}}
    router := newTestRouter(fs)

    req := httptest.NewRequest(http.MethodGet, "/admin/conversations/conv-7", nil)
    rec := httptest.NewRecorder()
    router.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    var out ConversationDetail
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
    assert.Equal(t, "conv-7", out.ID)
}

func TestHandleSMSVolumeDefaultsToTrailing24Hours(t *testing.T) {
    fs := &fakeStore{volume: SMSVolume{Inbound: 1, Outbound: 2}}
    router := newTestRouter(fs)

    req := httptest.NewRequest(http.MethodGet, "/admin/stats/sms-volume", nil)
    rec := httptest.NewRecorder()
    router.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    var vol SMSVolume
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vol))
    assert.Equal(t, int64(1), vol.Inbound)
    assert.Equal(t, int64(2), vol.Outbound)
}

func TestAtoiOrFallsBackOnInvalidInput(t *testing.T) {
    assert.Equal(t, 100, atoiOr("", 100))
    assert.Equal(t, 100, atoiOr("not-a-number", 100))
    assert.Equal(t, 42, atoiOr("42", 100))
}

func TestParseTimeRejectsNonRFC3339(t *testing.T) {
    _, ok := parseTime("not-a-time")
    assert.False(t, ok)

    _, ok = parseTime("")
    assert.False(t, ok)

    _, ok = parseTime("2026-07-31T00:00:00Z")
    assert.True(t, ok)
}
