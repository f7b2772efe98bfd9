package admin

import (
    "encoding/json"
    "net/http"
    "strconv"
    "time"

    "github.com/gorilla/mux"

    "github.com/radscheduler/core/internal/models"
)

// Routes mounts the read-only admin API on the given router under /admin,
// per spec.md §4.8. Intended to be called with the same *mux.Router the
// inbound edge server exposes via Server.Router(), so both surfaces share one
// listener.
func Routes(router *mux.Router, svc *Service) {
    admin := router.PathPrefix("/admin").Subrouter()
    admin.HandleFunc("/conversations", handleListConversations(svc)).Methods(http.MethodGet)
    admin.HandleFunc("/conversations/{id}", handleConversationDetail(svc)).Methods(http.MethodGet)
    admin.HandleFunc("/stats/state-counts", handleStateCounts(svc)).Methods(http.MethodGet)
    admin.HandleFunc("/stats/time-in-state", handleTimeInState(svc)).Methods(http.MethodGet)
    admin.HandleFunc("/stats/sms-volume", handleSMSVolume(svc)).Methods(http.MethodGet)
}

func handleListConversations(svc *Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        q := r.URL.Query()
        f := Filter{
            State:  models.ConversationState(q.Get("state")),
            Stuck:  q.Get("stuck") == "true",
            Limit:  atoiOr(q.Get("limit"), 100),
            Offset: atoiOr(q.Get("offset"), 0),
        }
        if from, ok := parseTime(q.Get("from")); ok {
            f.From = &from
        }
        if to, ok := parseTime(q.Get("to")); ok {
            f.To = &to
        }

        out, err := svc.ListConversations(r.Context(), f)
        if err != nil {
            writeAdminError(w, http.StatusInternalServerError, "failed to list conversations")
            return
        }
        writeJSON(w, out)
    }
}

func handleConversationDetail(svc *Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        id := mux.Vars(r)["id"]
        detail, err := svc.GetConversationDetail(r.Context(), id)
        if err != nil {
            writeAdminError(w, http.StatusNotFound, "conversation not found")
            return
        }
        writeJSON(w, detail)
    }
}

func handleStateCounts(svc *Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        from, to := rangeOrDefault(r)
        out, err := svc.CountsByState(r.Context(), from, to)
        if err != nil {
            writeAdminError(w, http.StatusInternalServerError, "failed to count conversations by state")
            return
        }
        writeJSON(w, out)
    }
}

func handleTimeInState(svc *Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        from, to := rangeOrDefault(r)
        out, err := svc.AverageTimeInState(r.Context(), from, to)
        if err != nil {
            writeAdminError(w, http.StatusInternalServerError, "failed to compute average time in state")
            return
        }
        writeJSON(w, out)
    }
}

func handleSMSVolume(svc *Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        from, to := rangeOrDefault(r)
        out, err := svc.SMSVolumeByDirection(r.Context(), from, to)
        if err != nil {
            writeAdminError(w, http.StatusInternalServerError, "failed to count sms volume")
            return
        }
        writeJSON(w, out)
    }
}

// rangeOrDefault defaults to the trailing 24 hours when from/to are omitted,
// matching the stats dashboards' typical "last day" view.
func rangeOrDefault(r *http.Request) (time.Time, time.Time) {
    q := r.URL.Query()
    to := time.Now()
    from := to.Add(-24 * time.Hour)
    if t, ok := parseTime(q.Get("from")); ok {
        from = t
    }
    if t, ok := parseTime(q.Get("to")); ok {
        to = t
    }
    return from, to
}

func parseTime(v string) (time.Time, bool) {
    if v == "" {
        return time.Time{}, false
    }
    t, err := time.Parse(time.RFC3339, v)
    if err != nil {
        return time.Time{}, false
    }
    return t, true
}

func atoiOr(v string, fallback int) int {
    if v == "" {
        return fallback
    }
    n, err := strconv.Atoi(v)
    if err != nil {
        return fallback
    }
    return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(map[string]string{"error": message})
}
