// Package inbound implements the three webhook receivers the spec's
// external collaborators call into: order ingest, inbound SMS, and the two
// IE callback endpoints, plus the unauthenticated health check.
package inbound

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "net/http"
    "time"

    "github.com/gorilla/mux"
    "github.com/sirupsen/logrus"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/pkg/logger"
)

// Config controls the HTTP edge server, mirroring the teacher's AGI server
// Config shape translated to net/http terms.
type Config struct {
    ListenAddress        string
    Port                 int
    ReadTimeout          time.Duration
    WriteTimeout         time.Duration
    IdleTimeout          time.Duration
    ShutdownTimeout      time.Duration
    OrderWebhookSecret   string
    SMSWebhookSecret     string
    HL7CallbackAuthToken string
}

// MetricsInterface is the narrow metrics capability this package depends
// on — the same dependency-on-interface pattern the teacher's agi.Server
// uses for MetricsInterface.
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
}

// Server is the HTTP edge. It owns no conversation logic itself; every
// handler validates and translates, then calls into Handlers.
type Server struct {
    cfg     Config
    handler *mux.Router
    metrics MetricsInterface
    http    *http.Server
}

// NewServer builds the mux router and wraps it in an http.Server using the
// configured timeouts. recorder backs the SECURITY audit entry withAuth
// writes on every rejected request.
func NewServer(cfg Config, metrics MetricsInterface, handlers *Handlers, recorder *audit.Recorder) *Server {
    router := mux.NewRouter()

    router.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
    router.Handle("/orders/webhook",
        withAuth(authOrderWebhook(cfg.OrderWebhookSecret), recorder, http.HandlerFunc(handlers.OrderWebhook))).Methods(http.MethodPost)
    router.Handle("/sms/webhook",
        withAuth(authSMSWebhook(cfg.SMSWebhookSecret), recorder, http.HandlerFunc(handlers.SMSWebhook))).Methods(http.MethodPost)
    router.Handle("/webhooks/hl7/schedule-response",
        withAuth(authBearer(cfg.HL7CallbackAuthToken), recorder, http.HandlerFunc(handlers.ScheduleResponse))).Methods(http.MethodPost)
    router.Handle("/webhooks/hl7/appointment-notification",
        withAuth(authBearer(cfg.HL7CallbackAuthToken), recorder, http.HandlerFunc(handlers.AppointmentNotification))).Methods(http.MethodPost)

    return &Server{
        cfg:     cfg,
        handler: router,
        metrics: metrics,
        http: &http.Server{
            Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port),
            Handler:      loggingMiddleware(router),
            ReadTimeout:  cfg.ReadTimeout,
            WriteTimeout: cfg.WriteTimeout,
            IdleTimeout:  cfg.IdleTimeout,
        },
    }
}

// Router exposes the underlying mux.Router so cmd/scheduler can mount
// additional route groups (e.g. internal/admin's read API) on the same server.
func (s *Server) Router() *mux.Router { return s.handler }

// Start begins serving and blocks until Stop is called or a fatal listener
// error occurs.
func (s *Server) Start() error {
    logger.WithField("address", s.http.Addr).Info("inbound edge server starting")
    ln, err := net.Listen("tcp", s.http.Addr)
    if err != nil {
        return err
    }
    if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
        return err
    }
    return nil
}

// Stop gracefully shuts the server down within ShutdownTimeout.
func (s *Server) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
    defer cancel()
    if err := s.http.Shutdown(ctx); err != nil {
        logger.WithField("error", err.Error()).Warn("inbound edge shutdown timeout, forcing close")
        return s.http.Close()
    }
    logger.Info("inbound edge server stopped gracefully")
    return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        logger.WithField("method", r.Method).WithFields(logrus.Fields{
            "path":        r.URL.Path,
            "duration_ms": time.Since(start).Milliseconds(),
        }).Debug("inbound request handled")
    })
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(map[string]string{"error": message})
}
