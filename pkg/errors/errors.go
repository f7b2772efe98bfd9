package errors

import (
    "fmt"
    "runtime"
    "strings"
)

type ErrorCode string

const (
    // System errors
    ErrInternal      ErrorCode = "INTERNAL_ERROR"
    ErrDatabase      ErrorCode = "DATABASE_ERROR"
    ErrRedis         ErrorCode = "REDIS_ERROR"
    ErrConfiguration ErrorCode = "CONFIG_ERROR"

    // Validation / auth
    ErrValidation ErrorCode = "VALIDATION_ERROR"
    ErrAuth       ErrorCode = "AUTH_FAILED"

    // Domain-level business errors
    ErrConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
    ErrStateConflict        ErrorCode = "STATE_CONFLICT"
    ErrConsentMissing       ErrorCode = "CONSENT_MISSING"
    ErrCryptoFailed         ErrorCode = "CRYPTO_FAILED"

    // IE (interface engine) errors
    ErrIETransient ErrorCode = "IE_TRANSIENT_ERROR"
    ErrIETerminal  ErrorCode = "IE_TERMINAL_ERROR"

    // SMS dispatcher errors
    ErrSMSFailoverExhausted ErrorCode = "SMS_FAILOVER_EXHAUSTED"
    ErrSMSRecipientSide     ErrorCode = "SMS_RECIPIENT_SIDE_ERROR"
)

type AppError struct {
    Code       ErrorCode
    Message    string
    Err        error
    StatusCode int
    Context    map[string]interface{}
    Stack      string
}

func New(code ErrorCode, message string) *AppError {
    return &AppError{
        Code:       code,
        Message:    message,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func Wrap(err error, code ErrorCode, message string) *AppError {
    if err == nil {
        return nil
    }

    // If already an AppError, enhance it
    if appErr, ok := err.(*AppError); ok {
        appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
        return appErr
    }

    return &AppError{
        Code:       code,
        Message:    message,
        Err:        err,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func (e *AppError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
    }
    return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
    return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
    e.Context[key] = value
    return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
    e.StatusCode = code
    return e
}

// IsRetryable reports whether the inbound edge should surface this as a
// retryable (5xx-equivalent) error so the upstream redelivers, per the
// storage-transient / IE-transient rows of the error taxonomy.
func (e *AppError) IsRetryable() bool {
    switch e.Code {
    case ErrDatabase, ErrRedis, ErrIETransient:
        return true
    default:
        return false
    }
}

func getStack() string {
    var pcs [32]uintptr
    n := runtime.Callers(3, pcs[:])

    var builder strings.Builder
    frames := runtime.CallersFrames(pcs[:n])

    for {
        frame, more := frames.Next()
        if !strings.Contains(frame.File, "runtime/") {
            builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
        }
        if !more {
            break
        }
    }

    return builder.String()
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code ErrorCode) bool {
    if err == nil {
        return false
    }

    appErr, ok := err.(*AppError)
    if !ok {
        return false
    }

    return appErr.Code == code
}

// IsRetryable is a free function convenience wrapper around AppError.IsRetryable
// for callers that only have an error, not a concrete *AppError.
func IsRetryable(err error) bool {
    if err == nil {
        return false
    }
    if appErr, ok := err.(*AppError); ok {
        return appErr.IsRetryable()
    }
    return false
}
