package conversation

import (
    "strconv"
    "strings"
)

// Intent is the classified meaning of a normalized inbound SMS body.
type Intent int

const (
    IntentUnrecognized Intent = iota
    IntentOptOut
    IntentConsentYes
    IntentConsentNo
    IntentDigitChoice
)

var optOutTokens = map[string]bool{
    "STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
    "CANCEL": true, "END": true, "QUIT": true,
}

var consentYesTokens = map[string]bool{"YES": true, "Y": true}
var consentNoTokens = map[string]bool{"NO": true, "N": true}

// ParsedMessage is the result of classifying one inbound SMS body.
type ParsedMessage struct {
    Intent      Intent
    DigitChoice int
    Normalized  string
}

// normalize trims, uppercases, and strips punctuation per spec.md §4.3.
func normalize(body string) string {
    var b strings.Builder
    for _, r := range strings.ToUpper(strings.TrimSpace(body)) {
        if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' {
            b.WriteRune(r)
        }
    }
    return strings.TrimSpace(b.String())
}

// ParseMessage classifies a raw inbound SMS body in the order mandated by
// spec.md §4.3: opt-out tokens, then consent tokens, then decline tokens,
// then a leading run of digits, then unrecognized.
func ParseMessage(body string) ParsedMessage {
    normalized := normalize(body)

    if optOutTokens[normalized] {
        return ParsedMessage{Intent: IntentOptOut, Normalized: normalized}
    }
    if consentYesTokens[normalized] {
        return ParsedMessage{Intent: IntentConsentYes, Normalized: normalized}
    }
    if consentNoTokens[normalized] {
        return ParsedMessage{Intent: IntentConsentNo, Normalized: normalized}
    }

    if digits := leadingDigitRun(normalized); digits != "" {
        n, err := strconv.Atoi(digits)
        if err == nil && n > 0 {
            return ParsedMessage{Intent: IntentDigitChoice, DigitChoice: n, Normalized: normalized}
        }
    }

    return ParsedMessage{Intent: IntentUnrecognized, Normalized: normalized}
}

func leadingDigitRun(s string) string {
    var b strings.Builder
    started := false
    for _, r := range s {
        switch {
        case r >= '0' && r <= '9':
            started = true
            b.WriteRune(r)
        case r == ' ' && !started:
            continue
        default:
            return b.String()
        }
    }
    return b.String()
}
