// Package identity implements the HIPAA identity/crypto model: a
// deterministic, non-reversible phone hash used as the lookup key, and a
// reversible encrypted form used only to send messages back to the patient.
package identity

import (
    "crypto/aes"
    "crypto/cipher"
    "crypto/hmac"
    "crypto/rand"
    "crypto/sha256"
    "encoding/base64"
    "encoding/hex"
    "fmt"
    "regexp"
    "strings"
    "sync"

    apperrors "github.com/radscheduler/core/pkg/errors"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Keys holds the process-wide secrets used to derive phone hashes and to
// seal/open encrypted phones. It is initialized once at startup and treated
// as immutable for the process lifetime.
type Keys struct {
    hashSalt    []byte
    encKey      []byte
    encKeyID    string
}

var (
    globalKeys   *Keys
    globalKeysMu sync.RWMutex
)

// Init loads the process-wide crypto keys from configuration. It must be
// called once before HashPhone/EncryptPhone/DecryptPhone are used.
func Init(hashSalt, encryptionKey, encryptionKeyID string) error {
    if len(encryptionKey) != 32 {
        return apperrors.New(apperrors.ErrConfiguration, fmt.Sprintf("phone encryption key must be exactly 32 bytes, got %d", len(encryptionKey)))
    }
    if hashSalt == "" {
        return apperrors.New(apperrors.ErrConfiguration, "phone hash salt must not be empty")
    }
    if encryptionKeyID == "" {
        encryptionKeyID = "k1"
    }

    globalKeysMu.Lock()
    defer globalKeysMu.Unlock()
    globalKeys = &Keys{
        hashSalt: []byte(hashSalt),
        encKey:   []byte(encryptionKey),
        encKeyID: encryptionKeyID,
    }
    return nil
}

func currentKeys() (*Keys, error) {
    globalKeysMu.RLock()
    defer globalKeysMu.RUnlock()
    if globalKeys == nil {
        return nil, apperrors.New(apperrors.ErrConfiguration, "identity keys not initialized")
    }
    return globalKeys, nil
}

// NormalizeE164 validates and normalizes a raw phone number into E.164 form.
// Malformed numbers are rejected before any hash or encryption derivation runs.
func NormalizeE164(raw string) (string, error) {
    trimmed := strings.TrimSpace(raw)
    trimmed = strings.ReplaceAll(trimmed, "-", "")
    trimmed = strings.ReplaceAll(trimmed, " ", "")
    trimmed = strings.ReplaceAll(trimmed, "(", "")
    trimmed = strings.ReplaceAll(trimmed, ")", "")

    if trimmed == "" {
        return "", apperrors.New(apperrors.ErrValidation, "phone number is empty")
    }
    if !strings.HasPrefix(trimmed, "+") {
        // Assume a bare 10-digit US number if no country code given.
        if len(trimmed) == 10 {
            trimmed = "+1" + trimmed
        } else {
            trimmed = "+" + trimmed
        }
    }
    if !e164Pattern.MatchString(trimmed) {
        return "", apperrors.New(apperrors.ErrValidation, "phone number is not valid E.164").WithContext("length", len(trimmed))
    }
    return trimmed, nil
}

// HashPhone derives the deterministic, non-reversible lookup key for a
// normalized E.164 phone number.
func HashPhone(e164 string) (string, error) {
    keys, err := currentKeys()
    if err != nil {
        return "", err
    }
    mac := hmac.New(sha256.New, keys.hashSalt)
    mac.Write([]byte(e164))
    sum := mac.Sum(nil)
    return hex.EncodeToString(sum), nil
}

// EncryptedPhone is the reversible, base64-encoded ciphertext form of a
// phone number, carrying its key id for future rotation.
type EncryptedPhone string

// EncryptPhone seals a normalized E.164 phone number under the process key.
// The output format is keyID ":" base64(nonce || ciphertext).
func EncryptPhone(e164 string) (EncryptedPhone, error) {
    keys, err := currentKeys()
    if err != nil {
        return "", err
    }

    block, err := aes.NewCipher(keys.encKey)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to initialize cipher")
    }
    gcm, err := cipher.NewGCM(block)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to initialize GCM")
    }

    nonce := make([]byte, gcm.NonceSize())
    if _, err := rand.Read(nonce); err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to generate nonce")
    }

    ciphertext := gcm.Seal(nonce, nonce, []byte(e164), nil)
    encoded := base64.StdEncoding.EncodeToString(ciphertext)
    return EncryptedPhone(fmt.Sprintf("%s:%s", keys.encKeyID, encoded)), nil
}

// DecryptPhone recovers the plaintext E.164 phone number from its encrypted
// form. It fails closed: on any error, neither the plaintext nor the
// ciphertext is included in the returned error.
func DecryptPhone(enc EncryptedPhone) (string, error) {
    keys, err := currentKeys()
    if err != nil {
        return "", err
    }

    parts := strings.SplitN(string(enc), ":", 2)
    if len(parts) != 2 {
        return "", apperrors.New(apperrors.ErrCryptoFailed, "malformed encrypted phone payload")
    }
    keyID, encoded := parts[0], parts[1]
    if keyID != keys.encKeyID {
        return "", apperrors.New(apperrors.ErrCryptoFailed, "unknown encryption key id").WithContext("key_id", keyID)
    }

    ciphertext, err := base64.StdEncoding.DecodeString(encoded)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to decode ciphertext")
    }

    block, err := aes.NewCipher(keys.encKey)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to initialize cipher")
    }
    gcm, err := cipher.NewGCM(block)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to initialize GCM")
    }

    nonceSize := gcm.NonceSize()
    if len(ciphertext) < nonceSize {
        return "", apperrors.New(apperrors.ErrCryptoFailed, "ciphertext too short")
    }
    nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

    plaintext, err := gcm.Open(nil, nonce, sealed, nil)
    if err != nil {
        return "", apperrors.Wrap(err, apperrors.ErrCryptoFailed, "failed to open ciphertext")
    }
    return string(plaintext), nil
}

// PhoneDecrypter adapts DecryptPhone to the conversation engine's Decrypter
// capability interface.
type PhoneDecrypter struct{}

// Decrypt recovers a plaintext E.164 number from its encrypted form.
func (PhoneDecrypter) Decrypt(enc string) (string, error) {
    return DecryptPhone(EncryptedPhone(enc))
}
