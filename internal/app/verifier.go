package app

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/transfa/transfer-authorization-service/internal/store"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPBKDF2Iterations = 100000
	pbkdf2KeyLength         = sha256.Size
)

// SecretVerifier checks an entered PIN against the stored credential.
// The PIN never leaves this type: it is not logged and not wrapped into errors.
type SecretVerifier struct {
	ledger store.Ledger
}

func NewSecretVerifier(ledger store.Ledger) *SecretVerifier {
	return &SecretVerifier{ledger: ledger}
}

// Verify reports whether pin matches. A non-nil error means verification could not
// run (no credential, storage failure) and must not be counted as an attempt.
func (v *SecretVerifier) Verify(ctx context.Context, accountID string, pin []byte) (bool, error) {
	credential, err := v.ledger.GetCredential(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrPINNotSet) {
			return false, err
		}
		return false, fmt.Errorf("load pin credential: %w", err)
	}

	if isBcryptHash(credential.PinHash) {
		err := bcrypt.CompareHashAndPassword([]byte(credential.PinHash), pin)
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("malformed bcrypt credential for account %s", accountID)
		}
		return true, nil
	}

	salt := credential.PinSalt
	if salt == "" {
		salt = accountID
	}
	derived := derivePBKDF2(pin, salt, credential.Iterations)
	stored := strings.ToLower(strings.TrimSpace(credential.PinHash))
	return subtle.ConstantTimeCompare([]byte(derived), []byte(stored)) == 1, nil
}

// HashPIN produces a hex PBKDF2-HMAC-SHA256 credential for provisioning.
func HashPIN(pin, salt string, iterations int) string {
	return derivePBKDF2([]byte(pin), salt, iterations)
}

func derivePBKDF2(pin []byte, salt string, iterations int) string {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return hex.EncodeToString(pbkdf2.Key(pin, []byte(salt), iterations, pbkdf2KeyLength, sha256.New))
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
