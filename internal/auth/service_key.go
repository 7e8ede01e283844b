package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrServiceKeyTooShort = errors.New("service key must be at least 32 characters")
	ErrServiceKeyMismatch = errors.New("invalid service key")
)

const (
	MinServiceKeyLength = 32
	bcryptCost          = 12
)

// HashServiceKey creates the bcrypt hash stored in SERVICE_KEY_HASH
func HashServiceKey(key string) (string, error) {
	if len(key) < MinServiceKeyLength {
		return "", ErrServiceKeyTooShort
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyServiceKey compares a presented key with the configured hash
func VerifyServiceKey(key, hash string) error {
	if key == "" || hash == "" {
		return ErrServiceKeyMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrServiceKeyMismatch
		}
		return err
	}
	return nil
}
