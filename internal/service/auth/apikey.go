package auth

import "golang.org/x/crypto/bcrypt"

// KeyVerifier defines the interface for checking presented API keys.
type KeyVerifier interface {
	// Verify compares the configured key hash with a presented plaintext
	// key. Returns nil on match, ErrInvalidAPIKey otherwise.
	Verify(hashedKey, key string) error
}

// BcryptVerifier implements KeyVerifier using bcrypt.
type BcryptVerifier struct{}

// NewBcryptVerifier creates a new BcryptVerifier.
func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{}
}

// Verify implements the KeyVerifier interface using bcrypt.
func (v *BcryptVerifier) Verify(hashedKey, key string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}
