package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatehouse/internal/util"
)

// Credential is the single static login configured for the deployment.
type Credential struct {
	Username     string
	PasswordHash string
}

// HashPassword returns an argon2id PHC string for password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	return util.HashArgon2id(util.Normalize(password), util.DefaultArgon2idParams())
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// ValidatePasswordHash checks that hash is a well-formed argon2id or bcrypt
// hash.
func ValidatePasswordHash(hash string) error {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		if _, _, _, err := util.ParseArgon2id(hash); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPasswordHash, err)
		}
		return nil
	case isBcrypt(hash):
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPasswordHash, err)
		}
		return nil
	default:
		return ErrBadPasswordHash
	}
}

// CheckPassword compares password against hash. The password is NFKC
// normalised first so that visually identical input verifies.
func CheckPassword(hash, password string) (bool, error) {
	password = util.Normalize(password)
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return util.CompareArgon2id(hash, password)
	case isBcrypt(hash):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, ErrBadPasswordHash
	}
}

// matchUsername compares fixed-length digests so neither content nor length
// of the configured username leaks through timing.
func matchUsername(configured, given string) bool {
	a := sha256.Sum256([]byte(configured))
	b := sha256.Sum256([]byte(given))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// verify runs the password comparison even when the username does not match.
func (c Credential) verify(username, password string) (bool, error) {
	userOK := matchUsername(c.Username, username)
	passOK, err := CheckPassword(c.PasswordHash, password)
	if err != nil {
		return false, err
	}
	return userOK && passOK, nil
}
