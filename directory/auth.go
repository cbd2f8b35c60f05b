package directory

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password schemes for new credential records.
const (
	SchemePlain   = "plain"
	SchemeBcrypt  = "bcrypt"
	SchemeSSHA512 = "ssha512"
)

const (
	ssha512PrefixB64         = "{SSHA512}"
	ssha512PrefixB64Explicit = "{SSHA512.b64}"
	ssha512PrefixHex         = "{SSHA512.HEX}"

	sha512PrefixB64         = "{SHA512}"
	sha512PrefixB64Explicit = "{SHA512.b64}"
	sha512PrefixHex         = "{SHA512.HEX}"

	blfCryptPrefix = "{BLF-CRYPT}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"

	sha512HashLength     = 64
	ssha512MinSaltLength = 1
)

var errPasswordMismatch = errors.New("password mismatch")

var schemePrefixes = []string{
	ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex,
	sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex,
	blfCryptPrefix, bcryptPrefix2a, bcryptPrefix2b, bcryptPrefix2y,
}

// looksHashed reports whether s starts with a recognised scheme prefix.
func looksHashed(s string) bool {
	for _, p := range schemePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// HashPassword encodes password for storage with the given scheme.
func HashPassword(scheme, password string) (string, error) {
	switch strings.ToLower(scheme) {
	case "", SchemePlain:
		return password, nil
	case SchemeBcrypt:
		return GenerateBcryptHash(password)
	case SchemeSSHA512:
		return GenerateSSHA512Hash(password)
	default:
		return "", fmt.Errorf("unsupported password scheme %q", scheme)
	}
}

// VerifyPassword checks password against a stored secret. Prefixed secrets
// are verified with their scheme; anything else is a legacy plain record
// compared byte for byte.
func VerifyPassword(stored, password string) error {
	switch {
	case strings.HasPrefix(stored, ssha512PrefixB64),
		strings.HasPrefix(stored, ssha512PrefixB64Explicit),
		strings.HasPrefix(stored, ssha512PrefixHex):
		return verifySSHA512(stored, password)

	case strings.HasPrefix(stored, sha512PrefixB64),
		strings.HasPrefix(stored, sha512PrefixB64Explicit),
		strings.HasPrefix(stored, sha512PrefixHex):
		return verifySHA512(stored, password)

	case strings.HasPrefix(stored, blfCryptPrefix):
		return bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(stored, blfCryptPrefix)), []byte(password))

	case strings.HasPrefix(stored, bcryptPrefix2a),
		strings.HasPrefix(stored, bcryptPrefix2b),
		strings.HasPrefix(stored, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))

	default:
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
			return errPasswordMismatch
		}
		return nil
	}
}

func verifySSHA512(stored, password string) error {
	decoded, err := decodePasswordData(stored, ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SSHA512 format/data: %w", err)
	}

	// Hash first, salt after
	if len(decoded) < sha512HashLength+ssha512MinSaltLength {
		return errors.New("invalid SSHA512 hash: too short")
	}
	storedHash := decoded[:sha512HashLength]
	salt := decoded[sha512HashLength:]

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if !bytes.Equal(storedHash, h.Sum(nil)) {
		return errPasswordMismatch
	}
	return nil
}

func verifySHA512(stored, password string) error {
	storedHash, err := decodePasswordData(stored, sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SHA512 format/data: %w", err)
	}
	if len(storedHash) != sha512HashLength {
		return errors.New("invalid SHA512 hash: incorrect length")
	}

	sum := sha512.Sum512([]byte(password))
	if !bytes.Equal(storedHash, sum[:]) {
		return errPasswordMismatch
	}
	return nil
}

// GenerateSSHA512Hash returns {SSHA512}base64(sha512(password+salt)+salt)
// with an 8 byte random salt.
func GenerateSSHA512Hash(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating random salt: %w", err)
	}

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	combined := append(h.Sum(nil), salt...)

	return ssha512PrefixB64 + base64.StdEncoding.EncodeToString(combined), nil
}

// GenerateBcryptHash returns {BLF-CRYPT}<bcrypt hash>.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

func decodePasswordData(stored, pB64, pB64Explicit, pHex string) ([]byte, error) {
	switch {
	case strings.HasPrefix(stored, pB64Explicit):
		return base64.StdEncoding.DecodeString(stored[len(pB64Explicit):])
	case strings.HasPrefix(stored, pB64):
		return base64.StdEncoding.DecodeString(stored[len(pB64):])
	case strings.HasPrefix(stored, pHex):
		return hex.DecodeString(stored[len(pHex):])
	default:
		return nil, fmt.Errorf("invalid or missing prefix (expected one of %s, %s, %s)", pB64, pB64Explicit, pHex)
	}
}
