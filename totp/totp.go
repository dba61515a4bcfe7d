// Package totp implements RFC 6238 time-based one-time passwords with the
// parameters every mainstream authenticator app assumes: HMAC-SHA1, a 30
// second period and 6 digits. All functions are pure and safe for concurrent
// use; the caller supplies the time.
package totp

import (
	"bytes"
	"fmt"
	"image/png"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
)

const (
	Digits        = 6
	Period        = 30
	SecretSize    = 20
	DefaultWindow = 2
)

func opts(window uint) pqtotp.ValidateOpts {
	return pqtotp.ValidateOpts{
		Period:    Period,
		Skew:      window,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Generate returns the zero-padded code for secret at time t.
func Generate(secret string, t time.Time) (string, error) {
	code, err := pqtotp.GenerateCodeCustom(secret, t, opts(0))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return code, nil
}

// NormalizeCode strips every non-digit from s. It reports false unless
// exactly Digits digits remain.
func NormalizeCode(s string) (string, bool) {
	var b strings.Builder
	b.Grow(Digits)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	code := b.String()
	return code, len(code) == Digits
}

// Verify reports whether candidate matches secret at any step within
// window steps of t. Malformed secrets and candidates never verify.
func Verify(secret, candidate string, t time.Time, window uint) bool {
	code, ok := NormalizeCode(candidate)
	if !ok {
		return false
	}
	valid, err := pqtotp.ValidateCustom(code, secret, t, opts(window))
	return err == nil && valid
}

// NewSecret generates a fresh 160-bit secret for account and returns it as a
// key carrying the provisioning URI.
func NewSecret(issuer, account string) (*otp.Key, error) {
	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return key, nil
}

// ProvisioningURI builds the otpauth:// URI for an existing secret.
func ProvisioningURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer + ":" + account)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", strconv.Itoa(Digits))
	values.Set("period", strconv.Itoa(Period))
	return "otpauth://totp/" + label + "?" + values.Encode()
}

// QRCodePNG renders uri as a size×size PNG.
func QRCodePNG(uri string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing provisioning uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
