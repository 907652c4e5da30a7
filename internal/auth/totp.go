package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpIssuer = "corpusguard"

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is a freshly generated, not yet confirmed second factor.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// NewEnrollment generates a TOTP secret for username.
func NewEnrollment(username string) (Enrollment, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return Enrollment{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("auth: generate totp: %w", err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// TOTPCode returns the code valid for secret at t.
func TOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpOpts)
}

func validateTOTP(code, secret string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, totpOpts)
	return err == nil && ok
}

// ValidateTOTP checks code against secret at now.
func ValidateTOTP(code, secret string, now time.Time) bool {
	return validateTOTP(code, secret, now)
}
