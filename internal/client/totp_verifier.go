package client

import (
	"context"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// TOTPVerifier checks two-factor and hardware-token codes against per-user
// TOTP secrets. There is no fallback code: a user without an enrolled
// secret cannot authorize.
type TOTPVerifier struct {
	secrets map[string]string
	opts    totp.ValidateOpts
	now     func() time.Time
}

// NewTOTPVerifier creates a verifier over base32 secrets keyed by user ID.
func NewTOTPVerifier(secrets map[string]string) *TOTPVerifier {
	cp := make(map[string]string, len(secrets))
	for user, secret := range secrets {
		cp[user] = strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	}
	return &TOTPVerifier{
		secrets: cp,
		opts: totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
		now: time.Now,
	}
}

// Verify implements service.CredentialVerifier.
func (v *TOTPVerifier) Verify(_ context.Context, userID string, method repository.AuthorizationMethod, code string) error {
	if method != repository.AuthTwoFactor && method != repository.AuthHardwareToken {
		return errors.New(errors.ErrCodeUnauthorized, "totp cannot verify "+string(method))
	}
	secret, ok := v.secrets[userID]
	if !ok {
		return errors.New(errors.ErrCodeUnauthorized, "no authenticator enrolled")
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, v.now().UTC(), v.opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnauthorized, "authorization code rejected")
	}
	if !valid {
		return errors.New(errors.ErrCodeUnauthorized, "authorization code rejected")
	}
	return nil
}

// EnrollTOTP generates a new secret for userID. The returned URL is the
// otpauth:// key an authenticator app scans.
func EnrollTOTP(issuer, userID string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: userID,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeInternal, "generate totp secret")
	}
	return key.Secret(), key.URL(), nil
}
