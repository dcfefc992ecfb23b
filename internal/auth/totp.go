package auth

import "github.com/pquerna/otp/totp"

// VerifyTOTP checks a one-time code against the shared admin secret.
// System-wide broadcasts require it.
func VerifyTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}
