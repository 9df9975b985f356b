package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

const AdminSecretHeader = "X-Admin-Secret"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAdmin checks the shared admin secret. An empty configured secret
// leaves the admin surface open.
func authorizeAdmin(r *http.Request, secret string) *authError {
	if secret == "" {
		return nil
	}
	provided := strings.TrimSpace(r.Header.Get(AdminSecretHeader))
	if provided == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing " + AdminSecretHeader + " header"}
	}
	// Compare digests so the comparison time does not depend on length.
	want := sha256.Sum256([]byte(secret))
	got := sha256.Sum256([]byte(provided))
	if !hmac.Equal(got[:], want[:]) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "admin secret mismatch"}
	}
	return nil
}
