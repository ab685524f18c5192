package herohealth

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
)

// ErrInvalidCredentials is returned by Login when the account rejects the
// email and password.
var ErrInvalidCredentials = errors.New("invalid email or password")

const maxBodyInError = 500

// AuthError means the API rejected the credentials even after a token
// refresh, or no usable refresh token is left.
type AuthError struct {
	Err error
}

func (e AuthError) Error() string {
	return fmt.Sprintf("herohealth authentication failed: %v", e.Err)
}

func (e AuthError) Unwrap() error {
	return e.Err
}

type HTTPStatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("herohealth api error: %s %s -> %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// DecodeError means a response did not have the expected shape.
type DecodeError struct {
	Source string
	Err    error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("herohealth %s: unexpected response: %v", e.Source, e.Err)
}

func (e DecodeError) Unwrap() error {
	return e.Err
}

func IsAuthError(err error) bool {
	var authErr AuthError
	return errors.As(err, &authErr) || errors.Is(err, oauth.ErrReauthRequired)
}

func IsDecodeError(err error) bool {
	var decodeErr DecodeError
	return errors.As(err, &decodeErr)
}

// truncateBody cuts body to maxBodyInError bytes without splitting a rune.
func truncateBody(body []byte) string {
	if len(body) <= maxBodyInError {
		return string(body)
	}
	n := maxBodyInError
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return string(body[:n])
}
