package oauth

import "time"

const (
	FlowAuthCode = "auth_code"
	FlowPassword = "password_pkce"
)

// DefaultTokenLifetime is assumed when a token response omits expires_in.
const DefaultTokenLifetime = 50 * time.Minute

// Declaration defines the OAuth contract a plugin must provide.
type Declaration struct {
	Provider     string
	Flow         string
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	Scope        string
	StatePath    string

	// TokenLifetime overrides DefaultTokenLifetime.
	TokenLifetime time.Duration
}

func (d Declaration) lifetime() time.Duration {
	if d.TokenLifetime > 0 {
		return d.TokenLifetime
	}
	return DefaultTokenLifetime
}
