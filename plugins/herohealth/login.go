package herohealth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/internal/oauthflow"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
)

// LoginOptions overrides endpoints, mainly for tests.
type LoginOptions struct {
	LoginURL string
	TokenURL string
	BaseURL  string
	Logger   *zap.Logger
}

// LoginResult holds the tokens from an interactive login. Only the refresh
// token and account id are meant to be persisted.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountID    string
}

// State converts the result into persisted OAuth state.
func (r LoginResult) State() oauth.State {
	return oauth.State{
		SchemaVersion: oauth.SchemaVersion,
		ClientID:      ClientID,
		RefreshToken:  r.RefreshToken,
		Subject:       r.AccountID,
	}
}

// Login runs the app's authorization code flow with PKCE using the account
// email and password. The password is only sent to the login form.
func Login(ctx context.Context, email, password string, opts LoginOptions) (LoginResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	if opts.LoginURL == "" {
		opts.LoginURL = LoginURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = TokenURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("login")

	pkce, err := oauthflow.NewPKCE()
	if err != nil {
		return LoginResult{}, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return LoginResult{}, err
	}
	pageClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}
	formClient := &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	loginURL, err := url.Parse(opts.LoginURL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("parse login url: %w", err)
	}
	query := loginURL.Query()
	query.Set("redirect_uri", RedirectURL)
	query.Set("client_id", ClientID)
	query.Set("response_type", "code")
	query.Set("state", pkce.State)
	query.Set("nonce", pkce.Nonce)
	query.Set("code_challenge", pkce.Challenge)
	query.Set("code_challenge_method", "S256")
	loginURL.RawQuery = query.Encode()
	pageURL := loginURL.String()

	page, err := fetchLoginPage(ctx, pageClient, pageURL)
	if err != nil {
		return LoginResult{}, err
	}
	form, err := parseLoginForm(page)
	if err != nil {
		return LoginResult{}, err
	}
	postURL, err := loginURL.Parse(form.action)
	if err != nil {
		return LoginResult{}, fmt.Errorf("resolve login form action: %w", err)
	}

	values := url.Values{}
	values.Set("csrfmiddlewaretoken", form.csrf)
	values.Set("email", email)
	values.Set("password", password)
	values.Set("visitor_id", "")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return LoginResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", pageURL)
	req.Header.Set("Origin", loginURL.Scheme+"://"+loginURL.Host)
	for _, cookie := range jar.Cookies(postURL) {
		if cookie.Name == "csrftoken" {
			req.Header.Set("X-CSRFToken", cookie.Value)
		}
	}

	resp, err := formClient.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("submit login form: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()

	location := resp.Header.Get("Location")
	logger.Debug("login form submitted", zap.Int("status", resp.StatusCode), zap.Bool("has_location", location != ""))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return LoginResult{}, ErrInvalidCredentials
	case resp.StatusCode == http.StatusOK:
		if _, err := parseLoginForm(body); err == nil {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("login failed: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusFound || !strings.Contains(location, "code="):
		return LoginResult{}, fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	redirect, err := url.Parse(location)
	if err != nil {
		return LoginResult{}, fmt.Errorf("parse login redirect: %w", err)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		return LoginResult{}, fmt.Errorf("no authorization code in redirect")
	}
	if got := redirect.Query().Get("state"); got != "" && got != pkce.State {
		return LoginResult{}, fmt.Errorf("login redirect state mismatch")
	}

	oauthConfig := &oauth2.Config{
		ClientID:    ClientID,
		RedirectURL: RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.LoginURL,
			TokenURL:  opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, pageClient)
	token, err := oauthConfig.Exchange(exchangeCtx, code, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			return LoginResult{}, fmt.Errorf("token exchange failed: %s", retrieveErr.ErrorCode)
		}
		return LoginResult{}, fmt.Errorf("token exchange failed: %w", err)
	}
	if token.RefreshToken == "" {
		return LoginResult{}, fmt.Errorf("token exchange returned no refresh token")
	}
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(TokenLifetime)
	}

	result := LoginResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       expiry,
	}

	client := NewClient(Config{BaseURL: opts.BaseURL}, staticToken(token.AccessToken), logger)
	user, err := client.UserDetails(ctx)
	if err != nil {
		logger.Warn("failed to resolve account id", zap.Error(err))
	} else {
		result.AccountID = user.AccountID
	}
	return result, nil
}

func fetchLoginPage(ctx context.Context, client *http.Client, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch login page: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read login page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login page returned %d", resp.StatusCode)
	}
	return body, nil
}

type loginForm struct {
	action string
	csrf   string
}

// parseLoginForm finds the form that carries the CSRF token.
func parseLoginForm(page []byte) (loginForm, error) {
	z := html.NewTokenizer(bytes.NewReader(page))
	var (
		form   loginForm
		inForm bool
		action string
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if form.csrf == "" {
				return loginForm{}, fmt.Errorf("login page format unexpected: no csrf token")
			}
			if form.action == "" {
				form.action = "/login/"
			}
			return form, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "form":
				inForm = true
				action = attr(tok, "action")
			case "input":
				if attr(tok, "name") == "csrfmiddlewaretoken" && form.csrf == "" {
					form.csrf = attr(tok, "value")
					if inForm {
						form.action = action
					}
				}
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "form" {
				inForm = false
			}
		}
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// staticToken serves a single access token, used right after login.
type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

func (s staticToken) ForceRefresh(context.Context) (string, error) {
	return "", fmt.Errorf("access token rejected right after login")
}
