package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	ErrScopeMismatch = errors.New("oauth scope mismatch")
	// ErrReauthRequired means the stored refresh token is missing or was
	// rejected by the provider. Only an interactive login can recover.
	ErrReauthRequired = errors.New("oauth re-authentication required")
)

// Access tokens are treated as expired this long before their expiry.
const expiryBuffer = 2 * time.Minute

const maxErrorBody = 500

// Manager manages OAuth refresh tokens and access token caching.
type Manager struct {
	decl       Declaration
	blobStore  BlobStore
	httpClient *http.Client
	logger     *zap.Logger
	config     *oauth2.Config
	refreshes  singleflight.Group
	now        func() time.Time

	mu           sync.Mutex
	state        State
	hasState     bool
	stateModTime time.Time
	accessToken  string
	expiresAt    time.Time
	reauth       bool
	reauthErr    error
}

// NewManager loads persisted state for decl. A missing state file is not an
// error: the manager starts in the re-authentication required state.
// blobStore may be nil when no remote mirror is configured.
func NewManager(decl Declaration, blobStore BlobStore, logger *zap.Logger) (*Manager, error) {
	if decl.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if decl.ClientID == "" {
		return nil, fmt.Errorf("clientID is required")
	}
	if decl.TokenURL == "" {
		return nil, fmt.Errorf("tokenURL is required")
	}
	if decl.StatePath == "" {
		return nil, fmt.Errorf("statePath is required")
	}
	if !filepath.IsAbs(decl.StatePath) {
		return nil, fmt.Errorf("statePath must be absolute")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		decl:       decl,
		blobStore:  blobStore,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.Named("oauth").With(zap.String("provider", decl.Provider)),
		now:        time.Now,
		config: &oauth2.Config{
			ClientID: decl.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   decl.AuthorizeURL,
				TokenURL:  decl.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: decl.RedirectURL,
			Scopes:      strings.Fields(decl.Scope),
		},
	}

	state, err := m.loadInitialState(context.Background())
	switch {
	case err == nil:
		m.state = state
		m.hasState = true
		reauthRequired.WithLabelValues(decl.Provider).Set(0)
	case errors.Is(err, ErrStateNotFound):
		m.markReauth(fmt.Errorf("%w: no stored refresh token", ErrReauthRequired))
	default:
		return nil, err
	}

	return m, nil
}

// SetHTTPClient replaces the client used for token requests.
func (m *Manager) SetHTTPClient(client *http.Client) {
	if client != nil {
		m.httpClient = client
	}
}

func (m *Manager) Declaration() Declaration {
	return m.decl
}

// Subject returns the account the stored token belongs to.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Subject
}

// ReauthRequired reports whether the last refresh was rejected.
func (m *Manager) ReauthRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauth
}

func (m *Manager) Start(ctx context.Context) {
	m.StartWithInterval(ctx, DefaultRefreshInterval)
}

// StartWithInterval proactively refreshes tokens that are close to expiry.
func (m *Manager) StartWithInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	threshold := interval
	if threshold < 30*time.Second {
		threshold = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshIfNeeded(ctx, threshold)
			}
		}
	}()
}

// AccessToken returns a cached access token, refreshing synchronously when
// it is missing or about to expire.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.accessToken != "" && m.now().Add(expiryBuffer).Before(m.expiresAt) {
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	return m.refreshShared(ctx)
}

// ForceRefresh discards the cached access token and refreshes. Clients call
// it after the API rejects a token with 401.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.accessToken = ""
	m.mu.Unlock()

	return m.refreshShared(ctx)
}

// Reload re-reads the state file when it changed on disk, for example after
// an interactive login. It reports whether a new refresh token was loaded.
func (m *Manager) Reload() (bool, error) {
	info, err := os.Stat(m.decl.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	m.mu.Lock()
	unchanged := m.hasState && info.ModTime().Equal(m.stateModTime)
	m.mu.Unlock()
	if unchanged {
		return false, nil
	}

	state, err := LoadState(m.decl.StatePath)
	if err != nil {
		return false, err
	}
	if err := checkStateFile(m.decl.StatePath); err != nil {
		return false, err
	}
	state.ClientID = m.decl.ClientID

	m.mu.Lock()
	m.stateModTime = info.ModTime()
	if m.hasState && state.RefreshToken == m.state.RefreshToken {
		m.mu.Unlock()
		return false, nil
	}
	m.state = state
	m.hasState = true
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.reauth = false
	m.reauthErr = nil
	m.mu.Unlock()

	reauthRequired.WithLabelValues(m.decl.Provider).Set(0)
	m.logger.Info("loaded new oauth state from disk", zap.String("subject", state.Subject))
	return true, nil
}

func (m *Manager) refreshIfNeeded(ctx context.Context, threshold time.Duration) {
	m.mu.Lock()
	need := !m.reauth && (m.accessToken == "" || m.now().Add(threshold).After(m.expiresAt))
	m.mu.Unlock()
	if !need {
		return
	}
	if _, err := m.refreshShared(ctx); err != nil {
		m.logger.Warn("background token refresh failed", zap.Error(err))
	}
}

// refreshShared collapses concurrent refreshes into one token request.
func (m *Manager) refreshShared(ctx context.Context) (string, error) {
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.state
	hasState := m.hasState
	m.mu.Unlock()

	if !hasState || current.RefreshToken == "" {
		err := fmt.Errorf("%w: no stored refresh token", ErrReauthRequired)
		m.markReauth(err)
		return "", err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	source := m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	token, err := source.Token()
	if err != nil {
		err = classifyRefreshError(err)
		tokenValid.WithLabelValues(m.decl.Provider).Set(0)
		if errors.Is(err, ErrReauthRequired) {
			refreshFailure.WithLabelValues(m.decl.Provider, "rejected").Inc()
			m.markReauth(err)
		} else {
			refreshFailure.WithLabelValues(m.decl.Provider, "transient").Inc()
		}
		return "", err
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(m.decl.lifetime())
	}
	rotated := token.RefreshToken != "" && token.RefreshToken != current.RefreshToken

	m.mu.Lock()
	m.accessToken = token.AccessToken
	m.expiresAt = expiry
	if rotated {
		m.state.RefreshToken = token.RefreshToken
	}
	recovered := m.reauth
	m.reauth = false
	m.reauthErr = nil
	next := m.state
	m.mu.Unlock()

	refreshSuccess.WithLabelValues(m.decl.Provider).Inc()
	tokenValid.WithLabelValues(m.decl.Provider).Set(1)
	reauthRequired.WithLabelValues(m.decl.Provider).Set(0)
	if recovered {
		m.logger.Info("refresh token accepted again")
	}

	if rotated {
		tokenRotations.WithLabelValues(m.decl.Provider).Inc()
		if err := m.persist(ctx, next); err != nil {
			m.logger.Error("persist rotated refresh token", zap.Error(err))
		}
	}

	return token.AccessToken, nil
}

func (m *Manager) markReauth(err error) {
	m.mu.Lock()
	first := !m.reauth
	m.reauth = true
	m.reauthErr = err
	m.accessToken = ""
	m.mu.Unlock()

	reauthRequired.WithLabelValues(m.decl.Provider).Set(1)
	tokenValid.WithLabelValues(m.decl.Provider).Set(0)
	if first {
		m.logger.Warn("refresh token unusable", zap.Error(err))
	}
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		body := truncate(strings.TrimSpace(string(retrieveErr.Body)), maxErrorBody)
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return fmt.Errorf("%w: token refresh rejected %d: %s", ErrReauthRequired, status, body)
		}
		return fmt.Errorf("token refresh failed %d: %s", status, body)
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return fmt.Errorf("token refresh: %w", err)
}

func (m *Manager) persist(ctx context.Context, state State) error {
	if err := WriteState(m.decl.StatePath, state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if info, err := os.Stat(m.decl.StatePath); err == nil {
		m.mu.Lock()
		m.stateModTime = info.ModTime()
		m.mu.Unlock()
	}
	m.mirror(ctx, state)
	return nil
}

func (m *Manager) mirror(ctx context.Context, state State) {
	if m.blobStore == nil {
		return
	}
	if err := m.persistBlob(ctx, state); err != nil {
		remotePersistOK.WithLabelValues(m.decl.Provider).Set(0)
		m.logger.Warn("mirror oauth state to blob store", zap.Error(err))
		return
	}
	remotePersistOK.WithLabelValues(m.decl.Provider).Set(1)
}

func (m *Manager) loadInitialState(ctx context.Context) (State, error) {
	local, localErr := LoadState(m.decl.StatePath)
	if localErr == nil {
		if err := checkStateFile(m.decl.StatePath); err != nil {
			return State{}, err
		}
		if err := m.checkScope(&local); err != nil {
			return State{}, err
		}
		local.ClientID = m.decl.ClientID
		if info, err := os.Stat(m.decl.StatePath); err == nil {
			m.stateModTime = info.ModTime()
		}
		m.mirror(ctx, local)
		return local, nil
	}
	if !errors.Is(localErr, ErrStateNotFound) {
		return State{}, localErr
	}
	if m.blobStore == nil {
		return State{}, ErrStateNotFound
	}

	blob, err := m.loadFromBlob(ctx)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return State{}, ErrStateNotFound
		}
		return State{}, err
	}
	if err := m.checkScope(&blob); err != nil {
		return State{}, err
	}
	blob.ClientID = m.decl.ClientID
	if err := m.persist(ctx, blob); err != nil {
		return State{}, err
	}
	m.logger.Info("restored oauth state from blob store")
	return blob, nil
}

func (m *Manager) checkScope(state *State) error {
	if state.Scope == "" {
		state.Scope = m.decl.Scope
	}
	if m.decl.Scope != "" && state.Scope != m.decl.Scope {
		scopeMismatch.WithLabelValues(m.decl.Provider).Inc()
		return ErrScopeMismatch
	}
	return nil
}

func (m *Manager) loadFromBlob(ctx context.Context) (State, error) {
	data, err := m.blobStore.Load(ctx, m.decl.Provider)
	if err != nil {
		return State{}, err
	}
	return DecodeState(data)
}

func (m *Manager) persistBlob(ctx context.Context, state State) error {
	data, err := state.marshal()
	if err != nil {
		return err
	}
	return m.blobStore.Save(ctx, m.decl.Provider, data)
}

func checkStateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("state file %s must have 0600 permissions", path)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Geteuid() {
			return fmt.Errorf("state file %s must be owned by uid %d", path, os.Geteuid())
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
