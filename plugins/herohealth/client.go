package herohealth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/internal/rate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxResponseBytes = 8 << 20

// TokenSource supplies bearer tokens. *oauth.Manager implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client talks to the Hero Health cloud API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	accountID string
}

func NewClient(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := &http.Client{Timeout: 20 * time.Second}
	if cfg.RequestsPerMinute > 0 && cfg.RequestsPerDay > 0 {
		httpClient = rate.WrapHTTP(cfg.RateLimits(), httpClient)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.Named("client"),
	}
}

// SetAccountID sets the X-Hero-Account header sent with every request.
func (c *Client) SetAccountID(id string) {
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
}

func (c *Client) AccountID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

func (c *Client) UserDetails(ctx context.Context) (UserDetails, error) {
	body, err := c.get(ctx, "/frontend/user-details/")
	if err != nil {
		return UserDetails{}, err
	}
	user, err := parseUserDetails(body)
	if err != nil {
		return UserDetails{}, DecodeError{Source: "user_details", Err: err}
	}
	return user, nil
}

func (c *Client) Doses(ctx context.Context) ([]Dose, error) {
	body, err := c.get(ctx, "/frontend/home-screen-doses/")
	if err != nil {
		return nil, err
	}
	doses, err := parseDoses(body)
	if err != nil {
		return nil, DecodeError{Source: SourceDoses, Err: err}
	}
	return doses, nil
}

func (c *Client) Events(ctx context.Context) ([]Event, error) {
	body, err := c.get(ctx, "/frontend/get-home-screen-events/")
	if err != nil {
		return nil, err
	}
	events, err := parseEvents(body)
	if err != nil {
		return nil, DecodeError{Source: SourceEvents, Err: err}
	}
	return events, nil
}

func (c *Client) ScheduledPills(ctx context.Context) ([]ScheduledPill, error) {
	body, err := c.get(ctx, "/frontend/pills-by-schedules/")
	if err != nil {
		return nil, err
	}
	pills, err := parseScheduledPills(body)
	if err != nil {
		return nil, DecodeError{Source: SourceSchedules, Err: err}
	}
	return pills, nil
}

func (c *Client) PillStats(ctx context.Context) (any, error) {
	body, err := c.get(ctx, "/frontend/pill-stats/")
	if err != nil {
		return nil, err
	}
	stats, err := parsePillStats(body)
	if err != nil {
		return nil, DecodeError{Source: SourcePillStats, Err: err}
	}
	return stats, nil
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	body, err := c.get(ctx, "/frontend/stats/")
	if err != nil {
		return Stats{}, err
	}
	stats, err := parseStats(body)
	if err != nil {
		return Stats{}, DecodeError{Source: SourceStats, Err: err}
	}
	return stats, nil
}

func (c *Client) CheckOffline(ctx context.Context) (OfflineStatus, error) {
	body, err := c.do(ctx, http.MethodPost, "/frontend/check-hero-offline/")
	if err != nil {
		return OfflineStatus{}, err
	}
	status, err := parseOffline(body)
	if err != nil {
		return OfflineStatus{}, DecodeError{Source: SourceOffline, Err: err}
	}
	return status, nil
}

func (c *Client) DeviceConfig(ctx context.Context) (DeviceConfig, error) {
	body, err := c.get(ctx, "/frontend/device-config-get/")
	if err != nil {
		return DeviceConfig{}, err
	}
	cfg, err := parseDeviceConfig(body)
	if err != nil {
		return DeviceConfig{}, DecodeError{Source: SourceDevice, Err: err}
	}
	return cfg, nil
}

func (c *Client) TakenSlots(ctx context.Context) ([]Slot, error) {
	body, err := c.get(ctx, "/frontend/get-taken-slots/")
	if err != nil {
		return nil, err
	}
	slots, err := parseTakenSlots(body)
	if err != nil {
		return nil, DecodeError{Source: SourceSlots, Err: err}
	}
	return slots, nil
}

func (c *Client) RemainingDays(ctx context.Context, slotIndex int) (RemainingDays, error) {
	body, err := c.get(ctx, "/frontend/pill-remaining-days/?slot_index="+strconv.Itoa(slotIndex))
	if err != nil {
		return RemainingDays{}, err
	}
	days, err := parseRemainingDays(body)
	if err != nil {
		return RemainingDays{}, DecodeError{Source: fmt.Sprintf("remaining_days[%d]", slotIndex), Err: err}
	}
	return days, nil
}

var accountEndpoints = []struct {
	name string
	path string
}{
	{"owner", "/frontend/owner-details/"},
	{"activity_log", "/frontend/activity-log-device/"},
	{"current_config", "/frontend/user-config-current"},
	{"safety_settings", "/frontend/safety-settings-read/"},
	{"vacation", "/frontend/vacation-get-config/"},
}

// AccountOverview fetches the account and device settings endpoints. Each
// section is returned as decoded JSON; failed sections are reported in errs.
func (c *Client) AccountOverview(ctx context.Context) (map[string]any, map[string]string, error) {
	var (
		mu       sync.Mutex
		sections = make(map[string]any, len(accountEndpoints))
		errs     = make(map[string]string)
		authErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range accountEndpoints {
		g.Go(func() error {
			body, err := c.get(gctx, ep.path)
			var value any
			if err == nil {
				if jsonErr := json.Unmarshal(body, &value); jsonErr != nil {
					err = DecodeError{Source: ep.name, Err: jsonErr}
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[ep.name] = err.Error()
				if IsAuthError(err) && authErr == nil {
					authErr = err
				}
				return nil
			}
			sections[ep.name] = value
			return nil
		})
	}
	_ = g.Wait()
	if len(sections) == 0 && authErr != nil {
		return nil, errs, authErr
	}
	return sections, errs, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path)
}

// do performs an authenticated request. A 401 forces one token refresh and
// one retry; a second 401 is an AuthError.
func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, tokenError(err)
	}

	status, body, err := c.send(ctx, method, path, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.logger.Debug("got 401, refreshing token and retrying", zap.String("path", path))
		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, tokenError(err)
		}
		status, body, err = c.send(ctx, method, path, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, AuthError{Err: fmt.Errorf("%s %s rejected after token refresh", method, path)}
		}
	}
	if status < 200 || status >= 300 {
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.String("body", truncateBody(body)))
		return nil, HTTPStatusError{Method: method, Path: path, Status: status, Body: truncateBody(body)}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Hero-Client", clientHeader)
	req.Header.Set("Authorization", "Bearer "+token)
	if account := c.AccountID(); account != "" {
		req.Header.Set("X-Hero-Account", account)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("herohealth %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("herohealth %s %s: read body: %w", method, path, err)
	}
	return resp.StatusCode, body, nil
}

func tokenError(err error) error {
	if errors.Is(err, oauth.ErrReauthRequired) {
		return AuthError{Err: err}
	}
	return err
}
