package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"golang.org/x/oauth2"
)

// PersistResult reports persistence outcomes.
type PersistResult struct {
	StatePath string
	BlobSaved bool
}

// PersistOptions controls persistence behavior.
type PersistOptions struct {
	StatePathOverride string
	SkipBlob          bool
}

// PersistState writes state to disk and optionally to blob storage.
func PersistState(ctx context.Context, decl oauth.Declaration, state oauth.State, blob oauth.BlobStore, opts PersistOptions) (PersistResult, error) {
	statePath := decl.StatePath
	if opts.StatePathOverride != "" {
		statePath = opts.StatePathOverride
	}
	if statePath == "" {
		return PersistResult{}, fmt.Errorf("state path missing")
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = oauth.SchemaVersion
	}
	if err := state.Validate(); err != nil {
		return PersistResult{}, err
	}
	if err := oauth.WriteState(statePath, state); err != nil {
		return PersistResult{}, err
	}

	result := PersistResult{StatePath: statePath}
	if opts.SkipBlob || blob == nil {
		return result, nil
	}
	payload, err := oauth.EncodeState(state)
	if err != nil {
		return result, err
	}
	if err := blob.Save(ctx, decl.Provider, payload); err != nil {
		return result, fmt.Errorf("mirror state: %w", err)
	}
	result.BlobSaved = true
	return result, nil
}

// PKCE holds the per-login secrets of an authorization code flow with
// proof key (RFC 7636).
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
	Nonce     string
}

func NewPKCE() (PKCE, error) {
	state, err := randomToken(16)
	if err != nil {
		return PKCE{}, err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return PKCE{}, err
	}
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
		Nonce:     nonce,
	}, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DefaultTempPath returns a timestamped staging path for OAuth state.
func DefaultTempPath(provider string) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return filepath.Join(os.TempDir(), fmt.Sprintf("gohome-oauth-%s-%s.json", provider, timestamp))
}

// WriteTempState stages state at path for a later `gohome oauth persist`.
func WriteTempState(path string, state oauth.State) (string, error) {
	if path == "" {
		return "", fmt.Errorf("state path required")
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = oauth.SchemaVersion
	}
	if err := oauth.WriteState(path, state); err != nil {
		return "", err
	}
	return path, nil
}
