// Package opencode implements the adapter for an OpenCode server reached
// over HTTP: prompts are POSTed, events arrive on a server-sent event
// stream.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
)

// Name is the canonical adapter name.
const Name = "opencode"

// Adapter talks to one OpenCode server.
type Adapter struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// New creates the opencode adapter for the given server base URL.
func New(baseURL string, log *logger.Logger) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0},
		logger:  log.WithAdapter(Name),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements adapter.Adapter.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		SlashCommands: true,
		Passthrough:   true,
		Availability:  adapter.AvailabilityRemote,
	}
}

// Connect creates a server-side session and opens its event stream.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.baseURL == "" {
		return nil, apperrors.ConnectFailed(Name, apperrors.New(apperrors.KindConnectFailed, "no server URL configured"))
	}

	remoteID, err := a.createSession(ctx, opts.Cwd)
	if err != nil {
		return nil, apperrors.ConnectFailed(Name, err)
	}

	s, err := newSession(ctx, opts.SessionID, remoteID, a.baseURL, a.client, a.logger.WithSessionID(opts.SessionID))
	if err != nil {
		return nil, apperrors.ConnectFailed(Name, err)
	}
	return s, nil
}

func (a *Adapter) createSession(ctx context.Context, cwd string) (string, error) {
	body, _ := json.Marshal(map[string]any{"cwd": cwd})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := a.client.Do(req.WithContext(reqCtx))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("session create returned %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("session create returned no id")
	}
	return out.ID, nil
}
