package tokenmgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/keelhq/sessiond/internal/telemetry"
)

// httpDoer lets tests substitute the transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Requester issues HTTP requests with a bearer token attached, retrying
// exactly once after a 401 with a freshly refreshed token.
type Requester struct {
	manager    *Manager
	httpClient httpDoer
}

// NewRequester creates an authenticated request wrapper over the manager.
// A nil httpClient falls back to http.DefaultClient.
func NewRequester(manager *Manager, httpClient httpDoer) *Requester {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Requester{manager: manager, httpClient: httpClient}
}

// Do obtains a token, attaches it, and issues the request. A 401 response
// triggers exactly one refresh and one retry; the retried response is
// returned as-is, success or not. Fails with ErrUnauthorized before any
// network I/O when no token is available.
func (r *Requester) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := r.manager.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrUnauthorized
	}

	// The body must be replayable for the 401 retry.
	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	telemetry.GetMetrics().AuthenticatedRequestsTotal.Add(ctx, 1)

	resp, err := r.httpClient.Do(attach(req.WithContext(ctx), token))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	refreshed, refreshErr := r.manager.refresh(ctx)
	if refreshErr != nil {
		// No new token to retry with; the 401 response stands.
		log.Debug().Err(refreshErr).Msg("refresh after 401 failed")
		return resp, nil
	}

	telemetry.GetMetrics().UnauthorizedRetriesTotal.Add(ctx, 1)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("retrying request after 401 with refreshed token")

	_ = resp.Body.Close()

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		retry.Body = body
	}

	return r.httpClient.Do(attach(retry, refreshed.AccessToken))
}

func attach(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}
