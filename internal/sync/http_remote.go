package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/models"
)

// HTTPRemote pushes envelopes to the cloud sync endpoint as JSON over HTTP.
// The remote confirms a mutation with a 2xx status; anything else leaves the
// envelope in the local queue.
type HTTPRemote struct {
	baseURL  string
	deviceID string
	client   *http.Client
}

// NewHTTPRemote creates a remote for the given base URL. timeout <= 0
// selects a 15 second default.
func NewHTTPRemote(baseURL, deviceID string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRemote{
		baseURL:  baseURL,
		deviceID: deviceID,
		client:   &http.Client{Timeout: timeout},
	}
}

// Push sends one mutation to POST {base}/sync/{entity}. The remote applies
// last-write-wins on its side; the push only needs acknowledgement.
func (r *HTTPRemote) Push(ctx context.Context, entity models.EntityType, entityID string, payload json.RawMessage) error {
	if r.baseURL == "" {
		return errors.New(errors.ErrPushFailed, "no remote endpoint configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"entity_id": entityID,
		"device_id": r.deviceID,
		"payload":   payload,
	})
	if err != nil {
		return errors.Wrap(errors.ErrPushFailed, "failed to encode push body", err)
	}

	url := fmt.Sprintf("%s/sync/%s", r.baseURL, entity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrPushFailed, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrPushFailed, "push request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The response body often carries the remote's rejection reason.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf(errors.ErrPushFailed, "remote rejected push: %d %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
