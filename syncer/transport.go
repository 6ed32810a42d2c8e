package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// TokenFunc supplies the bearer credential at call time. Credential lifecycle
// belongs to the auth collaborator; the sync layer only forwards tokens.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPError is a non-2xx server response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, string(e.Body))
}

// IsConflict reports a version conflict rejection (the optimistic token in
// X-Base-Updated-At no longer matched server state).
func (e *HTTPError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// entityEndpoints maps owned tables to their push base paths. Unlisted
// entities fall back to /api/<entity>.
var entityEndpoints = map[string]string{
	localstore.TableProfiles:     "/api/profile/candidate",
	localstore.TableMessages:     "/api/messages",
	localstore.TableSwipes:       "/api/swipe",
	localstore.TablePreferences:  "/api/preferences",
	localstore.TableAchievements: "/api/achievements",
}

func endpointFor(entity string) string {
	if p, ok := entityEndpoints[entity]; ok {
		return p
	}
	return "/api/" + entity
}

var operationVerbs = map[localstore.Operation]string{
	localstore.OpCreate: http.MethodPost,
	localstore.OpUpdate: http.MethodPut,
	localstore.OpDelete: http.MethodDelete,
}

// Transport talks to the backend sync endpoints with a bounded timeout.
type Transport struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenFunc
}

// NewTransport creates a transport against baseURL with a 30 second timeout.
func NewTransport(baseURL string, token TokenFunc) *Transport {
	return &Transport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   token,
	}
}

// PullResponse carries arrays of updated documents per owned collection.
type PullResponse struct {
	Collections map[string][]json.RawMessage
}

func (r *PullResponse) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &r.Collections)
}

// docHeader extracts the sync-relevant fields of an otherwise opaque
// document.
type docHeader struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func parseHeader(doc json.RawMessage) (docHeader, error) {
	var h docHeader
	if err := json.Unmarshal(doc, &h); err != nil {
		return h, fmt.Errorf("failed to parse document header: %w", err)
	}
	return h, nil
}

func (t *Transport) authorize(ctx context.Context, req *http.Request) error {
	if t.Token == nil {
		return ErrNoToken
	}
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoToken, err)
	}
	if token == "" {
		return ErrNoToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Pull fetches server-side deltas changed since the given timestamp.
func (t *Transport) Pull(ctx context.Context, since int64) (*PullResponse, error) {
	body, err := json.Marshal(map[string]int64{"since": since})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/pull", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}

	var pullResp PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &pullResp, nil
}

// PushResult is the server's acknowledgement of one pushed mutation.
type PushResult struct {
	// ServerID is the server-assigned identifier from a create response when
	// it differs from the client-supplied temporary one.
	ServerID string
}

// Push sends one queued mutation to its per-entity endpoint. baseUpdatedAt is
// the entity's last agreed server timestamp and travels as an optimistic
// concurrency token; a 409 response surfaces as *HTTPError.
func (t *Transport) Push(ctx context.Context, item *localstore.QueueItem, baseUpdatedAt int64) (*PushResult, error) {
	verb, ok := operationVerbs[item.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", item.Operation)
	}

	url := t.BaseURL + endpointFor(item.Entity)
	if item.Operation != localstore.OpCreate {
		url += "/" + item.EntityID
	}

	var body io.Reader
	if item.Operation != localstore.OpDelete && item.Payload != nil {
		body = bytes.NewReader(item.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, verb, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Base-Updated-At", strconv.FormatInt(baseUpdatedAt, 10))
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
	}

	result := &PushResult{}
	if len(respBody) > 0 {
		// Create responses wrap the row in {"data": {...}}; tolerate a bare
		// document as well.
		var envelope struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
			ID string `json:"id"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil {
			if envelope.Data.ID != "" {
				result.ServerID = envelope.Data.ID
			} else {
				result.ServerID = envelope.ID
			}
		}
	}
	return result, nil
}
