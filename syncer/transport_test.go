package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/hirewire/hiresync/localstore"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func fakeTransport(t *testing.T, handler roundTripFunc) *Transport {
	t.Helper()
	tr := NewTransport("http://backend.test", func(ctx context.Context) (string, error) {
		return "test-token", nil
	})
	tr.HTTP = &http.Client{Transport: handler}
	return tr
}

func TestPushCreateParsesServerID(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		return jsonResponse(201, `{"data":{"id":"srv-1","body":"hi"}}`), nil
	})

	item := &localstore.QueueItem{
		Operation: localstore.OpCreate,
		Entity:    localstore.TableMessages,
		EntityID:  "local:abc",
		Payload:   json.RawMessage(`{"body":"hi"}`),
	}
	result, err := tr.Push(context.Background(), item, 0)
	require.NoError(t, err)
	require.Equal(t, "srv-1", result.ServerID)

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "/api/messages", captured.URL.Path)
	require.Equal(t, "Bearer test-token", captured.Header.Get("Authorization"))
	require.Equal(t, "0", captured.Header.Get("X-Base-Updated-At"))
	require.JSONEq(t, `{"body":"hi"}`, string(capturedBody))
}

func TestPushUpdateTargetsEntityPath(t *testing.T) {
	var captured *http.Request
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(200, `{}`), nil
	})

	item := &localstore.QueueItem{
		Operation: localstore.OpUpdate,
		Entity:    localstore.TableProfiles,
		EntityID:  "p-1",
		Payload:   json.RawMessage(`{"bio":"new"}`),
	}
	_, err := tr.Push(context.Background(), item, 1700000000000)
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, captured.Method)
	require.Equal(t, "/api/profile/candidate/p-1", captured.URL.Path)
	require.Equal(t, "1700000000000", captured.Header.Get("X-Base-Updated-At"))
}

func TestPushDeleteSendsNoBody(t *testing.T) {
	var captured *http.Request
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(204, ``), nil
	})

	item := &localstore.QueueItem{
		Operation: localstore.OpDelete,
		Entity:    localstore.TableSwipes,
		EntityID:  "s-1",
		Payload:   json.RawMessage(`{"ignored":true}`),
	}
	_, err := tr.Push(context.Background(), item, 0)
	require.NoError(t, err)

	require.Equal(t, http.MethodDelete, captured.Method)
	require.Equal(t, "/api/swipe/s-1", captured.URL.Path)
	require.Nil(t, captured.Body)
}

func TestPushUnknownEntityFallsBackToGenericPath(t *testing.T) {
	var captured *http.Request
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(200, `{}`), nil
	})

	item := &localstore.QueueItem{
		Operation: localstore.OpUpdate,
		Entity:    localstore.TableJobs,
		EntityID:  "j-1",
		Payload:   json.RawMessage(`{}`),
	}
	_, err := tr.Push(context.Background(), item, 0)
	require.NoError(t, err)
	require.Equal(t, "/api/jobs/j-1", captured.URL.Path)
}

func TestPushConflictSurfacesHTTPError(t *testing.T) {
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(409, `{"id":"p-1","bio":"server","updatedAt":99}`), nil
	})

	item := &localstore.QueueItem{
		Operation: localstore.OpUpdate,
		Entity:    localstore.TableProfiles,
		EntityID:  "p-1",
		Payload:   json.RawMessage(`{"bio":"local"}`),
	}
	_, err := tr.Push(context.Background(), item, 10)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.True(t, httpErr.IsConflict())
	require.JSONEq(t, `{"id":"p-1","bio":"server","updatedAt":99}`, string(httpErr.Body))
}

func TestPullSendsSinceAndDecodesCollections(t *testing.T) {
	tr := fakeTransport(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/pull", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"since":42}`, string(body))
		return jsonResponse(200, `{"jobs":[{"id":"j-1"}],"profiles":[]}`), nil
	})

	resp, err := tr.Pull(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, resp.Collections["jobs"], 1)
	require.Empty(t, resp.Collections["profiles"])
}

func TestRequestsFailWithoutToken(t *testing.T) {
	tr := NewTransport("http://backend.test", nil)
	tr.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request should be sent without a token")
		return nil, nil
	})}

	_, err := tr.Pull(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoToken)

	tr.Token = func(ctx context.Context) (string, error) { return "", errors.New("expired") }
	_, err = tr.Pull(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoToken)
}
