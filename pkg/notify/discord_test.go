package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscord_Send(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	d := NewDiscord(ts.URL)
	require.NoError(t, d.Send(context.Background(), "## Linux: 2 added or changed, 1 removed"))
	assert.Equal(t, map[string]string{"content": "## Linux: 2 added or changed, 1 removed"}, got)
}

func TestDiscord_SendRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "Invalid Webhook Token"}`))
	}))
	defer ts.Close()

	d := NewDiscord(ts.URL)
	err := d.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "Invalid Webhook Token")
}

func TestDiscord_SendConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.Close() // server gone before the send

	d := NewDiscord(ts.URL)
	require.Error(t, d.Send(context.Background(), "hello"))
}
