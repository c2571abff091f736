package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ezreply/pkg/circuitbreaker"
	"ezreply/pkg/config"
)

func TestClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		assert.Len(t, req.Messages, 2)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m"}, zap.NewNop())
	out, err := c.Complete(context.Background(), Request{
		Purpose:  "test",
		Messages: []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestClientErrorsAndBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{BaseURL: srv.URL}, zap.NewNop())
	req := Request{Purpose: "test", Messages: []Message{{Role: RoleUser, Content: "u"}}}

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream down")
	}

	_, err := c.Complete(context.Background(), req)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Complete(context.Background(), Request{Purpose: "test"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
