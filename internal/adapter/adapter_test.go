package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucidgrid/basis/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New("test", srv.URL, zerolog.Nop())
	out, err := client.Call(context.Background(), http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := New("test", srv.URL, zerolog.Nop(), WithRetries(3, time.Millisecond))
	out, err := client.Call(context.Background(), http.MethodGet, "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallClassifiesClientErrorsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New("test", srv.URL, zerolog.Nop(), WithRetries(3, time.Millisecond))
	_, err := client.Call(context.Background(), http.MethodGet, "/", nil)
	require.Error(t, err)

	var ie *types.Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, types.KindIntegration, ie.Kind)
	assert.False(t, ie.Retryable)
	assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")
}

func TestCallUnreachableIsRetryable(t *testing.T) {
	client := New("test", "http://127.0.0.1:1", zerolog.Nop(),
		WithRetries(1, time.Millisecond), WithTimeout(200*time.Millisecond))
	_, err := client.Call(context.Background(), http.MethodGet, "/", nil)
	require.Error(t, err)

	var ie *types.Error
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Retryable)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := New("test", srv.URL, zerolog.Nop())
	assert.NoError(t, client.Ping(time.Second))

	down := New("down", "http://127.0.0.1:1", zerolog.Nop())
	assert.Error(t, down.Ping(200*time.Millisecond))
}
