package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServer_Run(t *testing.T) {
	t.Run("serves requests until the context is cancelled", func(t *testing.T) {
		addr := freeAddr(t)
		srv := New(Config{Addr: addr, ShutdownTimeout: time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "ok")
			}))
		}()

		var body []byte
		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + addr + "/")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			body, err = io.ReadAll(resp.Body)
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "ok", string(body))

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop after context cancel")
		}
	})

	t.Run("listen failure is reported", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()

		srv := New(Config{Addr: l.Addr().String()})
		err = srv.Run(context.Background(), nil)
		assert.ErrorIs(t, err, ErrStart)
	})

	t.Run("shutdown before run is a no-op", func(t *testing.T) {
		srv := New(Config{})
		assert.NoError(t, srv.Shutdown(context.Background()))
	})
}

func TestHealthCheckHandler(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("liveness without checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthCheckHandler(ctx, log)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ALIVE", rec.Body.String())
	})

	t.Run("readiness with passing checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthCheckHandler(ctx, log, func(context.Context) error { return nil })(
			rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "READY", rec.Body.String())
	})

	t.Run("readiness with failing check", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthCheckHandler(ctx, log, func(context.Context) error { return errors.New("store down") })(
			rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "NOT_READY", rec.Body.String())
	})
}
