package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := New(cfg, newSite(), zaptest.NewLogger(t), nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s, fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

func TestServerServesDrive(t *testing.T) {
	_, base := startServer(t, Config{})

	resp, err := http.Get(base + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", string(body))

	resp, err = http.Post(base+"/index.html", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerCORS(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		sent   string
		want   string
	}{
		{"any origin by default", "", "https://a.example", "*"},
		{"configured origin", "https://a.example", "https://a.example", "https://a.example"},
		{"other origin refused", "https://a.example", "https://b.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, base := startServer(t, Config{AllowedOrigin: tt.origin})

			req, err := http.NewRequest(http.MethodGet, base+"/index.html", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", tt.sent)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.want, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestServerCloseStopsListening(t *testing.T) {
	s, base := startServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	client := &http.Client{Timeout: time.Second}
	_, err := client.Get(base + "/index.html")
	assert.Error(t, err)
}

func TestServerPortInUse(t *testing.T) {
	s, _ := startServer(t, Config{})

	other := New(Config{Port: s.Port()}, newSite(), zaptest.NewLogger(t), nil)
	assert.Error(t, other.Start())
}
