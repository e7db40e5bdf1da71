package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signingKey = "test-signing-key"

func newClient(t *testing.T, url string) *HTTPClient {
	t.Helper()

	c, err := NewHTTPClient(config.WalletConfig{Driver: "http", BaseURL: url, SigningKey: signingKey, Timeout: 2 * time.Second})
	require.NoError(t, err)

	return c
}

func TestHTTPClient_Provision(t *testing.T) {
	t.Parallel()

	var got PassRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/passes", r.URL.Path)

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}

		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(signingKey), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("loyalty-ledger"))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		assert.Equal(t, "cafe", claims.Subject)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"installUrl":"https://pay.example/add/abc"}`))
	}))
	defer srv.Close()

	url, err := newClient(t, srv.URL).Provision(t.Context(), PassRequest{
		ProgramID: "cafe", MemberExternalID: "m-1", Email: "a@example.com", Code: "ABC",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/add/abc", url)
	assert.Equal(t, "m-1", got.MemberExternalID)
	assert.Equal(t, "ABC", got.Code)
}

func TestHTTPClient_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server_error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "down", http.StatusBadGateway)
			},
		},
		{
			name: "empty_install_url",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
		},
		{
			name: "garbage_body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newClient(t, srv.URL).Provision(t.Context(), PassRequest{ProgramID: "p", Code: "C"})
			require.ErrorIs(t, err, ErrProvisionFailed)
		})
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Provision(t.Context(), PassRequest{ProgramID: "p", Code: "C"})
	require.True(t, errors.Is(err, ErrProvisionFailed), "got %v", err)
}

func TestNew_Drivers(t *testing.T) {
	t.Parallel()

	p, err := New(config.WalletConfig{Driver: "static", BaseURL: "http://localhost:8090/"})
	require.NoError(t, err)

	url, err := p.Provision(t.Context(), PassRequest{Code: "AB CD"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090/install/AB%20CD", url)

	_, err = New(config.WalletConfig{Driver: "http"})
	require.Error(t, err, "http driver needs a signing key")

	_, err = New(config.WalletConfig{Driver: "carrier-pigeon"})
	require.Error(t, err)
}
