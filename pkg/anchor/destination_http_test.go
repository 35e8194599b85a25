package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDestinationSubmit(t *testing.T) {
	secret := []byte("test-signing-key")
	var gotRequest submitRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		_ = json.NewEncoder(w).Encode(submitResponse{
			TxRef:          "tx-abc",
			SequenceMarker: "seq-7",
			Status:         "accepted",
		})
	}))
	defer srv.Close()

	d := NewHTTPDestination("ledger", srv.URL, secret, 5*time.Second)
	result, err := d.Submit(context.Background(), "sha256:root")
	require.NoError(t, err)
	assert.Equal(t, "tx-abc", result.TxRef)
	assert.Equal(t, "seq-7", result.SequenceMarker)
	assert.Equal(t, "sha256:root", gotRequest.MerkleRoot)
	assert.Equal(t, "ledger", gotRequest.Destination)

	// Bearer token verifies against the shared secret and names the
	// destination as its audience.
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(gotAuth, "Bearer "), &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return secret, nil })
	require.NoError(t, err)
	claims := token.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "attestra", claims.Issuer)
	assert.Contains(t, claims.Audience, "ledger")
}

func TestHTTPDestinationNoSecretNoAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(submitResponse{TxRef: "tx-1", Status: "confirmed"})
	}))
	defer srv.Close()

	d := NewHTTPDestination("ledger", srv.URL, nil, 5*time.Second)
	_, err := d.Submit(context.Background(), "sha256:root")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestHTTPDestinationErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		d := NewHTTPDestination("ledger", srv.URL, nil, 5*time.Second)
		_, err := d.Submit(context.Background(), "sha256:root")
		assert.ErrorContains(t, err, "returned 500")
	})

	t.Run("rejected status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(submitResponse{Status: "rejected"})
		}))
		defer srv.Close()

		d := NewHTTPDestination("ledger", srv.URL, nil, 5*time.Second)
		_, err := d.Submit(context.Background(), "sha256:root")
		assert.ErrorContains(t, err, "rejected")
	})

	t.Run("unreachable", func(t *testing.T) {
		d := NewHTTPDestination("ledger", "http://127.0.0.1:1", nil, time.Second)
		_, err := d.Submit(context.Background(), "sha256:root")
		assert.ErrorContains(t, err, "unreachable")
	})
}
