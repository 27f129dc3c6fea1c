// internal/api/client_test.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabsyteam/tabsy-table-session/internal/models"
)

func TestCreateGuestSessionHoldsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions/guest":
			var req JoinTableRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "qr-1", req.QRCode)
			json.NewEncoder(w).Encode(models.GuestSession{
				SessionID:      "guest-1",
				TableSessionID: "ts-1",
				Token:          "tok-abc",
				RestaurantID:   req.RestaurantID,
				TableID:        req.TableID,
				IsHost:         true,
			})
		case "/api/v1/table-sessions/ts-1/lock":
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	guest, err := c.CreateGuestSession(context.Background(), JoinTableRequest{
		RestaurantID: "r1", TableID: "t1", QRCode: "qr-1", UserName: "Ana",
	})
	require.NoError(t, err)
	assert.True(t, guest.IsHost)
	assert.Equal(t, "tok-abc", c.Token(), "join response token must stick to the client")

	require.NoError(t, c.LockOrdering(context.Background(), "ts-1"))
	assert.Equal(t, "Bearer tok-abc", gotAuth)
}

func TestDecodeErrorSurfacesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "SESSION_REPLACED", "message": "a newer session claimed this table"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.LockOrdering(context.Background(), "ts-1")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.Status)
	assert.Equal(t, "SESSION_REPLACED", apiErr.Code)
	assert.True(t, IsSessionInvalid(err))
	assert.False(t, IsUnauthorized(err))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsUnauthorized(&Error{Status: http.StatusUnauthorized}))
	assert.False(t, IsUnauthorized(&Error{Status: http.StatusForbidden}))
	assert.False(t, IsUnauthorized(errors.New("dial tcp: refused")))

	for _, code := range []string{"SESSION_INVALID", "SESSION_EXPIRED", "SESSION_REPLACED"} {
		assert.True(t, IsSessionInvalid(&Error{Status: 401, Code: code}), code)
	}
	assert.False(t, IsSessionInvalid(&Error{Status: 401, Code: "BAD_CREDENTIALS"}))
	assert.False(t, IsSessionInvalid(errors.New("dial tcp: refused")))
}

func TestErrorWithoutJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.LockOrdering(context.Background(), "ts-1")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, apiErr.Code)
}
