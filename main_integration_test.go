package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/api"
	"foodbridge/core/internal/auth"
	"foodbridge/core/internal/models"
)

const testJwtSecret = "integration-test-secret"

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c client) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(c.t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func newTestServer(t *testing.T) (*httptest.Server, func(userID string, role models.Role) client) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("JWT_SECRET", testJwtSecret)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1") // unreachable: exercises the Redis-less fallback
	t.Setenv("AWS_S3_BUCKET", "")
	t.Setenv("RATE_LIMIT_BUCKET_SIZE", "1000")
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := bootstrap(ctx, "serve", false)
	require.NoError(t, err)
	srv := httptest.NewServer(api.SetupRouter(ctx, a.cfg, a.svc))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.close()
	})

	login := func(userID string, role models.Role) client {
		token, err := auth.GenerateJWT(userID, role, testJwtSecret, time.Hour)
		require.NoError(t, err)
		return client{t: t, base: srv.URL, token: token}
	}
	return srv, login
}

func TestIntegration_Ping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestIntegration_AuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	anon := client{t: t, base: srv.URL}

	code, body := anon.do(http.MethodPost, "/v1/listings", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, body["error"], "Authorization")

	code, _ = anon.do(http.MethodGet, "/v1/listings", nil)
	assert.Equal(t, http.StatusOK, code, "browsing is public")
}

func TestIntegration_ListingLifecycle(t *testing.T) {
	_, login := newTestServer(t)
	donor := login("donor-1", models.RoleDonor)
	ravi := login("recv-1", models.RoleReceiver)
	meena := login("recv-2", models.RoleReceiver)

	code, _ := donor.do(http.MethodPut, "/v1/users/me", map[string]any{"name": "Asha", "role": "donor"})
	require.Equal(t, http.StatusOK, code)
	code, _ = ravi.do(http.MethodPut, "/v1/users/me", map[string]any{"name": "Ravi", "role": "receiver"})
	require.Equal(t, http.StatusOK, code)

	code, listing := donor.do(http.MethodPost, "/v1/listings", map[string]any{
		"title":       "Veg biryani",
		"description": "Leftover from a wedding",
		"food_type":   "veg",
		"quantity":    4,
		"expiry_time": time.Now().Add(4 * time.Hour).UTC().Format(time.RFC3339),
		"pickup_location": map[string]any{
			"latitude": 12.9716, "longitude": 77.5946, "address": "MG Road",
		},
	})
	require.Equal(t, http.StatusCreated, code, "%v", listing)
	listingID := listing["id"].(string)
	assert.Equal(t, "Asha", listing["donor_name"])

	code, req1 := ravi.do(http.MethodPost, "/v1/listings/"+listingID+"/requests", map[string]any{"message": "Can pick up at 6"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = ravi.do(http.MethodPost, "/v1/listings/"+listingID+"/requests", nil)
	assert.Equal(t, http.StatusConflict, code, "duplicate request")
	code, req2 := meena.do(http.MethodPost, "/v1/listings/"+listingID+"/requests", nil)
	require.Equal(t, http.StatusCreated, code)

	code, got := donor.do(http.MethodGet, "/v1/listings/"+listingID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "requested", got["display_status"])

	code, incoming := donor.do(http.MethodGet, "/v1/requests/incoming", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, incoming["data"], 2)

	code, _ = ravi.do(http.MethodPost, "/v1/requests/"+req1["id"].(string)+"/accept", nil)
	assert.Equal(t, http.StatusForbidden, code, "only the donor accepts")

	code, accepted := donor.do(http.MethodPost, "/v1/requests/"+req1["id"].(string)+"/accept", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", accepted["status"])

	code, _ = donor.do(http.MethodPost, "/v1/requests/"+req2["id"].(string)+"/accept", nil)
	assert.Equal(t, http.StatusConflict, code, "listing already claimed")

	code, _ = ravi.do(http.MethodPost, "/v1/listings/"+listingID+"/messages", map[string]any{"message": "On my way"})
	assert.Equal(t, http.StatusCreated, code)
	code, msgs := donor.do(http.MethodGet, "/v1/listings/"+listingID+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, msgs["data"], 1)

	code, done := donor.do(http.MethodPost, "/v1/listings/"+listingID+"/complete", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", done["status"])

	code, rating := ravi.do(http.MethodPost, "/v1/ratings", map[string]any{
		"listing_id": listingID, "rated_user_id": "donor-1", "rating": 5,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "donor", rating["type"])

	code, mine := ravi.do(http.MethodGet, "/v1/requests/mine", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, mine["data"], 1)

	code, notes := ravi.do(http.MethodGet, "/v1/notifications", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, notes["data"], "no inbox without Redis")
}
