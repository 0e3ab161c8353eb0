package middleware

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/auth"
)

const testSecret = "test-secret"

func whoAmI(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"userId": GetUserID(c), "tier": GetUserTier(c), "email": GetUserEmail(c)})
}

func TestAuthenticate(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(auth.NewAuthenticator(nil, testSecret)).Authenticate(), whoAmI)

	token, err := auth.IssueLegacyToken(testSecret, auth.Principal{UserID: "u1", Email: "u1@example.com", Tier: "premium"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid token", header: "Bearer " + token, wantStatus: fiber.StatusOK},
		{name: "missing header", wantStatus: fiber.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, wantStatus: fiber.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", wantStatus: fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == fiber.StatusOK {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, "u1", body["userId"])
				assert.Equal(t, "premium", body["tier"])
			}
		})
	}
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoAmI)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "g1")
	req.Header.Set("X-User-Tier", "elevated")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "g1", body["userId"])
	assert.Equal(t, "elevated", body["tier"])

	resp, err = app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestDispatchLimit(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.Del(ctx, "ratelimit:dispatch:rl-user")
		rdb.Close()
	})
	rdb.Del(ctx, "ratelimit:dispatch:rl-user")

	app := fiber.New()
	app.Post("/go",
		func(c *fiber.Ctx) error { c.Locals(localUserID, "rl-user"); return c.Next() },
		NewRateLimiter(rdb, zap.NewNop()).DispatchLimit(2),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) },
	)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/go", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest("POST", "/go", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
