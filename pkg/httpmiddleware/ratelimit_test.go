package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func fromIP(addr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/libraries", nil)
	r.RemoteAddr = addr
	return r
}

func TestRateLimit_Burst(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 3, Window: time.Minute})(okHandler())

	for i := range 3 {
		w := serve(h, fromIP("10.0.0.1:1000"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := serve(h, fromIP("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 20, retry, 1)

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(429), body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimit_Refill(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 2, Window: 2 * time.Second})
	now := time.Now()

	_, _, ok := rl.reserve("k", now)
	require.True(t, ok)
	_, _, ok = rl.reserve("k", now)
	require.True(t, ok)
	_, wait, ok := rl.reserve("k", now)
	require.False(t, ok)
	assert.Equal(t, time.Second, wait)

	// A rejected request does not consume a token.
	_, _, ok = rl.reserve("k", now.Add(time.Second))
	assert.True(t, ok)
}

func TestRateLimit_Disabled(t *testing.T) {
	h := RateLimit(RateLimitConfig{})(okHandler())
	for range 10 {
		w := serve(h, fromIP("10.0.0.1:1000"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_Evict(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Now()
	rl.reserve("old", now)
	rl.reserve("new", now.Add(90*time.Second))

	rl.evict(now.Add(2 * time.Minute))

	assert.NotContains(t, rl.buckets, "old")
	assert.Contains(t, rl.buckets, "new")
}

func TestClientKey(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "Token", header: map[string]string{"Authorization": "Token abc"}, remote: "10.0.0.1:1", want: "token:abc"},
		{name: "Bearer", header: map[string]string{"Authorization": "Bearer xyz"}, remote: "10.0.0.1:1", want: "token:xyz"},
		{name: "MalformedAuth", header: map[string]string{"Authorization": "abc"}, remote: "10.0.0.1:1", want: "ip:10.0.0.1"},
		{name: "ForwardedFor", header: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}, remote: "10.0.0.1:1", want: "ip:203.0.113.50"},
		{name: "RealIP", header: map[string]string{"X-Real-IP": "198.51.100.7"}, remote: "10.0.0.1:1", want: "ip:198.51.100.7"},
		{name: "RemoteAddr", remote: "192.0.2.1:4444", want: "ip:192.0.2.1"},
		{name: "NoPort", remote: "192.0.2.1", want: "ip:192.0.2.1"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := fromIP(tt.remote)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientKey(r))
		})
	}
}

func TestRateLimit_PerToken(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	alice := fromIP("10.0.0.1:1000")
	alice.Header.Set("Authorization", "Token alice")
	assert.Equal(t, http.StatusOK, serve(h, alice).Code)

	// Same address, different client.
	bob := fromIP("10.0.0.1:1000")
	bob.Header.Set("Authorization", "Token bob")
	assert.Equal(t, http.StatusOK, serve(h, bob).Code)

	again := fromIP("10.0.0.2:1000")
	again.Header.Set("Authorization", "Token alice")
	assert.Equal(t, http.StatusTooManyRequests, serve(h, again).Code)
}
