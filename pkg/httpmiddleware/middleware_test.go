package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var calls []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls = append(calls, "handler")
	}), mark("outer"), mark("inner"))

	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, calls)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("Generated", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, w.Header().Get(HeaderRequestID))
	})
	t.Run("Reused", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderRequestID, "run-submit-42")
		w := serve(h, r)
		assert.Equal(t, "run-submit-42", seen)
		assert.Equal(t, "run-submit-42", w.Header().Get(HeaderRequestID))
	})
	for name, bad := range map[string]string{
		"TooLong":  strings.Repeat("a", 129),
		"Control":  "abc\x01",
		"NonASCII": "séquence",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(HeaderRequestID, bad)
			serve(h, r)
			assert.NotEqual(t, bad, seen)
			assert.Len(t, seen, 36)
		})
	}
	assert.Empty(t, RequestIDFromContext(t.Context()))
}

func routes(r *http.Request) (string, bool) {
	if strings.HasPrefix(r.URL.Path, "/api/runs/") {
		return r.Method + " /api/runs/:id", true
	}
	return "", false
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	status := http.StatusOK
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("{}"))
	}), RequestID(), InjectLogger(zap.New(core)), LogRequests(routes))

	r := httptest.NewRequest(http.MethodGet, "/api/runs/0b4c", nil)
	r.Header.Set(HeaderRequestID, "req-1")
	serve(h, r)

	status = http.StatusBadGateway
	serve(h, httptest.NewRequest(http.MethodPost, "/api/unknown", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "GET /api/runs/:id", first["route"])
	assert.Equal(t, "req-1", first["request_id"])
	assert.EqualValues(t, http.StatusOK, first["status"])
	assert.EqualValues(t, 2, first["bytes"])

	second := entries[1].ContextMap()
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "POST unmatched", second["route"])
	assert.EqualValues(t, http.StatusBadGateway, second["status"])
}

func TestInjectLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := InjectLogger(zap.New(core))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		zctx.From(r.Context()).Info("hello")
	}))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1, logs.FilterMessage("hello").Len())
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("blastn exploded")
	}), InjectLogger(zap.New(core)), Recovery())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 500, body.Code)
	assert.Equal(t, "Internal Server Error", body.Message)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "blastn exploded", logs.All()[0].ContextMap()["panic"])
}

func TestRecovery_AbortHandler(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestAllowedHosts(t *testing.T) {
	for _, tt := range []struct {
		name  string
		hosts []string
		host  string
		want  int
	}{
		{name: "Empty", host: "evil.example", want: http.StatusOK},
		{name: "Wildcard", hosts: []string{"*"}, host: "evil.example", want: http.StatusOK},
		{name: "Exact", hosts: []string{"barrel.example.org"}, host: "barrel.example.org", want: http.StatusOK},
		{name: "Port", hosts: []string{"localhost"}, host: "localhost:8000", want: http.StatusOK},
		{name: "CaseInsensitive", hosts: []string{"Barrel.Example.org"}, host: "barrel.example.ORG", want: http.StatusOK},
		{name: "Subdomain", hosts: []string{".example.org"}, host: "api.example.org", want: http.StatusOK},
		{name: "DomainItself", hosts: []string{".example.org"}, host: "example.org", want: http.StatusOK},
		{name: "Rejected", hosts: []string{"barrel.example.org"}, host: "evil.example", want: http.StatusBadRequest},
		{name: "SuffixOnly", hosts: []string{".example.org"}, host: "notexample.org", want: http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/libraries", nil)
			r.Host = tt.host
			w := serve(AllowedHosts(tt.hosts)(okHandler()), r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{Origins: []string{"https://barrel.example.org/"}, MaxAge: 600})(okHandler())

	t.Run("Preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
		r.Header.Set("Origin", "https://BARREL.example.org")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := serve(h, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://BARREL.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
		assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
		assert.Contains(t, w.Header().Values("Vary"), "Access-Control-Request-Method")
	})
	t.Run("Actual", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/versions/1/export", nil)
		r.Header.Set("Origin", "https://barrel.example.org")
		w := serve(h, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")
	})
	t.Run("Disallowed", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
		r.Header.Set("Origin", "https://evil.example")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := serve(h, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
	})
	t.Run("AnyWithCredentials", func(t *testing.T) {
		h := CORS(CORSConfig{Credentials: true})(okHandler())
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://app.example")
		w := serve(h, r)

		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})
	t.Run("Any", func(t *testing.T) {
		h := CORS(CORSConfig{})(okHandler())
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://app.example")
		w := serve(h, r)

		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestInstrument(t *testing.T) {
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}),
		Instrument("barrel-test", routes, metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider()),
		Labeler(routes),
	)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/runs/1", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
