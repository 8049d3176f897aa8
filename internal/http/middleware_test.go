package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shortontech/previewguard/internal/metrics"
	"github.com/shortontech/previewguard/internal/signature"
)

// TestRequestLogger tests the request logging middleware
func TestRequestLogger(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(status)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/events?x=1", nil)
			req.Header.Set("User-Agent", "TestAgent/1.0")
			w := httptest.NewRecorder()
			RequestLogger(next).ServeHTTP(w, req)

			if !called {
				t.Error("next handler should have been called")
			}
			if w.Code != status {
				t.Errorf("status code = %d, want %d", w.Code, status)
			}
		})
	}
}

// TestCors tests the CORS middleware
func TestCors(t *testing.T) {
	t.Run("sets CORS headers", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		w := httptest.NewRecorder()
		cors(next).ServeHTTP(w, req)

		headers := w.Header()
		if got := headers.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
		}
		allowHeaders := headers.Get("Access-Control-Allow-Headers")
		for _, h := range []string{"Content-Type", signature.Header} {
			if !strings.Contains(allowHeaders, h) {
				t.Errorf("Access-Control-Allow-Headers should contain %s, got %q", h, allowHeaders)
			}
		}
		allowMethods := headers.Get("Access-Control-Allow-Methods")
		for _, m := range []string{"GET", "POST", "OPTIONS"} {
			if !strings.Contains(allowMethods, m) {
				t.Errorf("Access-Control-Allow-Methods should contain %s, got %q", m, allowMethods)
			}
		}
		if w.Code != http.StatusCreated {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusCreated)
		}
	})

	t.Run("handles OPTIONS preflight request", func(t *testing.T) {
		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		w := httptest.NewRecorder()
		cors(next).ServeHTTP(w, req)

		if called {
			t.Error("next handler should not be called for OPTIONS requests")
		}
		if w.Code != http.StatusNoContent {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusNoContent)
		}
	})
}

// TestResponseWriter tests the responseWriter wrapper
func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: recorder, statusCode: http.StatusOK}
		rw.WriteHeader(http.StatusTeapot)

		if rw.statusCode != http.StatusTeapot || recorder.Code != http.StatusTeapot {
			t.Errorf("statusCode = %d, recorder = %d, want %d", rw.statusCode, recorder.Code, http.StatusTeapot)
		}
	})

	t.Run("defaults to 200 OK", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
		_, _ = rw.Write([]byte("test"))
		if rw.statusCode != http.StatusOK {
			t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusOK)
		}
	})
}

// TestMetricsMiddleware tests the metrics tracking middleware
func TestMetricsMiddleware(t *testing.T) {
	t.Run("handles nil metrics gracefully", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		w := httptest.NewRecorder()
		MetricsMiddleware(nil)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("labels by route pattern", func(t *testing.T) {
		m := metrics.NewMetrics(prometheus.NewRegistry())
		mux := http.NewServeMux()
		mux.HandleFunc("POST /sessions/{id}/revoke", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		handler := MetricsMiddleware(m)(mux)

		for _, id := range []string{"a", "b", "c"} {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/revoke", nil))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

		got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST /sessions/{id}/revoke", "POST", "204"))
		if got != 3 {
			t.Errorf("requests for pattern = %v, want 3", got)
		}
		if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "GET", "404")); got != 1 {
			t.Errorf("unmatched requests = %v, want 1", got)
		}
	})

	t.Run("does not modify response", func(t *testing.T) {
		m := metrics.NewMetrics(prometheus.NewRegistry())
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Custom-Header", "custom-value")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("body"))
		})
		w := httptest.NewRecorder()
		MetricsMiddleware(m)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if w.Header().Get("X-Custom-Header") != "custom-value" || w.Body.String() != "body" {
			t.Errorf("response changed: %v %q", w.Header(), w.Body.String())
		}
	})
}

// TestMiddlewareChaining tests that middleware can be chained together
func TestMiddlewareChaining(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestLogger(MetricsMiddleware(m)(cors(final)))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader("test")))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
