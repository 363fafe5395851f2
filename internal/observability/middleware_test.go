package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func TestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.Use(RequestMetricsMiddleware("node-mw"))
	r.GET("/things/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/things/1", "/things/2", "/nope/a", "/nope/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("node-mw", "GET", "/things/:id", "200")); got != 2 {
		t.Fatalf("matched route count got=%v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("node-mw", "GET", unmatchedRoute, "404")); got != 2 {
		t.Fatalf("unmatched route count got=%v", got)
	}
	logs := buf.String()
	if strings.Count(logs, `"message":"admin request"`) != 4 || !strings.Contains(logs, `"level":"warn"`) {
		t.Fatalf("request log got=%s", logs)
	}
}
