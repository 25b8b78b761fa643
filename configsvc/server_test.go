package configsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/testkit"
	"github.com/ceyewan/hms-plane/xerrors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHTTP(t *testing.T) (http.Handler, Service) {
	t.Helper()
	svc, _ := newSQLService(t)
	srv, err := NewServer(svc, &Config{MetricsPath: "/metrics"}, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	return srv.Handler(), svc
}

func call(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSnapshotEndpoint(t *testing.T) {
	h, _ := newTestHTTP(t)

	w := call(h, http.MethodPut, "/config/patient-service/dev/_/db.url", "jdbc:postgresql://db", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entry := decodeBody[confstore.Entry](t, w)
	assert.EqualValues(t, 1, entry.Version)
	assert.Equal(t, "", entry.Label)

	w = call(h, http.MethodGet, "/config/patient-service/dev", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeBody[Snapshot](t, w)
	assert.Equal(t, "jdbc:postgresql://db", snap.Properties["db.url"])
	etag := w.Header().Get("ETag")
	assert.Equal(t, `"`+snap.ETag+`"`, etag)

	// "_" 与省略 label 等价
	w = call(h, http.MethodGet, "/config/patient-service/dev/_", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = call(h, http.MethodGet, "/config/patient-service/dev", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = call(h, http.MethodGet, "/config/unknown-service/dev", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerrors.CodeNotFound, decodeBody[xerrors.Response](t, w).Code)
}

func TestLongPollEndpoint(t *testing.T) {
	h, svc := newTestHTTP(t)
	_, err := svc.Put(context.Background(), confstore.Coordinates{Application: "lab-service"}, "k", "v1")
	require.NoError(t, err)

	w := call(h, http.MethodGet, "/config/lab-service/default", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")

	w = call(h, http.MethodGet, "/config/lab-service/default?waitMs=50", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = call(h, http.MethodGet, "/config/lab-service/default?waitMs=abc", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.Put(context.Background(), confstore.Coordinates{Application: "lab-service"}, "k", "v2")
	}()
	w = call(h, http.MethodGet, "/config/lab-service/default?waitMs=5000", "", map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v2", decodeBody[Snapshot](t, w).Properties["k"])
	assert.NotEqual(t, etag, w.Header().Get("ETag"))
}

func TestWriteEndpoints(t *testing.T) {
	h, _ := newTestHTTP(t)
	base := "/config/hr-service/prod/v1/pool.size"

	require.Equal(t, http.StatusOK, call(h, http.MethodPut, base, "4", nil).Code)
	require.Equal(t, http.StatusOK, call(h, http.MethodPut, base, "8", nil).Code)

	w := call(h, http.MethodGet, base+"/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decodeBody[[]confstore.Entry](t, w)
	require.Len(t, hist, 2)
	assert.Equal(t, "v1", hist[0].Label)

	w = call(h, http.MethodPost, base+"/rollback?version=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rolled := decodeBody[confstore.Entry](t, w)
	assert.EqualValues(t, 3, rolled.Version)
	assert.Equal(t, "4", rolled.Value)

	w = call(h, http.MethodGet, "/config/hr-service/prod/v1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", decodeBody[Snapshot](t, w).Properties["pool.size"])

	assert.Equal(t, http.StatusBadRequest, call(h, http.MethodPost, base+"/rollback?version=x", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodPost, base+"/rollback?version=99", "", nil).Code)

	assert.Equal(t, http.StatusNoContent, call(h, http.MethodDelete, base, "", nil).Code)
	w = call(h, http.MethodDelete, base, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(h, http.MethodPut, "/config/hr-service/prod/_/bad%20key", "x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, xerrors.CodeValidation, decodeBody[xerrors.Response](t, w).Code)
}

func TestRefreshEndpoint(t *testing.T) {
	h, _ := newTestHTTP(t)

	w := call(h, http.MethodPost, "/refresh/patient-service", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeBody[RefreshResponse](t, w)
	assert.Equal(t, "patient-service", resp.Application)
	assert.EqualValues(t, 1, resp.Generation)

	w = call(h, http.MethodPost, "/refresh/patient-service", "", nil)
	assert.EqualValues(t, 2, decodeBody[RefreshResponse](t, w).Generation)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h, _ := newTestHTTP(t)
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/healthz", "", nil).Code)
	// 测试用 meter 不导出
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestParseETag(t *testing.T) {
	assert.Equal(t, "abc", parseETag(`"abc"`))
	assert.Equal(t, "abc", parseETag(`W/"abc"`))
	assert.Equal(t, "abc", parseETag(" abc "))
	assert.Equal(t, "", parseETag(""))
}
