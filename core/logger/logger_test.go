package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTripKeepsDevice(t *testing.T) {
	ctx, _ := ContextWithLoggerIdentity(context.Background(), "alice")
	ctx, _ = ContextWithLoggerDevice(ctx, "device-1")
	data := SerializeLoggerContext(ctx)

	restored := ContextWithLoggerFromData(context.Background(), data)
	assert.Equal(t, RequestIDFromContext(ctx), RequestIDFromContext(restored))
	values := loggerValues(restored)
	assert.Equal(t, "alice", values.Identity)
	assert.Equal(t, "device-1", values.DeviceID)
}

func TestContextWithLoggerFromInvalidData(t *testing.T) {
	ctx := ContextWithLoggerFromData(context.Background(), []byte("not json"))
	assert.NotEmpty(t, RequestIDFromContext(ctx))
	assert.Equal(t, []byte("{}"), SerializeLoggerContext(context.Background()))
}

func TestAddRequestIDReusesHeader(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("nonsense"))
}
