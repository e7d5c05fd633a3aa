// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	sync.Mutex
	payloads []string
	calls    int
}

func (r *recorder) handler(fail int) func(context.Context, Event) error {
	return func(ctx context.Context, e Event) error {
		r.Lock()
		defer r.Unlock()
		r.calls++
		if r.calls <= fail {
			return errors.New("failing on purpose")
		}
		r.payloads = append(r.payloads, string(e.Payload))
		return nil
	}
}

func TestMemory_RaiseEventCompression(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(2)
	rec := &recorder{}
	q.HandleEvent("update", rec.handler(0))

	event := Event{Type: "update", Key: "k", Resource: "device", ResourceID: "dev-1"}
	require.NoError(t, q.RaiseEvent(ctx, event.WithPayload(map[string]int{"v": 1})))
	require.NoError(t, q.RaiseEvent(ctx, event.WithPayload(map[string]int{"v": 2})))
	q.ProcessJobsSync(0)

	assert.Equal(t, []string{`{"v":2}`}, rec.payloads)
	h, err := q.Health(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, h.Jobs.Failed)
	assert.Empty(t, h.Jobs.Details)
}

func TestMemory_QueueEventKeepsAll(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1)
	rec := &recorder{}
	q.HandleEvent("notify", rec.handler(0))

	for _, p := range []string{`"a"`, `"b"`, `"c"`} {
		require.NoError(t, q.QueueEvent(ctx, Event{Type: "notify"}.WithPayload([]byte(p))))
	}
	q.ProcessJobsSync(0)
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, rec.payloads)
}

func TestMemory_UnknownHandler(t *testing.T) {
	q := NewMemory(1)
	if err := q.RaiseEvent(context.Background(), Event{Type: "nobody"}); err == nil {
		t.Fatal("raising an event without handler must fail")
	}
}

func TestMemory_RetriesAndFailure(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1, time.Millisecond)
	rec := &recorder{}
	q.HandleEvent("flaky", rec.handler(2))
	require.NoError(t, q.RaiseEvent(ctx, Event{Type: "flaky"}))

	for i := 0; i < 20 && len(rec.payloads) == 0; i++ {
		q.ProcessJobsSync(0)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 3, rec.calls)
	assert.Len(t, rec.payloads, 1)

	failing := &recorder{}
	q.HandleEvent("broken", failing.handler(100))
	require.NoError(t, q.RaiseEvent(ctx, Event{Type: "broken", Key: "x"}))
	for i := 0; i < 20; i++ {
		q.ProcessJobsSync(0)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, maxAttempts, failing.calls)

	h, err := q.Health(ctx, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.Jobs.Failed)
	require.Len(t, h.Jobs.Details, 1)
	assert.Equal(t, "broken", h.Jobs.Details[0].Type)

	require.NoError(t, q.HealthPurge(ctx))
	h, err = q.Health(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, h.Jobs.Failed)
}

func TestMemory_PanicIsAFailure(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1, time.Hour)
	q.HandleEvent("panic", func(context.Context, Event) error { panic("boom") })
	require.NoError(t, q.RaiseEvent(ctx, Event{Type: "panic"}))
	q.ProcessJobsSync(0)

	h, err := q.Health(ctx, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.Jobs.Failed)
	assert.EqualValues(t, 0, h.Jobs.Failing, "three attempts left is not failing yet")
}

func TestMemory_ScheduleAndCancel(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1)
	rec := &recorder{}
	q.HandleEvent("later", rec.handler(0))

	event := Event{Type: "later", ResourceID: "job-1"}
	require.NoError(t, q.ScheduleEvent(ctx, event, time.Now().Add(time.Hour)))
	q.ProcessJobsSync(0)
	assert.Zero(t, rec.calls, "scheduled in the future")

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h, err := q.Health(ctx, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.Jobs.Overdue)

	cancelled, err := q.CancelEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, cancelled)
	cancelled, err = q.CancelEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, cancelled)

	q.ProcessJobsSync(0)
	assert.Zero(t, rec.calls)

	require.NoError(t, q.ScheduleEvent(ctx, event, time.Now().Add(time.Minute)))
	q.ProcessJobsSync(0)
	assert.Equal(t, 1, rec.calls)
}

func TestRoutes(t *testing.T) {
	q := NewMemory(1)
	rec := &recorder{}
	q.HandleEvent("ping", rec.handler(0))

	router := mux.NewRouter()
	router.Use(access.NewAuthorizationDisabledMiddleware())
	HandleRoutes(router, q)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/events/ping?key=abc", strings.NewReader(`{"x":1}`)))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/events/ping?bogus=1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/events/unknown", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	q.ProcessJobsSync(0)
	assert.Equal(t, []string{`{"x":1}`}, rec.payloads)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":{"failed":0,"failing":0,"overdue":0}}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/health/purge", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
