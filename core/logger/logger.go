// Package logger provides the request scoped logrus logger used across the device manager.
package logger

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
	DeviceID  string `json:"deviceID,omitempty"`
}

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"
	deviceIDLoggerKey  string = "deviceID"

	// RequestIDHeader is echoed back on every response
	RequestIDHeader = "X-Request-Id"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// ParseLevel parses a log level from configuration. Unknown or empty levels
// fall back to info.
func ParseLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// AddRequestID adds a logger with a new request ID if no logger exits yet for the context.
// An incoming X-Request-Id header is reused as request ID.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := r.Header.Get(RequestIDHeader); id != "" && loggerFromContext(ctx) == nil {
				ctx = context.WithValue(ctx, contextKeyRequestLogger, logrus.WithField(requestIDLoggerKey, id))
			}
			ctx, _ = ContextWithLogger(ctx)
			w.Header().Set(RequestIDHeader, RequestIDFromContext(ctx))
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	id := uuid.New()
	rlog := logrus.WithField(requestIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithLoggerFromData returns a context with a logger. If the context does not have a logger yet,
// the logger is constructed from the provided data, as produced by SerializeLoggerContext.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if loggerFromContext(ctx) != nil {
		return ctx
	}
	var ok bool
	ctx, ok = deserializeLoggerContext(ctx, data)
	if !ok {
		ctx, _ = ContextWithLogger(ctx)
	}
	return ctx
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := loggerFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// ContextWithLoggerIdentity returns a new context with a logger and identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	return contextWithField(ctx, identityLoggerKey, identity)
}

// ContextWithLoggerDevice returns a new context whose logger carries the device id.
// Broker callbacks and bulk jobs log per device with it.
func ContextWithLoggerDevice(ctx context.Context, deviceID string) (context.Context, *logrus.Entry) {
	return contextWithField(ctx, deviceIDLoggerKey, deviceID)
}

func contextWithField(ctx context.Context, key, value string) (context.Context, *logrus.Entry) {
	var rlog *logrus.Entry
	ctx, rlog = ContextWithLogger(ctx)
	rlog = rlog.WithField(key, value)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// SerializeLoggerContext extracts the logger from the context and returns a json
// representation of the relevant parameters.
func SerializeLoggerContext(ctx context.Context) []byte {
	ctxValues := loggerValues(ctx)
	if ctxValues.RequestID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(ctxValues)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var ctxValues contextLoggerValues
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ctxValues
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		ctxValues.RequestID = s
	}
	if s, ok := rlog.Data[identityLoggerKey].(string); ok {
		ctxValues.Identity = s
	}
	if s, ok := rlog.Data[deviceIDLoggerKey].(string); ok {
		ctxValues.DeviceID = s
	}
	return ctxValues
}

func deserializeLoggerContext(ctx context.Context, data []byte) (context.Context, bool) {
	var ctxValues contextLoggerValues
	err := json.Unmarshal(data, &ctxValues)
	if err != nil || len(ctxValues.RequestID) < 1 {
		return ctx, false
	}
	rlog := logrus.WithField(requestIDLoggerKey, ctxValues.RequestID)
	if len(ctxValues.Identity) > 0 {
		rlog = rlog.WithField(identityLoggerKey, ctxValues.Identity)
	}
	if len(ctxValues.DeviceID) > 0 {
		rlog = rlog.WithField(deviceIDLoggerKey, ctxValues.DeviceID)
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), true
}
