// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// CORSMiddleware answers preflight requests and sets the CORS headers of the portal
func CORSMiddleware(allowedOrigins ...string) mux.MiddlewareFunc {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{"POST", "GET", "OPTIONS", "PUT", "DELETE", "PATCH"}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "If-Match", "If-None-Match", "X-Request-Id"}),
		handlers.ExposedHeaders([]string{"ETag", "Last-Modified", "X-Request-Id"}),
		handlers.MaxAge(86400),
	)
	return func(h http.Handler) http.Handler {
		withCORS := cors(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
			}
			withCORS.ServeHTTP(w, r)
		})
	}
}

// CompressionMiddleware compresses responses for clients which accept gzip or deflate
func CompressionMiddleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	}
}
