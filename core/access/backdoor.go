package access

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// BackdoorMiddlewareBuilder is a helper builder for the backdoor middleware
type BackdoorMiddlewareBuilder struct {
	// Backdoors is a mapping from a bearer token to an actual authorization
	Backdoors map[string]Authorization
}

// NewBackdoorMiddleware returns a middleware handler for static API tokens.
//
// Example: if you specify the backdoor
//
//	"please": Authorization{Roles:[]string{"admin"}}
//
// then any request with an authorization bearer token consisting of the single
// magic word "please" will be authorized with the admin role. Service jobs and
// the command line tools use this to call the WebAPI.
//
// Unknown tokens are passed on to the next middleware.
func NewBackdoorMiddleware(bmb *BackdoorMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			token := tokenFromRequest(r)
			if token == "" {
				h.ServeHTTP(w, r)
				return
			}
			for backdoor, auth := range bmb.Backdoors {
				if subtle.ConstantTimeCompare([]byte(backdoor), []byte(token)) == 1 {
					auth := auth
					ctx, rlog := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity)
					rlog.Debugln("authorized through backdoor")
					r = r.WithContext(auth.ContextWithAuthorization(ctx))
					break
				}
			}
			h.ServeHTTP(w, r)
		})
	}
}
