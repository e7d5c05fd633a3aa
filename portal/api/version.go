package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
)

var (
	// Version is the version of the current build, set with -ldflags
	Version = "unset"
)

func (a *API) handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		a.versionWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (a *API) versionWithAuth(w http.ResponseWriter, r *http.Request) {
	if a.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole(access.RoleAdmin) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data, _ := json.Marshal(map[string]string{"version": Version})
	w.Write(data)
}
