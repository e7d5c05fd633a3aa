/*Package access provides utilities for access control

An Authorization is added to the request context by one of the middlewares
(JWT bearer token, static API token or, with authorization disabled, the
implicit admin). Handlers check portal permissions with RequirePermission.
*/
package access

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Permission is a single portal capability
type Permission string

// The portal permissions
const (
	ViewDevices            Permission = "ViewDevices"
	EditDeviceMetadata     Permission = "EditDeviceMetadata"
	AddDevices             Permission = "AddDevices"
	RemoveDevices          Permission = "RemoveDevices"
	DisableEnableDevices   Permission = "DisableEnableDevices"
	SendCommandToDevices   Permission = "SendCommandToDevices"
	ViewDeviceSecurityKeys Permission = "ViewDeviceSecurityKeys"
	ViewActions            Permission = "ViewActions"
	AssignAction           Permission = "AssignAction"
	ViewRules              Permission = "ViewRules"
	EditRules              Permission = "EditRules"
	DeleteRules            Permission = "DeleteRules"
	ViewTelemetry          Permission = "ViewTelemetry"
	ViewJobs               Permission = "ViewJobs"
	ManageJobs             Permission = "ManageJobs"
	EditSettings           Permission = "EditSettings"
)

// The roles known to the portal
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleReadOnly = "readonly"
)

var readOnlyPermissions = []Permission{
	ViewDevices, ViewActions, ViewRules, ViewTelemetry, ViewJobs,
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		ViewDevices, EditDeviceMetadata, AddDevices, RemoveDevices, DisableEnableDevices,
		SendCommandToDevices, ViewDeviceSecurityKeys, ViewActions, AssignAction, ViewRules,
		EditRules, DeleteRules, ViewTelemetry, ViewJobs, ManageJobs, EditSettings,
	},
	RoleOperator: append([]Permission{
		EditDeviceMetadata, SendCommandToDevices, EditRules, ManageJobs,
	}, readOnlyPermissions...),
	RoleReadOnly: readOnlyPermissions,
}

// Authorization is a context object which stores authorization information
// for users or machines.
//
// Authorizations are added to a request context with
//
//	ctx = auth.ContextWithAuthorization(ctx)
//
// and retrieved with
//
//	auth := AuthorizationFromContext(ctx)
type Authorization struct {
	Identity   string            `json:"identity,omitempty"`
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// AdminAuthorization returns an authorization with the admin role
func AdminAuthorization() *Authorization {
	return &Authorization{Roles: []string{RoleAdmin}}
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// HasPermission returns true if any of the authorization's roles grants the permission.
func (a *Authorization) HasPermission(permission Permission) bool {
	if a == nil {
		return false
	}
	for _, role := range a.Roles {
		for _, p := range rolePermissions[role] {
			if p == permission {
				return true
			}
		}
	}
	return false
}

// Permissions returns the sorted set of permissions granted by the authorization's roles
func (a *Authorization) Permissions() []Permission {
	if a == nil {
		return nil
	}
	set := map[Permission]bool{}
	for _, role := range a.Roles {
		for _, p := range rolePermissions[role] {
			set[p] = true
		}
	}
	result := make([]Permission, 0, len(set))
	for p := range set {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// RequirePermission checks that the request is authorized for the permission. If it is not,
// it writes an error to w and returns false.
func RequirePermission(w http.ResponseWriter, r *http.Request, permission Permission) bool {
	auth := AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	if !auth.HasPermission(permission) {
		logger.FromContext(r.Context()).Infof("%s lacks permission %s", auth.Identity, permission)
		http.Error(w, "missing permission "+string(permission), http.StatusForbidden)
		return false
	}
	return true
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.cache[token]
}

// Write stores an authorization in the in-memory cache.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// Clear removes all cached authorizations
func (a *AuthorizationCache) Clear() {
	a.mutex.Lock()
	a.cache = make(map[string]*Authorization)
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization together with its permissions.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		response := struct {
			*Authorization
			Permissions []Permission `json:"permissions"`
		}{auth, auth.Permissions()}
		jsonData, _ := json.MarshalIndent(response, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
