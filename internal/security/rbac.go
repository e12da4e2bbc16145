package security

import (
	"net/http"
	"strings"
)

// Roles
const (
	RoleLearner = "learner"
	RoleProctor = "proctor"
	RoleAdmin   = "admin"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleLearner, RoleProctor, RoleAdmin}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method, "*" for any
	Pattern string // path with {id} wildcards, trailing "/" for a prefix
	Roles   []string
}

// permissions is checked top to bottom; the first match decides.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/api/attempts/{id}/watch", Roles: []string{RoleLearner, RoleProctor}},
	{Method: "GET", Pattern: "/api/progress", Roles: []string{RoleLearner}},
	{Method: "PUT", Pattern: "/api/attempts/{id}/draft", Roles: []string{RoleLearner}},
	{Method: "POST", Pattern: "/api/attempts/{id}/events", Roles: []string{RoleLearner}},
	{Method: "POST", Pattern: "/api/attempts/{id}/submit", Roles: []string{RoleLearner}},
	{Method: "POST", Pattern: "/api/attempts", Roles: []string{RoleLearner}},
	{Method: "POST", Pattern: "/api/offline/sync", Roles: []string{RoleLearner}},
	{Method: "GET", Pattern: "/api/", Roles: []string{RoleLearner, RoleProctor}},
}

// RequireRole returns middleware that checks the JWT role against allowed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}
			if claims.Role != RoleAdmin && !roleSet[claims.Role] {
				writeAuthError(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PermissionMiddleware enforces the route table for the caller's role.
func PermissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err)
			return
		}
		if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
			writeAuthError(w, http.StatusForbidden, ErrInsufficientRole)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckPermission reports whether role may call method on path.
// Admin always has access; an empty role is treated as learner.
func CheckPermission(role, method, path string) bool {
	if role == RoleAdmin {
		return true
	}
	if role == "" {
		role = RoleLearner
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if perm.Method != "*" && perm.Method != method {
			continue
		}
		if !matchRoute(perm.Pattern, path) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

// matchRoute matches path against pattern. A pattern ending in "/" matches
// any path below it; otherwise segment counts must agree.
func matchRoute(pattern, path string) bool {
	prefix := strings.HasSuffix(pattern, "/")
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) {
		return false
	}
	if !prefix && len(pathParts) != len(patParts) {
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
