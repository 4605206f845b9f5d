package authz

import "strings"

// MatchEndpoint finds the permission rule for a method and path.
// Templates win in spec order; an exact-segment rule listed earlier
// shadows a templated one listed later. Returns nil when no rule
// matches, which callers must treat as a denial.
func MatchEndpoint(spec *PermissionSpec, method, path string) *EndpointPermission {
	if spec == nil {
		return nil
	}

	method = strings.ToUpper(method)
	segments := splitPath(path)

	for i := range spec.Endpoints {
		ep := &spec.Endpoints[i]
		if !strings.EqualFold(ep.Method, method) {
			continue
		}
		if matchTemplate(splitPath(ep.Path), segments) {
			return ep
		}
	}
	return nil
}

// matchTemplate compares a path template against concrete segments.
// A "{var}" template segment matches any single non-empty segment.
func matchTemplate(template, segments []string) bool {
	if len(template) != len(segments) {
		return false
	}
	for i, t := range template {
		if isTemplateVar(t) {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if t != segments[i] {
			return false
		}
	}
	return true
}

func isTemplateVar(segment string) bool {
	return len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}'
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// HasPermission reports whether the granted set satisfies one required
// permission. A resource-scoped wildcard grant ("order:*") satisfies any
// action on that resource ("order:read").
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if resource, ok := strings.CutSuffix(g, ":*"); ok {
			if strings.HasPrefix(required, resource+":") {
				return true
			}
		}
	}
	return false
}

// HasAllPermissions reports whether every required permission is
// satisfied by the granted set.
func HasAllPermissions(granted, required []string) bool {
	for _, r := range required {
		if !HasPermission(granted, r) {
			return false
		}
	}
	return true
}

// HasAnyRole reports whether the two role sets intersect.
func HasAnyRole(held, required []string) bool {
	for _, r := range required {
		for _, h := range held {
			if h == r {
				return true
			}
		}
	}
	return false
}
