package auth

import (
	"strings"
)

// ClaimsExtractor extracts values from JWT claims.
type ClaimsExtractor struct {
	// RoleClaimPath is the dot-separated path to roles in claims.
	// e.g., "realm_access.roles" or "roles"
	RoleClaimPath string

	// RolePrefix filters roles to those starting with this prefix.
	RolePrefix string

	// EmailClaimPath is the path to the email claim.
	EmailClaimPath string

	// NameClaimPath is the path to the name claim.
	NameClaimPath string

	// SubjectClaimPath is the path to the subject claim.
	SubjectClaimPath string
}

// DefaultClaimsExtractor returns an extractor with common defaults.
func DefaultClaimsExtractor() *ClaimsExtractor {
	return &ClaimsExtractor{
		RoleClaimPath:    "roles",
		EmailClaimPath:   "email",
		NameClaimPath:    "name",
		SubjectClaimPath: "sub",
	}
}

// Extract builds a principal from claims.
func (e *ClaimsExtractor) Extract(claims map[string]any) *Principal {
	p := &Principal{
		UserID: e.getStringValue(claims, e.SubjectClaimPath),
		Email:  e.getStringValue(claims, e.EmailClaimPath),
		Name:   e.getStringValue(claims, e.NameClaimPath),
	}
	if e.RoleClaimPath != "" {
		roles := e.getStringSlice(claims, e.RoleClaimPath)
		if e.RolePrefix != "" {
			roles = filterByPrefix(roles, e.RolePrefix)
		}
		p.Roles = roles
	}
	return p
}

func (e *ClaimsExtractor) getStringValue(claims map[string]any, path string) string {
	if s, ok := e.getValue(claims, path).(string); ok {
		return s
	}
	return ""
}

func (e *ClaimsExtractor) getStringSlice(claims map[string]any, path string) []string {
	switch arr := e.getValue(claims, path).(type) {
	case []any:
		result := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return arr
	}
	return nil
}

// getValue gets a value at a dot-separated path.
func (*ClaimsExtractor) getValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func filterByPrefix(items []string, prefix string) []string {
	result := make([]string, 0, len(items))
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
