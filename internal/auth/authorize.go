package auth

import "strings"

const defaultAuthority = "ROLE_USER"

// Authorities flattens roles into the authority list embedded in access tokens.
// A role without permissions contributes ROLE_<name>; a user without roles gets ROLE_USER.
func Authorities(roles []Role) []string {
	if len(roles) == 0 {
		return []string{defaultAuthority}
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(a string) {
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, role := range roles {
		if len(role.Permissions) == 0 {
			add("ROLE_" + role.Name)
			continue
		}
		for _, p := range role.Permissions {
			add(p.Name)
		}
	}
	return out
}

// ParseAuthorities splits a comma-delimited authority list, dropping blanks.
func ParseAuthorities(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func containsAuthority(authorities []string, want string) bool {
	for _, a := range authorities {
		if a == want {
			return true
		}
	}
	return false
}
