package env

// SanitizePolicy controls which parent environment variables a child process
// may inherit, and which caller-supplied extras may be overlaid on top.
type SanitizePolicy struct {
	// Blocked variable names are always removed.
	Blocked []string

	// Allowed, when non-empty, is an intersection filter: only these names
	// survive. Blocked still wins over Allowed.
	Allowed []string
}

// Sanitize builds a child environment from the parent environment plus
// caller-supplied extras. The parent is copied minus blocked names, then
// intersected with the allow-list if one is configured, and finally the
// extras are overlaid subject to the same rules.
func Sanitize(parent *Environment, extras map[string]string, policy SanitizePolicy) *Environment {
	blocked := make(map[string]struct{}, len(policy.Blocked))
	for _, k := range policy.Blocked {
		blocked[normalizeKeyName(k)] = struct{}{}
	}

	var allowed map[string]struct{}
	if len(policy.Allowed) > 0 {
		allowed = make(map[string]struct{}, len(policy.Allowed))
		for _, k := range policy.Allowed {
			allowed[normalizeKeyName(k)] = struct{}{}
		}
	}

	permitted := func(key string) bool {
		k := normalizeKeyName(key)
		if _, ok := blocked[k]; ok {
			return false
		}
		if allowed != nil {
			if _, ok := allowed[k]; !ok {
				return false
			}
		}
		return true
	}

	out := New()
	if parent != nil {
		parent.underlying.Range(func(k, v string) bool {
			if permitted(k) {
				out.Set(k, v)
			}
			return true
		})
	}

	for k, v := range extras {
		if permitted(k) {
			out.Set(k, v)
		}
	}

	return out
}
