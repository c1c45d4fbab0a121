package match

// Matches reports whether a parsed rule's Keys match a concrete
// Filter, per §4.2's filter evaluation rule: every key the rule
// specifies must match; unspecified keys impose no constraint.
func Matches(k Keys, f Filter) bool {
	if k.Filter.Type != TypeInvalid && k.Filter.Type != f.Type {
		return false
	}
	if k.Filter.Destination != InvalidID && k.Filter.Destination != f.Destination {
		return false
	}
	if k.Filter.Sender != InvalidID && k.Filter.Sender != f.Sender {
		return false
	}
	if k.Filter.Interface != "" && k.Filter.Interface != f.Interface {
		return false
	}
	if k.Filter.Member != "" && k.Filter.Member != f.Member {
		return false
	}
	if k.Filter.Path != "" && k.Filter.Path != f.Path {
		return false
	}
	if k.PathNamespace != "" && !matchStringPrefix(f.Path, k.PathNamespace, '/', false) {
		return false
	}
	if k.Arg0Namespace != "" {
		if !f.HasArg[0] || !matchStringPrefix(f.Args[0], k.Arg0Namespace, '.', false) {
			return false
		}
	}
	for i := 0; i < MaxArgs; i++ {
		if k.Filter.HasArg[i] {
			if !f.HasArg[i] || k.Filter.Args[i] != f.Args[i] {
				return false
			}
		}
		if k.Filter.HasArgPath[i] {
			if !f.HasArgPath[i] {
				return false
			}
			// Bidirectional directory-prefix match: either the
			// message's value is a prefix of the rule's value, or
			// vice versa, aligned on '/'.
			if !matchStringPrefix(f.ArgPaths[i], k.Filter.ArgPaths[i], '/', true) &&
				!matchStringPrefix(k.Filter.ArgPaths[i], f.ArgPaths[i], '/', true) {
				return false
			}
		}
	}
	return true
}
