package match

import (
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/quota"
)

// Owner is a MatchOwner: the per-subscriber index of that subscriber's
// own rules, keyed by canonical key tuple so that a duplicate
// subscription coalesces onto the existing Rule by incrementing its
// user-refcount instead of allocating a second Rule.
type Owner struct {
	rules map[string]*Rule
}

// NewOwner creates an empty owner index.
func NewOwner() *Owner {
	return &Owner{rules: make(map[string]*Rule)}
}

// ruleSize estimates the byte footprint charged against BYTES for
// holding one rule's backing strings, mirroring match_rule_new's
// charge of sizeof(*rule) + n bytes for the parsed string buffer.
func ruleSize(keys Keys) uint64 {
	const base = 128
	n := uint64(base)
	n += uint64(len(keys.SenderName) + len(keys.DestinationName) + len(keys.Filter.Interface) +
		len(keys.Filter.Member) + len(keys.Filter.Path) + len(keys.PathNamespace) + len(keys.Arg0Namespace))
	for i := 0; i < MaxArgs; i++ {
		n += uint64(len(keys.Filter.Args[i]) + len(keys.Filter.ArgPaths[i]))
	}
	return n
}

// Add parses ruleString, and either coalesces it onto an existing
// rule in owner's index (incrementing its refcount) or charges
// MATCHES+BYTES against user and creates a new, as-yet-unlinked Rule.
// The caller is responsible for then linking the returned Rule into
// the appropriate target Registry (see place in internal/bus/match.go) when
// created==true.
func (o *Owner) Add(user *quota.User, ruleString string) (rule *Rule, created bool, err error) {
	keys, err := Parse(ruleString)
	if err != nil {
		return nil, false, err
	}

	key := keys.canonical()
	if existing, ok := o.rules[key]; ok {
		existing.userRefs++
		return existing, false, nil
	}

	byteCharge, err := user.Charge(quota.Bytes, ruleSize(keys))
	if err != nil {
		return nil, false, err
	}
	matchCharge, err := user.Charge(quota.Matches, 1)
	if err != nil {
		quota.Release(&byteCharge)
		return nil, false, err
	}

	rule = &Rule{
		Keys:        keys,
		owner:       o,
		userRefs:    1,
		byteCharge:  byteCharge,
		matchCharge: matchCharge,
	}
	o.rules[key] = rule
	return rule, true, nil
}

// Remove decrements rule's user-refcount; once it reaches zero, the
// rule is unlinked from its target registry (if any), its Name
// reference (if any) is released, its charges are released, and it
// is dropped from the owner index. Returns NotFound if rule does not
// belong to this owner's index.
func (o *Owner) Remove(rule *Rule) error {
	if rule == nil || rule.owner != o {
		return dbuserr.New(dbuserr.NotFound, "match rule not found")
	}
	rule.userRefs--
	if rule.userRefs > 0 {
		return nil
	}
	o.free(rule)
	return nil
}

// free performs the final teardown of a zero-refcount rule, used by
// Remove and by FlushAll (on peer disconnect).
func (o *Owner) free(rule *Rule) {
	Unlink(rule)
	if rule.nameRef != nil {
		rule.nameRef.release()
		rule.nameRef = nil
	}
	quota.Release(&rule.matchCharge)
	quota.Release(&rule.byteCharge)
	for key, r := range o.rules {
		if r == rule {
			delete(o.rules, key)
			break
		}
	}
}

// FlushAll unlinks and releases every rule this owner holds,
// regardless of refcount — used during a peer's goodbye cascade.
func (o *Owner) FlushAll() {
	for _, rule := range o.rules {
		rule.userRefs = 0
		o.free(rule)
	}
}

// Lookup returns the rule matching ruleString's canonical key, if
// present — used by RemoveMatch, which must find the existing rule by
// re-parsing the string the client supplied.
func (o *Owner) Lookup(ruleString string) (*Rule, error) {
	keys, err := Parse(ruleString)
	if err != nil {
		return nil, err
	}
	rule, ok := o.rules[keys.canonical()]
	if !ok {
		return nil, dbuserr.New(dbuserr.NotFound, "match rule not found")
	}
	return rule, nil
}

// Len reports how many distinct rules this owner currently holds.
func (o *Owner) Len() int {
	return len(o.rules)
}

// All returns every rule this owner currently holds, in unspecified
// order — used by BecomeMonitor to reassign every owned rule into its
// registry's monitor_list in one pass.
func (o *Owner) All() []*Rule {
	rules := make([]*Rule, 0, len(o.rules))
	for _, rule := range o.rules {
		rules = append(rules, rule)
	}
	return rules
}
