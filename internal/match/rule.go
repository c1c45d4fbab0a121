// Package match implements the match rule subsystem: grammar parsing,
// the per-owner rule index, the per-target registries rules link
// into, filter evaluation, and ordered iteration over a registry's
// matching rules. It is mutated only from the bus's single dispatch
// goroutine (see internal/bus) and so carries no internal locking.
package match

import (
	"container/list"

	"github.com/dbusd/dbusd/internal/quota"
)

// Target names which kind of registry list a linked Rule lives in.
type Target int

const (
	TargetNone Target = iota
	TargetRuleList
	TargetEavesdropList
	TargetMonitorList
)

// Rule is one subscription: a parsed Keys, its owner, its user
// refcount (duplicate submissions coalesce onto the same Rule instead
// of creating a second one), the quota charges it holds, and its
// position in exactly one owner index entry plus at most one target
// Registry list.
type Rule struct {
	Keys Keys

	owner    *Owner
	userRefs int

	byteCharge   quota.Charge
	matchCharge  quota.Charge
	nameRef      *nameRefHolder // non-nil if linked against a well-known Name's registry
	registry     *Registry
	target       Target
	elem         *list.Element
}

// nameRefHolder lets internal/name release a Name reference when a
// rule unlinks, without internal/match importing internal/name (which
// would create an import cycle, since internal/name imports
// internal/match for Name.Matches). The bus wires this up when it places a rule against a
// well-known name's registry.
type nameRefHolder struct {
	release func()
}

// Eavesdrop reports the rule's eavesdrop flag.
func (r *Rule) Eavesdrop() bool { return r.Keys.Eavesdrop }

// UserRefs reports the current coalescing refcount.
func (r *Rule) UserRefs() int { return r.userRefs }

// Owner returns the MatchOwner this rule belongs to.
func (r *Rule) Owner() *Owner { return r.owner }

// Target reports which list, if any, the rule is currently linked
// into.
func (r *Rule) Target() Target { return r.target }

// Registry returns the target Registry this rule is currently linked
// into, or nil if unlinked — used by BecomeMonitor to reassign a
// rule's placement within its own existing registry.
func (r *Rule) Registry() *Registry { return r.registry }

// SetNameRelease records the callback to invoke (at most once) when
// this rule unlinks, releasing the extra reference it holds on a
// well-known Name's registry. Placement logic in internal/bus calls
// this exactly when it links a rule against such a registry.
func (r *Rule) SetNameRelease(release func()) {
	r.nameRef = &nameRefHolder{release: release}
}
