package match

import "container/list"

// Registry is a MatchRegistry: the three linked lists a target
// (wildcard, one peer's identity, one well-known Name, or the driver)
// holds rules in — rule_list for ordinary subscriptions,
// eavesdrop_list for eavesdrop=true subscriptions, monitor_list for
// rules reassigned there by BecomeMonitor. A Rule is linked into at
// most one of these at a time.
type Registry struct {
	ruleList      list.List
	eavesdropList list.List
	monitorList   list.List
}

// NewRegistry creates an empty target registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Link places rule into registry's eavesdrop_list, rule_list, or (if
// monitor is true) monitor_list, per the placement rule: monitor
// placement always wins (BecomeMonitor reassigns regardless of the
// rule's own eavesdrop flag), otherwise eavesdrop=true goes to
// eavesdrop_list and everything else to rule_list. A rule already
// linked into this exact registry is left alone (idempotent); a rule
// linked elsewhere is unlinked first.
func Link(rule *Rule, registry *Registry, monitor bool) {
	if rule.registry == registry && rule.target != TargetNone {
		if monitor && rule.target != TargetMonitorList {
			// fall through: BecomeMonitor must still move it
		} else {
			return
		}
	}
	Unlink(rule)

	var target Target
	var l *list.List
	switch {
	case monitor:
		target = TargetMonitorList
		l = &registry.monitorList
	case rule.Keys.Eavesdrop:
		target = TargetEavesdropList
		l = &registry.eavesdropList
	default:
		target = TargetRuleList
		l = &registry.ruleList
	}

	rule.registry = registry
	rule.target = target
	rule.elem = l.PushBack(rule)
}

// Unlink removes rule from whatever list it currently occupies, if
// any. Safe to call on an already-unlinked rule.
func Unlink(rule *Rule) {
	if rule.registry == nil || rule.elem == nil {
		rule.registry = nil
		rule.target = TargetNone
		rule.elem = nil
		return
	}
	var l *list.List
	switch rule.target {
	case TargetRuleList:
		l = &rule.registry.ruleList
	case TargetEavesdropList:
		l = &rule.registry.eavesdropList
	case TargetMonitorList:
		l = &rule.registry.monitorList
	}
	if l != nil {
		l.Remove(rule.elem)
	}
	rule.registry = nil
	rule.target = TargetNone
	rule.elem = nil
}

// Matching walks registry's eavesdrop_list then rule_list, in
// insertion order, invoking visit for every rule whose filter matches
// f. If unicast is true (the message carries a destination), iteration
// stops after the eavesdrop_list, matching next_match's contract that
// a destination-addressed message is not subject to ordinary
// broadcast-only rule_list subscriptions beyond eavesdropping.
//
// visit returning false stops iteration early.
func (reg *Registry) Matching(f Filter, unicast bool, visit func(*Rule) bool) {
	for e := reg.eavesdropList.Front(); e != nil; e = e.Next() {
		rule := e.Value.(*Rule)
		if Matches(rule.Keys, f) {
			if !visit(rule) {
				return
			}
		}
	}
	if unicast {
		return
	}
	for e := reg.ruleList.Front(); e != nil; e = e.Next() {
		rule := e.Value.(*Rule)
		if Matches(rule.Keys, f) {
			if !visit(rule) {
				return
			}
		}
	}
}

// MonitorMatching walks monitor_list exclusively, in insertion order.
// Monitors receive a copy of every routed message regardless of
// addressing, so no filter is applied — matching the spec's "receives
// a copy of every routed message" contract for BecomeMonitor.
func (reg *Registry) MonitorMatching(visit func(*Rule)) {
	for e := reg.monitorList.Front(); e != nil; e = e.Next() {
		visit(e.Value.(*Rule))
	}
}

// Empty reports whether registry holds no rules in any list —
// used by internal/name to know when a Name's match registry can be
// dropped.
func (reg *Registry) Empty() bool {
	return reg.ruleList.Len() == 0 && reg.eavesdropList.Len() == 0 && reg.monitorList.Len() == 0
}
