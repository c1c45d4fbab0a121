// Package policy implements the PolicyEngine: the four connect/own/
// send/receive decision points evaluated against an immutable
// ruleset, producing an auditable Result the way
// lib/authorization.Authorized does (a Decision plus a Reason trail),
// adapted here to the D-Bus connect/own/send/receive axes instead of
// authorization's actor/target grant-and-allowance model.
//
// Concrete ruleset *parsing* (the XML policy configuration format) is
// out of scope for the core per the specification; this package
// consumes an already-built Ruleset (see internal/config for the YAML
// stand-in loader) and only performs evaluation.
package policy

import (
	"github.com/dbusd/dbusd/internal/match"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Allow {
		return "ALLOW"
	}
	return "DENY"
}

// Reason records which rule (or absence of rules) produced a Result,
// for audit logging — mirroring lib/authorization.Result's Reason
// trail.
type Reason int

const (
	ReasonNoRuleDefaultAllow Reason = iota
	ReasonExplicitAllow
	ReasonExplicitDeny
)

// Result carries a Decision plus the Reason it was reached, so
// internal/bus can log why a connection or message was refused.
type Result struct {
	Decision Decision
	Reason   Reason
}

func allow(reason Reason) Result { return Result{Decision: Allow, Reason: reason} }
func deny(reason Reason) Result  { return Result{Decision: Deny, Reason: reason} }

// ConnectRule gates check_connect by UID/GID.
type ConnectRule struct {
	UID      *uint32
	GID      *uint32
	Decision Decision
}

// OwnRule gates check_own by a glob pattern over the requested name
// plus the requester's UID/GID.
type OwnRule struct {
	NamePattern string
	UID         *uint32
	GID         *uint32
	Decision    Decision
}

// MessageRule gates check_send/check_receive by glob patterns over
// interface/member/path and the message type, plus the peer's
// UID/GID.
type MessageRule struct {
	// NamePattern, when non-empty, must match at least one of the
	// other party's currently-owned well-known names (for Send rules,
	// the recipient's names; for Receive rules, the sender's names).
	NamePattern      string
	InterfacePattern string
	MemberPattern    string
	PathPattern      string
	Type             match.MessageType // TypeInvalid matches any type
	UID              *uint32
	GID              *uint32
	Decision         Decision
}

// Ruleset is the fully-resolved, immutable policy configuration. A
// single Ruleset is shared (never copied) across every PeerPolicy
// snapshot resolved from it.
type Ruleset struct {
	Connect []ConnectRule
	Own     []OwnRule
	Send    []MessageRule
	Receive []MessageRule
}

// Engine evaluates the four decision points against one Ruleset.
type Engine struct {
	rules *Ruleset
}

// NewEngine creates an Engine bound to ruleset. ruleset is treated as
// immutable from this point on.
func NewEngine(ruleset *Ruleset) *Engine {
	if ruleset == nil {
		ruleset = &Ruleset{}
	}
	return &Engine{rules: ruleset}
}

// PeerPolicy is an immutable snapshot of the identity a check is
// evaluated against, captured once at Peer creation from that peer's
// UID and auxiliary GIDs, so that a later change to the system's
// group membership for that UID does not retroactively affect an
// already-connected peer.
type PeerPolicy struct {
	UID           uint32
	GIDs          []uint32
	PID           uint32
	SecurityLabel string
}

// Resolve captures a PeerPolicy snapshot for a newly-connected peer.
func (e *Engine) Resolve(uid uint32, gids []uint32, pid uint32, securityLabel string) *PeerPolicy {
	gidsCopy := make([]uint32, len(gids))
	copy(gidsCopy, gids)
	return &PeerPolicy{UID: uid, GIDs: gidsCopy, PID: pid, SecurityLabel: securityLabel}
}

func (p *PeerPolicy) hasGID(gid uint32) bool {
	for _, g := range p.GIDs {
		if g == gid {
			return true
		}
	}
	return false
}

func (p *PeerPolicy) matchesIdentity(uid, gid *uint32) bool {
	if uid != nil && *uid != p.UID {
		return false
	}
	if gid != nil && !p.hasGID(*gid) {
		return false
	}
	return true
}

// CheckConnect evaluates whether a not-yet-authenticated connection
// with the given UID/GIDs may proceed past authentication. Absent any
// matching rule, the bus default-allows a connect: the socket itself
// is the access-control boundary for who may dial it at all (file
// permissions on the listen socket), matching dbus-broker's model of
// connect policy being a secondary, optional restriction.
func (e *Engine) CheckConnect(uid uint32, gids []uint32) Result {
	snapshot := e.Resolve(uid, gids, 0, "")
	for _, rule := range e.rules.Connect {
		if snapshot.matchesIdentity(rule.UID, rule.GID) {
			if rule.Decision == Deny {
				return deny(ReasonExplicitDeny)
			}
			return allow(ReasonExplicitAllow)
		}
	}
	return allow(ReasonNoRuleDefaultAllow)
}

// CheckOwn evaluates whether peer may claim name. Rules are evaluated
// in order; the first matching rule wins (earlier, more specific
// rules are expected to precede general ones in the loaded ruleset,
// matching the "last match wins in XML, first match wins once
// flattened to evaluation order" convention internal/config produces).
func (e *Engine) CheckOwn(peer *PeerPolicy, name string) Result {
	for _, rule := range e.rules.Own {
		if !peer.matchesIdentity(rule.UID, rule.GID) {
			continue
		}
		if !matchPattern(rule.NamePattern, name) {
			continue
		}
		if rule.Decision == Deny {
			return deny(ReasonExplicitDeny)
		}
		return allow(ReasonExplicitAllow)
	}
	return allow(ReasonNoRuleDefaultAllow)
}

// CheckSend evaluates whether sender may send a message of the given
// shape to a peer owning any of recipientNames.
func (e *Engine) CheckSend(sender *PeerPolicy, recipientNames []string, iface, member, path string, typ match.MessageType) Result {
	return checkMessage(e.rules.Send, sender, recipientNames, iface, member, path, typ)
}

// CheckReceive evaluates whether recipient may receive a message of
// the given shape originating from a peer owning any of senderNames.
func (e *Engine) CheckReceive(recipient *PeerPolicy, senderNames []string, iface, member, path string, typ match.MessageType) Result {
	return checkMessage(e.rules.Receive, recipient, senderNames, iface, member, path, typ)
}

func checkMessage(rules []MessageRule, peer *PeerPolicy, peerNames []string, iface, member, path string, typ match.MessageType) Result {
	for _, rule := range rules {
		if !peer.matchesIdentity(rule.UID, rule.GID) {
			continue
		}
		if rule.Type != match.TypeInvalid && rule.Type != typ {
			continue
		}
		if rule.InterfacePattern != "" && !matchPattern(rule.InterfacePattern, iface) {
			continue
		}
		if rule.MemberPattern != "" && !matchPattern(rule.MemberPattern, member) {
			continue
		}
		if rule.PathPattern != "" && !matchPattern(rule.PathPattern, path) {
			continue
		}
		if rule.NamePattern != "" && !matchAnyPattern(rule.NamePattern, peerNames) {
			continue
		}
		if rule.Decision == Deny {
			return deny(ReasonExplicitDeny)
		}
		return allow(ReasonExplicitAllow)
	}
	return allow(ReasonNoRuleDefaultAllow)
}
