package bus

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/match"
)

// place links rule into the registry its sender key designates: the
// bus-wide wildcard registry when no sender key was given, the
// driver's own registry when the sender key is the driver's reserved
// name, the named peer's incoming-matches registry when the sender
// key is a unique connection name, or a well-known Name's registry
// (taking a reference for the rule's lifetime) otherwise. A unique
// sender key naming no currently connected peer is linked into the
// wildcard registry when that id has not been assigned yet (the peer
// may still connect later), or left unlinked when the id has already
// been assigned and released (it will never be reused, so the rule
// can never match again, but it remains owned and removable).
func place(b *Bus, rule *match.Rule, monitor bool) {
	switch {
	case rule.Keys.SenderName == "":
		match.Link(rule, b.WildcardMatches, monitor)

	case address.IsDriver(rule.Keys.SenderName):
		match.Link(rule, b.DriverMatches, monitor)

	default:
		if id, ok := address.ParseUnique(rule.Keys.SenderName); ok {
			if peer := b.PeerAny(id); peer != nil {
				match.Link(rule, peer.incomingMatches, monitor)
			} else if id >= b.nextPeerID {
				// The id has never been assigned yet; the peer may
				// still connect later (scenario 4), so the rule must
				// be reachable from the broadcast path until then.
				match.Link(rule, b.WildcardMatches, monitor)
			}
			// id < nextPeerID and no live peer: that connection has
			// already come and gone and its id will never be reused,
			// so the rule is left unlinked — owned and removable, but
			// unreachable from any future broadcast.
			return
		}
		n := b.Names.RefName(rule.Keys.SenderName)
		rule.SetNameRelease(func() { b.Names.UnrefName(n) })
		match.Link(rule, n.Matches, monitor)
	}
}

// AddMatch adds ruleString to subscriber's own match index, linking it
// into the appropriate target registry on first creation; a duplicate
// submission coalesces onto the existing Rule (see match.Owner.Add)
// and needs no relinking.
func AddMatch(b *Bus, subscriber *Peer, ruleString string) error {
	rule, created, err := subscriber.subscriptions.Add(subscriber.User, ruleString)
	if err != nil {
		return err
	}
	if created {
		place(b, rule, subscriber.State == StateMonitor)
	}
	return nil
}

// RemoveMatch decrements subscriber's refcount on the rule matching
// ruleString, unlinking and releasing it once the count reaches zero.
func RemoveMatch(subscriber *Peer, ruleString string) error {
	rule, err := subscriber.subscriptions.Lookup(ruleString)
	if err != nil {
		return err
	}
	return subscriber.subscriptions.Remove(rule)
}
