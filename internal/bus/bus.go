// Package bus implements the Bus: Peer lifecycle, the routing
// operations (queue_call, queue_reply, broadcast), the goodbye
// cascade, the built-in driver service, and the single-threaded
// two-phase dispatch loop that ties them together. Every registry
// here is mutated only from the dispatch goroutine — see DESIGN.md's
// note on concurrency for why no locking is used.
package bus

import (
	"log/slog"
	"sort"

	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/name"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/quota"
	"github.com/dbusd/dbusd/internal/wire"
)

// Bus is the single owned top-level value: constructed once at
// startup and passed explicitly to every subsystem, never held in a
// process-wide mutable static.
type Bus struct {
	nextPeerID uint64
	nextTxID   uint64

	Users  *quota.Registry
	Names  *name.Registry
	Policy *policy.Engine
	GUID   wire.ServerGUID
	Log    *slog.Logger

	peers map[uint64]*Peer

	// WildcardMatches holds match rules with no sender key.
	WildcardMatches *match.Registry
	// DriverMatches holds match rules whose sender is the driver's
	// reserved name, org.freedesktop.DBus.
	DriverMatches *match.Registry

	// owners recovers the Peer that owns a match.Owner, since the
	// match package is generic over "whoever owns this rule set" and
	// holds no Peer back-reference itself. NewPeer registers an entry
	// here and Free removes it.
	owners map[*match.Owner]*Peer
}

// New constructs an empty Bus bound to limits and ruleset, with a
// freshly generated server GUID.
func New(limits quota.Limits, ruleset *policy.Ruleset, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		nextPeerID:      1,
		Users:           quota.NewRegistry(limits),
		Names:           name.NewRegistry(),
		Policy:          policy.NewEngine(ruleset),
		GUID:            wire.NewServerGUID(),
		Log:             log,
		peers:           make(map[uint64]*Peer),
		WildcardMatches: match.NewRegistry(),
		DriverMatches:   match.NewRegistry(),
		owners:          make(map[*match.Owner]*Peer),
	}
}

// ownerPeer recovers the Peer that owns a match.Owner, or nil if the
// owner has no live peer registered (e.g. it already went through
// Free).
func (b *Bus) ownerPeer(o *match.Owner) *Peer {
	return b.owners[o]
}

// nextID allocates the next monotonically increasing peer id. IDs are
// never reused, even across the process's lifetime.
func (b *Bus) nextID() uint64 {
	id := b.nextPeerID
	b.nextPeerID++
	return id
}

// nextTransaction allocates the next broadcast transaction id, used
// by the router to deduplicate a message that would otherwise reach
// one recipient through two overlapping match rules.
func (b *Bus) nextTransaction() uint64 {
	b.nextTxID++
	return b.nextTxID
}

// Peer looks up a connected peer in the Registered or Monitor state by
// unique id.
func (b *Bus) Peer(id uint64) *Peer {
	p, ok := b.peers[id]
	if !ok || p.State != StateRegistered && p.State != StateMonitor {
		return nil
	}
	return p
}

// PeerAny looks up a peer regardless of lifecycle state — used where
// an authenticating-but-not-yet-Hello'd connection must still be
// reachable (e.g. to close it on a protocol violation).
func (b *Bus) PeerAny(id uint64) *Peer {
	return b.peers[id]
}

// Resolve maps a D-Bus address string (a unique connection name or an
// owned well-known name) to the Peer currently answering to it, or
// nil if unowned or malformed. The driver's own reserved name never
// resolves to a Peer value; callers special-case address.IsDriver
// before calling Resolve.
func (b *Bus) Resolve(addr string) *Peer {
	switch address.Classify(addr) {
	case address.KindUnique:
		id, ok := address.ParseUnique(addr)
		if !ok {
			return nil
		}
		return b.Peer(id)
	case address.KindWellKnown:
		if address.IsDriver(addr) {
			return nil
		}
		n := b.Names.Lookup(addr)
		if n == nil {
			return nil
		}
		owner, ok := n.Primary()
		if !ok {
			return nil
		}
		return b.Peer(owner)
	default:
		return nil
	}
}

// OwnedNames returns the well-known names p currently holds primary
// ownership of, used to evaluate check_send/check_receive's
// name-pattern rules against the *other* party in an exchange.
func (b *Bus) OwnedNames(p *Peer) []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.ownedNames))
	for text := range p.ownedNames {
		if n := b.Names.Lookup(text); n != nil {
			if owner, ok := n.Primary(); ok && owner == p.ID {
				names = append(names, text)
			}
		}
	}
	return names
}

// PeerSummary is a read-only snapshot of one connected peer's identity
// and resource footprint, for introspection consumers (internal/audit,
// cmd/dbusctl) that observe the bus from outside the dispatch
// goroutine and must never reach into its registries directly.
type PeerSummary struct {
	ID         uint64
	UniqueName string
	UID        uint32
	PID        int32
	State      State
	OwnedNames []string
	Matches    int
	Bytes      uint64
}

// Snapshot returns a summary of every peer currently known to the bus,
// ordered by id, for a caller that needs the whole table at once (the
// driver's ListNames walks b.peers directly since it is in-package;
// Snapshot exists for the callers that are not).
func (b *Bus) Snapshot() []PeerSummary {
	ids := make([]uint64, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]PeerSummary, 0, len(ids))
	for _, id := range ids {
		p := b.peers[id]
		out = append(out, PeerSummary{
			ID:         p.ID,
			UniqueName: p.UniqueName,
			UID:        p.Credentials.UID,
			PID:        p.Credentials.PID,
			State:      p.State,
			OwnedNames: b.OwnedNames(p),
			Matches:    p.subscriptions.Len(),
			Bytes:      p.User.Usage(quota.Bytes),
		})
	}
	return out
}
