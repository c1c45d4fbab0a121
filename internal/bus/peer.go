package bus

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/name"
	"github.com/dbusd/dbusd/internal/peercred"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/quota"
	"github.com/dbusd/dbusd/internal/reply"
	"github.com/dbusd/dbusd/internal/wire"
)

// State is a Peer's position in the connection lifecycle:
// New -> Authenticating -> Authenticated -> Registered, with
// Registered optionally becoming Monitor, and any state other than
// Freed able to transition to Disconnecting on its way to Freed.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateAuthenticated
	StateRegistered
	StateMonitor
	StateDisconnecting
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistered:
		return "registered"
	case StateMonitor:
		return "monitor"
	case StateDisconnecting:
		return "disconnecting"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Peer is one connected client: its credentials, its resident
// resource accounting, its name/match/reply bookkeeping, and the
// codec driving its socket.
type Peer struct {
	ID         uint64
	UniqueName string

	Credentials peercred.Credentials
	Policy      *policy.PeerPolicy
	User        *quota.User

	Codec wire.Codec
	State State

	// objectCharge and fdCharge are the fixed per-connection charges
	// taken at creation and released exactly once at Free, mirroring
	// peer_new_with_fd's up-front OBJECTS/FDS reservation for the
	// connection itself (independent of the BYTES charge the codec's
	// outbox accrues dynamically per queued message).
	objectCharge quota.Charge
	fdCharge     quota.Charge

	// ownedNames is the set of well-known names this peer currently
	// holds a claim on (primary or queued), keyed by name text so the
	// goodbye cascade and OwnedNames can enumerate them without a
	// second lookup structure.
	ownedNames map[string]*name.Ownership

	// incomingMatches holds rules whose sender key is this peer's own
	// unique name: "matches" in the spec's attribute list, rules that
	// target this peer's identity as the thing being watched.
	incomingMatches *match.Registry

	// subscriptions is this peer's own MatchOwner index: the rules it
	// has itself added via AddMatch, "owned_matches" in the spec's
	// attribute list.
	subscriptions *match.Owner

	// outgoingReplies tracks method calls this peer has sent and is
	// still awaiting an answer for, keyed by the serial this peer
	// assigned. recipientReplies tracks method calls this peer has
	// received and must still answer.
	outgoingReplies  *reply.Registry
	recipientReplies *reply.Registry

	// shutdownReason, once set, tells the dispatch loop to begin the
	// goodbye cascade for this peer at the next opportunity rather
	// than continuing ordinary dispatch — set when an enqueue the
	// peer had no direct hand in (a broadcast delivery, or a reply
	// whose destination is over quota) fails on this peer's behalf.
	shutdownReason error
}

// NewPeer admits a newly accepted, already SASL-authenticated
// connection: it resolves the PeerPolicy snapshot, charges the
// connection's fixed OBJECTS and FDS units against its User, and
// constructs the per-peer registries. Charging happens before the
// peer is linked into the Bus's peer map, so a quota failure here
// leaves no partial bus-visible state — mirroring peer_new_with_fd's
// charge-then-link ordering.
func NewPeer(b *Bus, creds peercred.Credentials, codec wire.Codec) (*Peer, error) {
	user := b.Users.RefUser(creds.UID)

	objectCharge, err := user.Charge(quota.Objects, 1)
	if err != nil {
		b.Users.UnrefUser(user)
		return nil, err
	}
	fdCharge, err := user.Charge(quota.FDs, 1)
	if err != nil {
		quota.Release(&objectCharge)
		b.Users.UnrefUser(user)
		return nil, err
	}

	id := b.nextID()
	p := &Peer{
		ID:               id,
		UniqueName:       address.Format(id),
		Credentials:      creds,
		Policy:           b.Policy.Resolve(creds.UID, creds.Groups, uint32(creds.PID), creds.SecurityLabel),
		User:             user,
		Codec:            codec,
		State:            StateAuthenticated,
		objectCharge:     objectCharge,
		fdCharge:         fdCharge,
		ownedNames:       make(map[string]*name.Ownership),
		incomingMatches:  match.NewRegistry(),
		subscriptions:    match.NewOwner(),
		outgoingReplies:  reply.NewRegistry(),
		recipientReplies: reply.NewRegistry(),
	}
	b.peers[id] = p
	b.owners[p.subscriptions] = p
	return p, nil
}

// Register transitions an authenticated peer to Registered on
// receiving Hello, the point from which it is addressable by its
// unique name and may be routed messages. Hello may only be sent
// once; a second Hello on an already-Registered peer is refused with
// a Refused error.
func (p *Peer) Register() error {
	if p.State != StateAuthenticated {
		return dbuserr.New(dbuserr.Refused, "Hello called outside the Authenticated state")
	}
	p.State = StateRegistered
	return nil
}

// BecomeMonitor promotes p to a monitor: every rule it owns is
// reassigned, within whichever registry it is already linked into,
// from its previous list into that registry's monitor_list (Link with
// monitor=true handles the reassignment regardless of the rule's own
// eavesdrop flag), and route refuses every non-driver message p emits
// from then on — a monitor only observes. p keeps its unique name and
// Bus.Peer/Resolve still find it.
//
// A monitor must receive a copy of every routed message regardless of
// addressing, not merely the messages its prior subscriptions happen
// to describe, so a catch-all rule is also installed (once) in the
// wildcard registry's monitor_list — the same registry an ordinary
// unaddressed AddMatch("") rule would land in via place, just always
// present here rather than left to the caller to remember to add.
func BecomeMonitor(b *Bus, p *Peer) error {
	alreadyMonitor := p.State == StateMonitor
	p.State = StateMonitor
	for _, rule := range p.subscriptions.All() {
		if reg := rule.Registry(); reg != nil {
			match.Link(rule, reg, true)
		}
	}
	if alreadyMonitor {
		return nil
	}
	rule, created, err := p.subscriptions.Add(p.User, "")
	if err != nil {
		return err
	}
	if created {
		match.Link(rule, b.WildcardMatches, true)
	}
	return nil
}

// Registered reports whether p has completed Hello: either the
// ordinary Registered state or the Monitor state (a monitor is still
// a live connection with its unique name, but may not emit messages).
func (p *Peer) Registered() bool {
	return p.State == StateRegistered || p.State == StateMonitor
}
