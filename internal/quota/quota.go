// Package quota implements per-UID resource accounting: the
// UserRegistry & Accounting component. Charges are actor-attributed —
// when peer A causes resource consumption on peer B (e.g. queueing a
// message into B's outbox), the charge is recorded against A's User,
// not B's, so a flood by A cannot starve B's own quota.
//
// The registry is mutated only from the bus's single dispatch
// goroutine (see internal/bus), so it carries no internal locking.
package quota

import (
	"golang.org/x/time/rate"

	"github.com/dbusd/dbusd/internal/dbuserr"
)

// Slot names one of the bounded resource kinds a User is metered on.
type Slot int

const (
	Bytes Slot = iota
	FDs
	Matches
	Objects
	Names
	Replies

	numSlots
)

func (s Slot) String() string {
	switch s {
	case Bytes:
		return "bytes"
	case FDs:
		return "fds"
	case Matches:
		return "matches"
	case Objects:
		return "objects"
	case Names:
		return "names"
	case Replies:
		return "replies"
	default:
		return "unknown"
	}
}

// Limits configures the per-kind caps applied to every User unless
// overridden. A zero value in a slot means "unlimited".
type Limits [numSlots]uint64

// DefaultLimits mirrors the conservative defaults dbus-broker ships:
// generous byte budget, small object/name/match/reply counts so a
// single misbehaving peer cannot exhaust bus-wide memory.
func DefaultLimits() Limits {
	var l Limits
	l[Bytes] = 64 * 1024 * 1024
	l[FDs] = 256
	l[Matches] = 4096
	l[Objects] = 65536
	l[Names] = 1024
	l[Replies] = 8192
	return l
}

// User is a per-UID accounting record: current usage for each slot
// kind, the configured limits, and a reference count (a User is kept
// alive as long as any Peer with that UID, or any live Charge
// attributed to it, exists).
type User struct {
	UID    uint32
	limits Limits
	usage  [numSlots]uint64
	refs   int

	// burst smooths rapid charge/release churn (e.g. a peer adding and
	// immediately removing match rules) independently of the hard
	// per-kind caps above; it never itself denies a charge that is
	// within the hard limit, it only adds latency under sustained churn.
	burst *rate.Limiter
}

// Usage returns the current usage of a slot kind.
func (u *User) Usage(slot Slot) uint64 {
	return u.usage[slot]
}

// Limit returns the configured limit of a slot kind (0 means
// unlimited).
func (u *User) Limit(slot Slot) uint64 {
	return u.limits[slot]
}

// Charge is a move-only token representing an outstanding reservation
// against a User's quota in one slot. Releasing it refunds the User.
// A zero-value Charge is "empty" and Release on it is a no-op, so
// charge acquisition failures can leave a variable holding a harmless
// empty Charge.
type Charge struct {
	user   *User
	slot   Slot
	amount uint64
	live   bool
}

// Amount reports the charge's reserved amount.
func (c Charge) Amount() uint64 {
	return c.amount
}

// Slot reports the charge's slot kind.
func (c Charge) Slot() Slot {
	return c.slot
}

// Registry tracks all live Users, keyed by UID.
type Registry struct {
	defaults Limits
	users    map[uint32]*User
	override map[uint32]Limits
}

// NewRegistry creates an empty registry with the given default
// per-kind limits.
func NewRegistry(defaults Limits) *Registry {
	return &Registry{
		defaults: defaults,
		users:    make(map[uint32]*User),
		override: make(map[uint32]Limits),
	}
}

// SetOverride installs per-UID limit overrides, read by future RefUser
// calls for that UID. Does not retroactively change an already-live
// User's limits.
func (r *Registry) SetOverride(uid uint32, limits Limits) {
	r.override[uid] = limits
}

// RefUser returns the User for uid, creating it (with refcount 1) if
// it does not yet exist, or incrementing its refcount if it does.
func (r *Registry) RefUser(uid uint32) *User {
	if u, ok := r.users[uid]; ok {
		u.refs++
		return u
	}
	limits := r.defaults
	if override, ok := r.override[uid]; ok {
		limits = override
	}
	u := &User{
		UID:    uid,
		limits: limits,
		burst:  rate.NewLimiter(rate.Limit(200), 50),
	}
	r.users[uid] = u
	return u
}

// UnrefUser decrements uid's refcount, removing the User record once
// it reaches zero and has no outstanding usage in any slot.
func (r *Registry) UnrefUser(u *User) {
	u.refs--
	if u.refs <= 0 {
		for _, usage := range u.usage {
			if usage != 0 {
				// Outstanding charges still exist; keep the record so
				// their eventual Release has somewhere to land.
				return
			}
		}
		delete(r.users, u.UID)
	}
}

// Charge reserves amount units of slot against user's quota. It
// returns dbuserr.Quota if the reservation would exceed the
// configured limit for that slot; in that case no state changes at
// all (the core invariant: exceeding a limit leaves all state
// unchanged).
//
// The burst limiter only gates slots whose charges represent discrete
// persistent objects (Matches, Names, Objects, FDs), i.e. the ones a
// misbehaving client can churn through rapid create/destroy cycles.
// Bytes is charged once per message body and is already bounded by
// its own hard per-connection limit and by outbox backpressure, so
// subjecting it to the same shared bucket would let ordinary
// high-throughput traffic exhaust tokens meant for churn smoothing
// and spuriously reject a well-behaved, high-volume client.
//
// actor names the User logically responsible for causing this
// consumption, recorded only for observability (the caller is
// expected to pass `user` itself as the attributed party — see
// internal/bus, which always charges the sender's User for enqueuing
// into a receiver's outbox).
func (u *User) Charge(slot Slot, amount uint64) (Charge, error) {
	limit := u.limits[slot]
	if limit != 0 && u.usage[slot]+amount > limit {
		return Charge{}, dbuserr.New(dbuserr.Quota, "quota exceeded for "+slot.String())
	}
	if slot != Bytes && u.burst != nil && !u.burst.Allow() {
		return Charge{}, dbuserr.New(dbuserr.Quota, "accounting churn rate exceeded")
	}
	u.usage[slot] += amount
	return Charge{user: u, slot: slot, amount: amount, live: true}, nil
}

// Release refunds the charge to its User. Releasing an empty or
// already-released Charge is a no-op, making release idempotent by
// construction (deinit only refunds if init succeeded).
func Release(c *Charge) {
	if c == nil || !c.live {
		return
	}
	if c.user.usage[c.slot] >= c.amount {
		c.user.usage[c.slot] -= c.amount
	} else {
		c.user.usage[c.slot] = 0
	}
	c.live = false
}
