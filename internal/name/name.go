// Package name implements the NameRegistry & ownership queues
// component: well-known bus names, each owned by an ordered queue of
// claimants, with atomic primary transfer and NameOwnerChanged event
// generation. Mutated only from the bus's single dispatch goroutine,
// so it carries no internal locking.
package name

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/quota"
)

// Flags are the RequestName flags a claimant supplies.
type Flags struct {
	AllowReplacement bool
	ReplaceExisting  bool
	DoNotQueue       bool
}

// Result is the RequestName/ReleaseName outcome, mirroring the D-Bus
// wire reply codes.
type Result int

const (
	_ Result = iota
	PrimaryOwner
	InQueue
	Exists
	AlreadyOwner

	Released
	NonExistent
	NotOwner
)

// Ownership records one claim by one owner (a Peer's unique id) on
// one Name.
type Ownership struct {
	name   *Name
	Owner  uint64
	user   *quota.User
	charge quota.Charge
	Flags  Flags
}

// Name is a well-known bus name: its ownership queue (primary = index
// 0) and the match registry for rules whose sender is this name.
type Name struct {
	Text    string
	queue   []*Ownership
	Matches *match.Registry
	refs    int // separate from ownership: held by match rules referencing this name as sender
}

// Primary returns the current primary owner's unique id and true, or
// (0, false) if the name is currently unowned.
func (n *Name) Primary() (uint64, bool) {
	if len(n.queue) == 0 {
		return address.Invalid, false
	}
	return n.queue[0].Owner, true
}

// Change records a (name, old-primary, new-primary) transition the
// router uses to emit NameOwnerChanged. OldOwner/NewOwner are
// address.Invalid when there was/is no owner.
type Change struct {
	Name     string
	OldOwner uint64
	NewOwner uint64
}

// Registry holds all well-known Names, keyed by text.
type Registry struct {
	names map[string]*Name
}

// NewRegistry creates an empty name registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]*Name)}
}

// RefName returns (creating if necessary) the Name for text, bumping
// its reference count. Used when a match rule's sender is a
// well-known name: the rule pins a reference on the Name even if it
// is never owned, so its match registry stays alive. Must be paired
// with UnrefName.
func (r *Registry) RefName(text string) *Name {
	n, ok := r.names[text]
	if !ok {
		n = &Name{Text: text, Matches: match.NewRegistry()}
		r.names[text] = n
	}
	n.refs++
	return n
}

// UnrefName releases a reference taken by RefName, dropping the Name
// entirely once its refcount reaches zero, it has no owners, and its
// match registry is empty.
func (r *Registry) UnrefName(n *Name) {
	n.refs--
	r.maybeDrop(n)
}

func (r *Registry) maybeDrop(n *Name) {
	if n.refs <= 0 && len(n.queue) == 0 && n.Matches.Empty() {
		delete(r.names, n.Text)
	}
}

// Lookup returns the Name for text without taking a reference, or nil
// if it does not exist.
func (r *Registry) Lookup(text string) *Name {
	return r.names[text]
}

// Request implements the well-known-name request contract.
func (r *Registry) Request(owner uint64, user *quota.User, text string, flags Flags) (*Ownership, Result, *Change, error) {
	if address.Classify(text) == address.KindUnique {
		return nil, 0, nil, dbuserr.New(dbuserr.NameUnique, "cannot request a unique connection name")
	}
	if address.IsDriver(text) {
		return nil, 0, nil, dbuserr.New(dbuserr.NameReserved, "cannot request the driver's name")
	}

	n, existed := r.names[text]
	if !existed {
		n = &Name{Text: text, Matches: match.NewRegistry()}
	}

	// Already-owns cases.
	for i, o := range n.queue {
		if o.Owner == owner {
			if i == 0 {
				if !existed {
					r.names[text] = n
				}
				return o, AlreadyOwner, nil, nil
			}
			if !existed {
				r.names[text] = n
			}
			return o, InQueue, nil, nil
		}
	}

	charge, err := user.Charge(quota.Names, 1)
	if err != nil {
		return nil, 0, nil, err
	}

	claim := &Ownership{name: n, Owner: owner, user: user, charge: charge, Flags: flags}

	if len(n.queue) == 0 {
		n.queue = append(n.queue, claim)
		r.names[text] = n
		return claim, PrimaryOwner, &Change{Name: text, OldOwner: address.Invalid, NewOwner: owner}, nil
	}

	primary := n.queue[0]
	if primary.Flags.AllowReplacement && flags.ReplaceExisting {
		// Demote or drop the current primary, promote the new claimant.
		old := primary.Owner
		rest := n.queue[1:]
		if primary.Flags.DoNotQueue {
			quota.Release(&primary.charge)
		} else {
			rest = append(rest, primary)
		}
		n.queue = append([]*Ownership{claim}, rest...)
		r.names[text] = n
		return claim, PrimaryOwner, &Change{Name: text, OldOwner: old, NewOwner: owner}, nil
	}

	if flags.DoNotQueue {
		quota.Release(&charge)
		return nil, Exists, nil, nil
	}

	n.queue = append(n.queue, claim)
	r.names[text] = n
	return claim, InQueue, nil, nil
}

// Release drops owner's claim on text. If owner held the primary
// position, the next queued Ownership (if any) is promoted and the
// returned Change reflects that transfer; releasing a queued (non-
// primary) ownership produces a Change with OldOwner==NewOwner==the
// unaffected primary (nil Change) since no NameOwnerChanged is due.
func (r *Registry) Release(owner uint64, text string) (*Change, Result, error) {
	if address.Classify(text) == address.KindUnique {
		return nil, 0, dbuserr.New(dbuserr.NameUnique, "cannot release a unique connection name")
	}
	n, ok := r.names[text]
	if !ok {
		return nil, NonExistent, nil
	}
	idx := -1
	for i, o := range n.queue {
		if o.Owner == owner {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, NotOwner, nil
	}

	claim := n.queue[idx]
	quota.Release(&claim.charge)
	n.queue = append(n.queue[:idx], n.queue[idx+1:]...)

	var change *Change
	if idx == 0 {
		newOwner := address.Invalid
		if len(n.queue) > 0 {
			newOwner = n.queue[0].Owner
		}
		change = &Change{Name: text, OldOwner: owner, NewOwner: newOwner}
	}
	r.maybeDrop(n)
	return change, Released, nil
}

// ReleaseOwnershipObject releases by Ownership handle directly
// (used by the bus during a peer's goodbye cascade, which iterates a
// peer's own owned_names set rather than re-looking-up by text).
func (r *Registry) ReleaseOwnershipObject(o *Ownership) *Change {
	change, _, _ := r.Release(o.Owner, o.name.Text)
	return change
}
