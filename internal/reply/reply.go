// Package reply implements ReplySlot tracking: outstanding method-call
// serials recorded so replies can be routed back to the caller and
// the REPLIES quota charge refunded on reply or timeout. Mutated only
// from the bus's single dispatch goroutine, so it carries no internal
// locking.
package reply

import (
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/quota"
)

// Slot records one outstanding method call: who sent it (for routing
// the eventual reply and for the quota charge), and the serial it was
// sent with. It is linked into exactly one sender's outgoing-calls map
// (keyed by serial) and exactly one recipient's owed-replies set; both
// point at the same Slot value.
type Slot struct {
	SenderID   uint64
	RecipientID uint64
	Serial      uint32
	charge      quota.Charge
}

// key identifies an outstanding call within one peer's registry: the
// serial the caller assigned (unique while a reply is outstanding, a
// D-Bus peer's own serials must not repeat before their reply
// arrives).
type key struct {
	senderID uint64
	serial   uint32
}

// Registry tracks ReplySlots from one vantage point: a sender's
// replies_outgoing map (keyed by its own serial) or a recipient's
// owed_replies set. Both kinds are modeled with this same type; the
// bus holds one Registry per Peer for each role.
type Registry struct {
	bySerial map[key]*Slot
	all      map[*Slot]struct{}
}

// NewRegistry creates an empty reply-slot registry.
func NewRegistry() *Registry {
	return &Registry{
		bySerial: make(map[key]*Slot),
		all:      make(map[*Slot]struct{}),
	}
}

// New creates a ReplySlot for a method call sent by senderID with the
// given serial, expected to be answered by recipientID, charging one
// REPLIES unit against recipientUser (the callee pays for holding the
// obligation to answer, matching dbus-broker's per-user REPLIES slot
// on the recipient). Returns EXISTS if senderID already has an
// in-flight slot with this serial.
//
// senderRegistry is the sender's outgoing-calls registry;
// recipientRegistry is the recipient's owed-replies registry. The
// returned *Slot is linked into both.
func New(senderRegistry, recipientRegistry *Registry, recipientUser *quota.User, senderID, recipientID uint64, serial uint32) (*Slot, error) {
	k := key{senderID: senderID, serial: serial}
	if _, exists := senderRegistry.bySerial[k]; exists {
		return nil, dbuserr.New(dbuserr.Exists, "reply already outstanding for this serial")
	}

	charge, err := recipientUser.Charge(quota.Replies, 1)
	if err != nil {
		return nil, err
	}

	slot := &Slot{SenderID: senderID, RecipientID: recipientID, Serial: serial, charge: charge}
	senderRegistry.bySerial[k] = slot
	senderRegistry.all[slot] = struct{}{}
	recipientRegistry.all[slot] = struct{}{}
	return slot, nil
}

// GetByID looks up an outstanding slot in a sender's outgoing-calls
// registry by (senderID, serial) — used when a method_return/error
// arrives claiming to answer that call.
func (r *Registry) GetByID(senderID uint64, serial uint32) (*Slot, bool) {
	s, ok := r.bySerial[key{senderID: senderID, serial: serial}]
	return s, ok
}

// Free releases slot's REPLIES charge and removes it from both the
// sender's outgoing-calls registry and the recipient's owed-replies
// registry it was linked into.
func Free(senderRegistry, recipientRegistry *Registry, slot *Slot) {
	if slot == nil {
		return
	}
	delete(senderRegistry.bySerial, key{senderID: slot.SenderID, serial: slot.Serial})
	delete(senderRegistry.all, slot)
	if recipientRegistry != nil {
		delete(recipientRegistry.all, slot)
	}
	quota.Release(&slot.charge)
}

// All returns every slot currently tracked in this registry (in
// unspecified order) — used during a peer's goodbye cascade to
// enumerate outgoing calls to cancel, or owed replies to synthesize
// errors for.
func (r *Registry) All() []*Slot {
	slots := make([]*Slot, 0, len(r.all))
	for s := range r.all {
		slots = append(slots, s)
	}
	return slots
}

// Len reports how many slots this registry currently tracks.
func (r *Registry) Len() int {
	return len(r.all)
}
