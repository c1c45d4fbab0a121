package bus

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/quota"
	"github.com/dbusd/dbusd/internal/reply"
)

// Goodbye runs the seven-step disconnection cascade for p and removes
// it from the bus. silent suppresses every NameOwnerChanged/NameLost
// signal this teardown would otherwise emit — used when the whole bus
// is shutting down and no peer remains to observe them.
//
//  1. Mark p unregistered, so no further routing addresses it.
//  2. Flush every name p owns; each release emits NameLost to p
//     (unless silent) and a NameOwnerChanged broadcast for any primary
//     transfer (unless silent).
//  3. Cancel every reply p still owed an answer to: p was the callee
//     on these, so the waiting callers get a synthesized error reply.
//  4. Free every reply p was itself still waiting on: p was the
//     caller, so nobody needs telling — p is the one leaving.
//  5. Unlink and drop every match rule p owns, releasing whatever Name
//     references they pinned.
//  6. Broadcast NameOwnerChanged for p's own unique id (unless
//     silent).
//  7. Free p: release its fixed OBJECTS/FDS charges, unref its User,
//     and remove it from the bus's bookkeeping.
func Goodbye(b *Bus, p *Peer, silent bool) {
	if p.State == StateFreed {
		return
	}
	p.State = StateDisconnecting

	for text, ownership := range p.ownedNames {
		change := b.Names.ReleaseOwnershipObject(ownership)
		delete(p.ownedNames, text)
		if silent {
			continue
		}
		deliverLocal(p, nameLostSignal(p, text))
		if change != nil {
			if change.NewOwner != address.Invalid {
				if next := b.Peer(change.NewOwner); next != nil {
					deliverLocal(next, nameAcquiredSignal(next, text))
				}
			}
			Broadcast(b, nil, nil, address.Invalid, nameOwnerChangedSignal(text, change.OldOwner, change.NewOwner))
		}
	}

	// Step 3: p was the callee on these — cancel and answer the callers.
	for _, slot := range p.recipientReplies.All() {
		caller := b.PeerAny(slot.SenderID)
		if caller == nil {
			// The caller already tore down and freed this same slot
			// from its own side; nothing left to notify or release.
			continue
		}
		reply.Free(caller.outgoingReplies, p.recipientReplies, slot)
		deliverLocal(caller, errorReply(
			"org.freedesktop.DBus.Error.NoReply",
			"remote peer disconnected before answering",
			slot.Serial, caller.UniqueName))
	}

	// Step 4: p was the caller on these — just free, no notification.
	for _, slot := range p.outgoingReplies.All() {
		var recipientReg *reply.Registry
		if recipient := b.PeerAny(slot.RecipientID); recipient != nil {
			recipientReg = recipient.recipientReplies
		}
		reply.Free(p.outgoingReplies, recipientReg, slot)
	}

	p.subscriptions.FlushAll()

	if !silent {
		Broadcast(b, nil, nil, address.Invalid, nameOwnerChangedSignal(p.UniqueName, p.ID, address.Invalid))
	}

	free(b, p)
}

// free releases p's fixed per-connection charges, drops its User
// reference, and removes every trace of it from the bus's maps.
func free(b *Bus, p *Peer) {
	quota.Release(&p.fdCharge)
	quota.Release(&p.objectCharge)
	b.Users.UnrefUser(p.User)
	delete(b.owners, p.subscriptions)
	delete(b.peers, p.ID)
	p.State = StateFreed
	_ = p.Codec.Close()
}
