package bus

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/quota"
	"github.com/dbusd/dbusd/internal/reply"
	"github.com/dbusd/dbusd/internal/wire"
)

// errorReply builds an Error-typed message answering replySerial,
// addressed to destination and attributed to the driver's reserved
// name: these are refusals the bus itself raises, not anything the
// intended recipient said.
func errorReply(errName, text string, replySerial uint32, destination string) *wire.Message {
	body, _ := wire.EncodeBody(text)
	return &wire.Message{
		Type:        wire.TypeError,
		ReplySerial: replySerial,
		Sender:      address.DriverName,
		Destination: destination,
		ErrorName:   errName,
		Body:        body,
	}
}

// wireErrorName maps a local error kind to the D-Bus wire error name
// a synthesized reply carries, falling back to Failed for anything
// the mapping matrix does not cover.
func wireErrorName(err error) string {
	for _, k := range []dbuserr.Kind{
		dbuserr.Quota, dbuserr.Invalid, dbuserr.NotFound, dbuserr.Exists,
		dbuserr.AccessDenied, dbuserr.UnexpectedReply, dbuserr.NameReserved, dbuserr.NameUnique,
	} {
		if dbuserr.Is(err, k) {
			return k.WireName()
		}
	}
	return "org.freedesktop.DBus.Error.Failed"
}

// deliverLocal queues a bus-synthesized message (an error reply)
// straight to peer, outside of any transaction id and so never
// subject to the broadcast dedup check.
func deliverLocal(peer *Peer, msg *wire.Message) {
	_ = peer.Codec.Queue(msg, 0)
}

// QueueCall routes a unicast method_call, method_return, error, or
// directly-addressed signal from sender to whichever peer currently
// answers to msg.Destination, then fans the same message out to any
// eavesdroppers via Broadcast.
func QueueCall(b *Bus, sender *Peer, msg *wire.Message) error {
	recipient := b.Resolve(msg.Destination)
	if recipient == nil {
		if !msg.Flags.NoReplyExpected {
			deliverLocal(sender, errorReply(
				"org.freedesktop.DBus.Error.ServiceUnknown",
				"name has no owner: "+msg.Destination,
				msg.Serial, sender.UniqueName))
		}
		return nil
	}

	recipientNames := b.OwnedNames(recipient)
	senderNames := b.OwnedNames(sender)

	if r := b.Policy.CheckSend(sender.Policy, recipientNames, msg.Interface, msg.Member, msg.Path, msg.Type); r.Decision == policy.Deny {
		deliverLocal(sender, errorReply("org.freedesktop.DBus.Error.AccessDenied", "send denied by policy", msg.Serial, sender.UniqueName))
		return nil
	}
	if r := b.Policy.CheckReceive(recipient.Policy, senderNames, msg.Interface, msg.Member, msg.Path, msg.Type); r.Decision == policy.Deny {
		deliverLocal(sender, errorReply("org.freedesktop.DBus.Error.AccessDenied", "receive denied by policy", msg.Serial, sender.UniqueName))
		return nil
	}

	var slot *reply.Slot
	if msg.Type == wire.TypeMethodCall && !msg.Flags.NoReplyExpected {
		var err error
		slot, err = reply.New(sender.outgoingReplies, recipient.recipientReplies, recipient.User, sender.ID, recipient.ID, msg.Serial)
		if err != nil {
			deliverLocal(sender, errorReply(wireErrorName(err), err.Error(), msg.Serial, sender.UniqueName))
			return nil
		}
	}

	msg.Sender = sender.UniqueName
	charge, err := sender.User.Charge(quota.Bytes, uint64(len(msg.Body)))
	if err != nil {
		if slot != nil {
			reply.Free(sender.outgoingReplies, recipient.recipientReplies, slot)
		}
		deliverLocal(sender, errorReply(wireErrorName(err), err.Error(), msg.Serial, sender.UniqueName))
		return nil
	}

	if err := recipient.Codec.Queue(msg, 0); err != nil {
		quota.Release(&charge)
		if slot != nil {
			reply.Free(sender.outgoingReplies, recipient.recipientReplies, slot)
		}
		// A bounded outbox overflow on the addressed receiver during
		// a unicast call is reported back to the sender as a quota
		// error; it is not silently dropped, and the receiver is not
		// shut down the way a broadcast overflow victim would be —
		// there is no single sender to answer for during a broadcast.
		deliverLocal(sender, errorReply(wireErrorName(err), err.Error(), msg.Serial, sender.UniqueName))
		return nil
	}

	Broadcast(b, sender, sender.incomingMatches, recipient.ID, msg)
	return nil
}

// QueueReply routes a method_return or error from sender back to the
// peer awaiting it. msg.Destination must already carry the original
// caller's unique name and msg.ReplySerial the serial it called with.
// A reply naming a serial nobody is waiting on is reported as
// UnexpectedReply so the dispatch loop can disconnect sender with
// PROTOCOL_VIOLATION, per the unexpected-reply edge case.
func QueueReply(b *Bus, sender *Peer, msg *wire.Message) error {
	caller := b.Resolve(msg.Destination)
	if caller == nil {
		return dbuserr.New(dbuserr.UnexpectedReply, "reply destination is not a connected peer")
	}
	slot, ok := caller.outgoingReplies.GetByID(caller.ID, msg.ReplySerial)
	if !ok || slot.RecipientID != sender.ID {
		return dbuserr.New(dbuserr.UnexpectedReply, "no outstanding call matches this reply")
	}

	msg.Sender = sender.UniqueName
	charge, err := sender.User.Charge(quota.Bytes, uint64(len(msg.Body)))
	if err != nil {
		reply.Free(caller.outgoingReplies, sender.recipientReplies, slot)
		return nil
	}
	if err := caller.Codec.Queue(msg, 0); err != nil {
		quota.Release(&charge)
		reply.Free(caller.outgoingReplies, sender.recipientReplies, slot)
		// Per the reply path's contract, a destination over quota on
		// a reply is shut down rather than failing the reply call —
		// there is no sender-facing error channel for a reply the way
		// there is for an initiating call.
		caller.shutdownReason = err
		return nil
	}
	reply.Free(caller.outgoingReplies, sender.recipientReplies, slot)

	// A reply is routed traffic like any other message: monitors must
	// see it too, per the "every routed message regardless of
	// addressing" contract, so it goes through the same fan-out a
	// method_call gets in QueueCall.
	Broadcast(b, sender, sender.incomingMatches, caller.ID, msg)
	return nil
}

// Broadcast delivers msg to every match rule that observes it, per
// the four-source fan-out: the wildcard registry, sender's own
// incoming-matches registry (reaching eavesdroppers attached to
// sender's identity directly), every well-known name sender currently
// holds primary on, and — when sender is nil, a driver-originated
// signal — the driver's own match registry. addressedReceiverID, if
// non-zero, is skipped: that peer already received the message as
// the unicast recipient of QueueCall.
//
// A driver-originated broadcast (sender == nil) is never subject to
// send/receive policy: it carries no PeerPolicy to evaluate against,
// matching the bus's own signals (NameOwnerChanged, NameAcquired, ...)
// always reaching their subscribers.
func Broadcast(b *Bus, sender *Peer, senderMatches *match.Registry, addressedReceiverID uint64, msg *wire.Message) {
	txid := b.nextTransaction()
	msg.TxID = txid

	var senderID uint64
	var senderNames []string
	if sender != nil {
		senderID = sender.ID
		senderNames = b.OwnedNames(sender)
	}

	filter := msg.Filter(senderID, addressedReceiverID)
	unicast := addressedReceiverID != address.Invalid

	visit := func(rule *match.Rule) bool {
		target := b.ownerPeer(rule.Owner())
		if target == nil || target.ID == addressedReceiverID {
			return true
		}
		if sender != nil {
			targetNames := b.OwnedNames(target)
			if r := b.Policy.CheckSend(sender.Policy, targetNames, msg.Interface, msg.Member, msg.Path, msg.Type); r.Decision == policy.Deny {
				return true
			}
			if r := b.Policy.CheckReceive(target.Policy, senderNames, msg.Interface, msg.Member, msg.Path, msg.Type); r.Decision == policy.Deny {
				return true
			}
		}
		if err := target.Codec.Queue(msg, txid); err != nil {
			// A bounded outbox overflow on a broadcast recipient has
			// no sender to report back to; the recipient is shut down
			// instead.
			target.shutdownReason = err
		}
		return true
	}
	visitMonitor := func(rule *match.Rule) { visit(rule) }

	b.WildcardMatches.Matching(filter, unicast, visit)
	b.WildcardMatches.MonitorMatching(visitMonitor)

	if senderMatches != nil {
		senderMatches.Matching(filter, unicast, visit)
		senderMatches.MonitorMatching(visitMonitor)
	}

	if sender == nil {
		b.DriverMatches.Matching(filter, unicast, visit)
		b.DriverMatches.MonitorMatching(visitMonitor)
		return
	}
	for _, text := range senderNames {
		if n := b.Names.Lookup(text); n != nil {
			n.Matches.Matching(filter, unicast, visit)
			n.Matches.MonitorMatching(visitMonitor)
		}
	}
}
