package bus

import (
	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/name"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/wire"
)

// driverReply builds a method_return from the driver back to caller,
// answering serial with args encoded as the body.
func driverReply(caller *Peer, serial uint32, args ...any) *wire.Message {
	body, _ := wire.EncodeBody(args...)
	return &wire.Message{
		Type:        wire.TypeMethodReturn,
		ReplySerial: serial,
		Sender:      address.DriverName,
		Destination: caller.UniqueName,
		Body:        body,
	}
}

func driverError(caller *Peer, serial uint32, errName, text string) *wire.Message {
	return errorReply(errName, text, serial, caller.UniqueName)
}

func nameOwnerChangedSignal(nameText string, oldOwner, newOwner uint64) *wire.Message {
	old, new_ := ownerAddress(oldOwner), ownerAddress(newOwner)
	body, _ := wire.EncodeBody(nameText, old, new_)
	return &wire.Message{
		Type:      wire.TypeSignal,
		Sender:    address.DriverName,
		Interface: address.DriverName,
		Member:    "NameOwnerChanged",
		Path:      "/org/freedesktop/DBus",
		Body:      body,
	}
}

func ownerAddress(id uint64) string {
	if id == address.Invalid {
		return ""
	}
	return address.Format(id)
}

func nameAcquiredSignal(peer *Peer, nameText string) *wire.Message {
	body, _ := wire.EncodeBody(nameText)
	return &wire.Message{
		Type:        wire.TypeSignal,
		Sender:      address.DriverName,
		Destination: peer.UniqueName,
		Interface:   address.DriverName,
		Member:      "NameAcquired",
		Path:        "/org/freedesktop/DBus",
		Body:        body,
	}
}

func nameLostSignal(peer *Peer, nameText string) *wire.Message {
	body, _ := wire.EncodeBody(nameText)
	return &wire.Message{
		Type:        wire.TypeSignal,
		Sender:      address.DriverName,
		Destination: peer.UniqueName,
		Interface:   address.DriverName,
		Member:      "NameLost",
		Path:        "/org/freedesktop/DBus",
		Body:        body,
	}
}

// DispatchDriverCall handles a method call addressed to the driver's
// reserved name, org.freedesktop.DBus, and returns the reply to queue
// back to sender. Driver replies are always produced synchronously
// within the same dispatch turn that received the call — there is no
// asynchronous driver operation in this implementation.
func DispatchDriverCall(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	switch msg.Member {
	case "Hello":
		return driverHello(b, sender, msg)
	case "RequestName":
		return driverRequestName(b, sender, msg)
	case "ReleaseName":
		return driverReleaseName(b, sender, msg)
	case "AddMatch":
		return driverAddMatch(b, sender, msg)
	case "RemoveMatch":
		return driverRemoveMatch(b, sender, msg)
	case "GetNameOwner":
		return driverGetNameOwner(b, sender, msg)
	case "NameHasOwner":
		return driverNameHasOwner(b, sender, msg)
	case "ListNames":
		return driverListNames(b, sender, msg)
	case "BecomeMonitor":
		return driverBecomeMonitor(b, sender, msg)
	case "StartServiceByName":
		return driverStartServiceByName(b, sender, msg)
	case "GetConnectionUnixUser":
		return driverGetConnectionUnixUser(b, sender, msg)
	case "GetConnectionCredentials":
		return driverGetConnectionCredentials(b, sender, msg)
	default:
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.UnknownMethod", "unknown driver method: "+msg.Member)
	}
}

func driverArgs(msg *wire.Message) []any {
	args, err := wire.DecodeBody(msg.Body)
	if err != nil {
		return nil
	}
	return args
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

// driverHello assigns sender its unique name and transitions it to
// Registered; it is an error to call Hello more than once.
func driverHello(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	if err := sender.Register(); err != nil {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.Failed", err.Error())
	}
	deliverLocal(sender, nameAcquiredSignal(sender, sender.UniqueName))
	Broadcast(b, nil, nil, address.Invalid, nameOwnerChangedSignal(sender.UniqueName, address.Invalid, sender.ID))
	return driverReply(sender, msg.Serial, sender.UniqueName)
}

func driverRequestName(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "RequestName requires a name argument")
	}
	var flagBits uint32
	if len(args) > 1 {
		if f, ok := args[1].(uint64); ok {
			flagBits = uint32(f)
		} else if f, ok := args[1].(int64); ok {
			flagBits = uint32(f)
		}
	}
	flags := name.Flags{
		AllowReplacement: flagBits&0x1 != 0,
		ReplaceExisting:  flagBits&0x2 != 0,
		DoNotQueue:       flagBits&0x4 != 0,
	}

	if r := b.Policy.CheckOwn(sender.Policy, text); r.Decision == policy.Deny {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.AccessDenied", "own denied by policy")
	}

	ownership, result, change, err := b.Names.Request(sender.ID, sender.User, text, flags)
	if err != nil {
		return driverError(sender, msg.Serial, wireErrorName(err), err.Error())
	}
	sender.ownedNames[text] = ownership

	if change != nil {
		if change.OldOwner != address.Invalid {
			if old := b.Peer(change.OldOwner); old != nil {
				delete(old.ownedNames, text)
				deliverLocal(old, nameLostSignal(old, text))
			}
		}
		deliverLocal(sender, nameAcquiredSignal(sender, text))
		Broadcast(b, nil, nil, address.Invalid, nameOwnerChangedSignal(text, change.OldOwner, change.NewOwner))
	}
	return driverReply(sender, msg.Serial, uint32(result))
}

func driverReleaseName(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "ReleaseName requires a name argument")
	}
	change, result, err := b.Names.Release(sender.ID, text)
	if err != nil {
		return driverError(sender, msg.Serial, wireErrorName(err), err.Error())
	}
	delete(sender.ownedNames, text)
	if change != nil {
		deliverLocal(sender, nameLostSignal(sender, text))
		if change.NewOwner != address.Invalid {
			if next := b.Peer(change.NewOwner); next != nil {
				deliverLocal(next, nameAcquiredSignal(next, text))
			}
		}
		Broadcast(b, nil, nil, address.Invalid, nameOwnerChangedSignal(text, change.OldOwner, change.NewOwner))
	}
	return driverReply(sender, msg.Serial, uint32(result))
}

func driverAddMatch(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	rule, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "AddMatch requires a rule string")
	}
	if err := AddMatch(b, sender, rule); err != nil {
		return driverError(sender, msg.Serial, wireErrorName(err), err.Error())
	}
	return driverReply(sender, msg.Serial)
}

func driverRemoveMatch(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	rule, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "RemoveMatch requires a rule string")
	}
	if err := RemoveMatch(sender, rule); err != nil {
		return driverError(sender, msg.Serial, wireErrorName(err), err.Error())
	}
	return driverReply(sender, msg.Serial)
}

func driverGetNameOwner(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "GetNameOwner requires a name argument")
	}
	if address.IsDriver(text) {
		return driverReply(sender, msg.Serial, address.DriverName)
	}
	owner := b.Resolve(text)
	if owner == nil {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.NameHasNoOwner", "name has no owner: "+text)
	}
	return driverReply(sender, msg.Serial, owner.UniqueName)
}

func driverNameHasOwner(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "NameHasOwner requires a name argument")
	}
	hasOwner := address.IsDriver(text) || b.Resolve(text) != nil
	return driverReply(sender, msg.Serial, hasOwner)
}

func driverListNames(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	names := []string{address.DriverName}
	for id, p := range b.peers {
		if !p.Registered() {
			continue
		}
		names = append(names, address.Format(id))
		names = append(names, b.OwnedNames(p)...)
	}
	return driverReply(sender, msg.Serial, names)
}

func driverBecomeMonitor(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	if len(sender.ownedNames) > 0 {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.AccessDenied", "a name owner may not become a monitor")
	}
	if err := BecomeMonitor(b, sender); err != nil {
		return driverError(sender, msg.Serial, wireErrorName(err), err.Error())
	}
	return driverReply(sender, msg.Serial)
}

// driverStartServiceByName reports that the requested name already
// has an owner, or ServiceUnknown otherwise: there is no bus-activated
// service launcher in this implementation (activation is out of
// scope), so the only successful outcome this driver call can ever
// report is "already running".
func driverStartServiceByName(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "StartServiceByName requires a name argument")
	}
	if b.Resolve(text) == nil && !address.IsDriver(text) {
		return driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.ServiceUnknown", "no activatable service provides "+text)
	}
	const dbusStartReplySuccess = 1
	return driverReply(sender, msg.Serial, uint32(dbusStartReplySuccess))
}

func driverGetConnectionUnixUser(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	target, errMsg := resolveConnectionTarget(b, sender, msg)
	if target == nil {
		return errMsg
	}
	return driverReply(sender, msg.Serial, target.Credentials.UID)
}

// driverGetConnectionCredentials returns UID, PID, and (when present)
// the security label, giving this driver surface full parity with the
// credentials the PolicyEngine itself resolves, rather than only the
// uid the standard interface strictly requires.
func driverGetConnectionCredentials(b *Bus, sender *Peer, msg *wire.Message) *wire.Message {
	target, errMsg := resolveConnectionTarget(b, sender, msg)
	if target == nil {
		return errMsg
	}
	creds := map[string]any{
		"UnixUserID": target.Credentials.UID,
		"ProcessID":  uint32(target.Credentials.PID),
	}
	if target.Credentials.SecurityLabel != "" {
		creds["LinuxSecurityLabel"] = target.Credentials.SecurityLabel
	}
	return driverReply(sender, msg.Serial, creds)
}

func resolveConnectionTarget(b *Bus, sender *Peer, msg *wire.Message) (*Peer, *wire.Message) {
	args := driverArgs(msg)
	text, ok := argString(args, 0)
	if !ok {
		return nil, driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.InvalidArgs", "requires a bus name argument")
	}
	target := b.Resolve(text)
	if target == nil {
		return nil, driverError(sender, msg.Serial, "org.freedesktop.DBus.Error.NameHasNoOwner", "name has no owner: "+text)
	}
	return target, nil
}
