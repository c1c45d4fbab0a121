// Package peercred extracts a connecting peer's identity from its
// listening socket: SO_PEERCRED (uid/gid/pid, always available),
// SO_PEERGROUPS (the full auxiliary group list, preferred over a
// getgrouplist/NSS lookup when the kernel supports it), and SO_PEERSEC
// (the LSM security label, optional — absent on systems without a
// loaded security module).
package peercred

import (
	"fmt"
	"os/user"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Credentials is the identity snapshot taken at accept() time, before
// a PeerPolicy is resolved from it.
type Credentials struct {
	UID           uint32
	GID           uint32
	PID           int32
	Groups        []uint32 // always includes GID; never empty
	SecurityLabel string   // empty if SO_PEERSEC is unsupported or unset
}

// Fetch reads SO_PEERCRED from fd and then attempts SO_PEERGROUPS;
// on ENOPROTOOPT (kernel or socket type does not support it) it falls
// back to a getgrouplist(3)-style NSS lookup by uid, logged by the
// caller as a known, accepted source of staleness — group membership
// looked up this way can lag behind the kernel's live credential if
// the user's groups changed after this process's NSS cache was
// populated.
func Fetch(fd int) (Credentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Credentials{}, fmt.Errorf("peercred: SO_PEERCRED: %w", err)
	}

	creds := Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}

	if groups, err := peerGroups(fd); err == nil {
		creds.Groups = groups
		hasGID := false
		for _, g := range groups {
			if g == ucred.Gid {
				hasGID = true
				break
			}
		}
		if !hasGID {
			creds.Groups = append([]uint32{ucred.Gid}, groups...)
		}
	} else {
		creds.Groups = nssGroupList(ucred.Uid, ucred.Gid)
	}

	if label, err := peerSecurityLabel(fd); err == nil {
		creds.SecurityLabel = label
	}

	return creds, nil
}

// peerGroups issues a raw SO_PEERGROUPS getsockopt, using the
// standard two-call pattern: an undersized first call reports the
// required buffer size via ENOBUFS so the second call can size
// exactly.
func peerGroups(fd int) ([]uint32, error) {
	var n int
	buf := make([]uint32, 16)

	for attempt := 0; attempt < 2; attempt++ {
		optlen := uint32(len(buf) * 4)
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			uintptr(fd),
			uintptr(unix.SOL_SOCKET),
			uintptr(unix.SO_PEERGROUPS),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&optlen)),
			0,
		)
		if errno == 0 {
			n = int(optlen / 4)
			return append([]uint32(nil), buf[:n]...), nil
		}
		if errno == unix.ENOBUFS {
			buf = make([]uint32, optlen/4)
			continue
		}
		return nil, errno
	}
	return nil, unix.ENOBUFS
}

// peerSecurityLabel reads SO_PEERSEC, the LSM label the kernel
// attached to the remote socket endpoint (e.g. an SELinux context).
// Returns an error when unsupported; callers treat that as "no
// label", not a fatal condition — most systems run without SELinux.
func peerSecurityLabel(fd int) (string, error) {
	buf := make([]byte, 256)
	optlen := uint32(len(buf))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.SOL_SOCKET),
		uintptr(unix.SO_PEERSEC),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&optlen)),
		0,
	)
	if errno != 0 {
		return "", errno
	}
	if optlen == 0 {
		return "", nil
	}
	// optlen includes a trailing NUL from the kernel.
	end := optlen
	if end > 0 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end]), nil
}

// nssGroupList is the getgrouplist(3)-equivalent fallback: look up
// the user's full group membership by uid through the standard
// library's NSS-backed os/user package. Logged-and-proceed, not
// fail-closed, per the bus's policy of treating this path as racy but
// acceptable (a stale group list can only make a CheckConnect/CheckOwn
// rule miss a GID match it should have hit — it can never forge
// membership in a group the user does not actually hold, since
// os/user itself resolves against the same NSS sources the kernel
// would).
func nssGroupList(uid, primaryGID uint32) []uint32 {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return []uint32{primaryGID}
	}
	ids, err := u.GroupIds()
	if err != nil || len(ids) == 0 {
		return []uint32{primaryGID}
	}
	groups := make([]uint32, 0, len(ids))
	for _, s := range ids {
		gid, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(gid))
	}
	if len(groups) == 0 {
		return []uint32{primaryGID}
	}
	return groups
}
