package peercred

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFetchOnSocketpairReportsOwnCredentials(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	creds, err := Fetch(fds[0])
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if creds.UID != uint32(os.Getuid()) {
		t.Fatalf("uid = %d, want %d", creds.UID, os.Getuid())
	}
	if creds.GID != uint32(os.Getgid()) {
		t.Fatalf("gid = %d, want %d", creds.GID, os.Getgid())
	}
	if creds.PID != int32(os.Getpid()) {
		t.Fatalf("pid = %d, want %d", creds.PID, os.Getpid())
	}
	if len(creds.Groups) == 0 {
		t.Fatal("expected at least one group (primary gid, via SO_PEERGROUPS or NSS fallback)")
	}
}

func TestNSSGroupListFallsBackOnLookupFailure(t *testing.T) {
	// An implausibly large uid will not resolve via os/user; the
	// fallback must still return the caller-supplied primary gid
	// rather than an empty slice.
	groups := nssGroupList(0xFFFFFFF0, 4242)
	if len(groups) != 1 || groups[0] != 4242 {
		t.Fatalf("groups = %v, want [4242]", groups)
	}
}
