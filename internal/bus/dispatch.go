package bus

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/peercred"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/wire"
)

const (
	maxEpollEvents  = 64
	listenerBacklog = 128
	maxOutboxBytes  = 4 << 20
)

// Server owns the epoll set, the listening UNIX socket, and the
// self-pipe that folds signal delivery into the same readiness loop
// as peer connections. A signal handler cannot safely touch Bus
// state directly — every registry in internal/bus, internal/match,
// internal/name, and internal/reply is owned exclusively by the
// single dispatch goroutine and carries no locking — so the signal
// only wakes Run's epoll_wait; Run itself decides what to do about it,
// on the same goroutine as everything else.
type Server struct {
	Bus *Bus

	epfd     int
	listenFD int

	sigStop  context.CancelFunc
	sigRead  int
	sigWrite *os.File

	fdPeers map[int]*Peer
	peerFDs map[uint64]int

	timerFD int

	done bool

	// OnConnect and OnDisconnect, when set, are called after a peer is
	// admitted onto the bus and right before its goodbye cascade runs,
	// respectively. Both are optional observation hooks for a consumer
	// outside this package (internal/audit) that wants a lifecycle
	// trail without reaching into bus-owned registries itself; leaving
	// them nil costs nothing on the hot path.
	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)

	// OnTick, when set via EnableTimer, is called on the dispatch
	// goroutine every time the internal timerfd fires — the only
	// sanctioned way for a periodic task (e.g. internal/audit's
	// snapshot writer) to touch Bus state, since that state carries no
	// locking and a caller-owned time.Ticker goroutine would race it.
	OnTick func()
}

// Listen creates the epoll set and a listening socket bound to path,
// registers it and the signal self-pipe, and returns a Server ready
// for Run. Grounded on dbus-broker's Manager construction: one epoll
// instance, one listener, one signal source, all multiplexed together.
func Listen(b *Bus, path string) (*Server, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, dbuserr.NewFatal(err)
	}

	listenFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, dbuserr.NewFatal(err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(listenFD, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(listenFD)
		_ = unix.Close(epfd)
		return nil, dbuserr.NewFatal(err)
	}
	if err := unix.Listen(listenFD, listenerBacklog); err != nil {
		_ = unix.Close(listenFD)
		_ = unix.Close(epfd)
		return nil, dbuserr.NewFatal(err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		_ = unix.Close(listenFD)
		_ = unix.Close(epfd)
		return nil, dbuserr.NewFatal(err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = unix.Close(listenFD)
		_ = unix.Close(epfd)
		return nil, dbuserr.NewFatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		_, _ = w.Write([]byte{0})
	}()

	s := &Server{
		Bus:      b,
		epfd:     epfd,
		listenFD: listenFD,
		sigStop:  stop,
		sigRead:  int(r.Fd()),
		sigWrite: w,
		fdPeers:  make(map[int]*Peer),
		peerFDs:  make(map[uint64]int),
	}

	if err := s.epollAdd(listenFD, unix.EPOLLIN); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.epollAdd(s.sigRead, unix.EPOLLIN); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// EnableTimer arms a periodic timerfd, registered with this server's
// epoll set, that calls fn (as OnTick) every interval on the dispatch
// goroutine. Intended for internal/audit's periodic peer-table
// snapshots: Bus.Snapshot walks bus-owned registries directly, so it
// must run interleaved with routing, never from an independent
// goroutine racing it.
func (s *Server) EnableTimer(interval time.Duration, fn func()) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return dbuserr.NewFatal(err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return dbuserr.NewFatal(err)
	}
	if err := s.epollAdd(fd, unix.EPOLLIN); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.timerFD = fd
	s.OnTick = fn
	return nil
}

func (s *Server) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return dbuserr.NewFatal(err)
	}
	return nil
}

func (s *Server) epollMod(fd int, write bool) error {
	events := uint32(unix.EPOLLIN)
	if write {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return dbuserr.NewFatal(err)
	}
	return nil
}

func (s *Server) epollDel(fd int) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Close tears the server down: every live peer is told goodbye
// silently (the whole bus is going away, so there is nobody left to
// broadcast NameOwnerChanged to), then the listener, epoll set, and
// signal plumbing are released.
func (s *Server) Close() {
	for _, p := range s.fdPeers {
		Goodbye(s.Bus, p, true)
	}
	s.fdPeers = make(map[int]*Peer)
	s.peerFDs = make(map[uint64]int)
	s.sigStop()
	if s.sigWrite != nil {
		_ = s.sigWrite.Close()
	}
	if s.timerFD != 0 {
		_ = unix.Close(s.timerFD)
	}
	if s.listenFD != 0 {
		_ = unix.Close(s.listenFD)
	}
	if s.epfd != 0 {
		_ = unix.Close(s.epfd)
	}
}

// Run drives the epoll loop until a SIGINT/SIGTERM arrives or an
// unrecoverable error occurs on the listener itself.
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for !s.done {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return dbuserr.NewFatal(err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			bits := events[i].Events
			switch {
			case fd == s.listenFD:
				s.acceptAll()
			case fd == s.sigRead:
				s.drainSignal()
			case fd == s.timerFD:
				s.drainTimer()
			default:
				if p, ok := s.fdPeers[fd]; ok {
					s.dispatchPeer(p, fd, bits)
				}
			}
			if s.done {
				break
			}
		}
	}
	s.Close()
	return nil
}

func (s *Server) drainSignal() {
	var buf [64]byte
	for {
		_, err := unix.Read(s.sigRead, buf[:])
		if err != nil {
			break
		}
	}
	s.done = true
}

// drainTimer reads the timerfd's expiration count (required to
// re-arm level-triggered readability) and invokes OnTick once,
// regardless of how many intervals elapsed since the last dispatch.
func (s *Server) drainTimer() {
	var buf [8]byte
	_, _ = unix.Read(s.timerFD, buf[:])
	if s.OnTick != nil {
		s.OnTick()
	}
}

// acceptAll drains every pending connection on the listener. The SASL
// EXTERNAL handshake runs blocking on each newly accepted fd — the one
// tolerated blocking read in the whole design, per internal/wire's own
// documentation — before the fd is switched non-blocking and handed
// to a CBORCodec for epoll-driven dispatch.
func (s *Server) acceptAll() {
	for {
		connFD, _, err := unix.Accept4(s.listenFD, unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.Bus.Log.Warn("accept failed", "error", err)
			return
		}
		s.admit(connFD)
	}
}

func (s *Server) admit(connFD int) {
	creds, err := peercred.Fetch(connFD)
	if err != nil {
		s.Bus.Log.Warn("peer credential lookup failed", "error", err)
		_ = unix.Close(connFD)
		return
	}

	if r := s.Bus.Policy.CheckConnect(creds.UID, creds.Groups); r.Decision == policy.Deny {
		_ = unix.Close(connFD)
		return
	}

	bio := &blockingFD{fd: connFD}
	if err := wire.ServerHandshake(bufio.NewReader(bio), bufio.NewWriter(bio), creds.UID, s.Bus.GUID); err != nil {
		_ = unix.Close(connFD)
		return
	}

	if err := unix.SetNonblock(connFD, true); err != nil {
		_ = unix.Close(connFD)
		return
	}

	codec := wire.NewCBORCodec(wire.FDConn{FD: connFD}, maxOutboxBytes)
	peer, err := NewPeer(s.Bus, creds, codec)
	if err != nil {
		_ = unix.Close(connFD)
		return
	}

	if err := s.epollAdd(connFD, unix.EPOLLIN); err != nil {
		Goodbye(s.Bus, peer, true)
		return
	}
	s.fdPeers[connFD] = peer
	s.peerFDs[peer.ID] = connFD
	if s.OnConnect != nil {
		s.OnConnect(peer)
	}
}

// dispatchPeer mirrors peer_dispatch's split: a read/hangup phase that
// drains every complete inbound message and handles it (which may
// itself queue a synchronous driver reply), then a write phase that
// flushes whatever is now pending — re-querying the codec's registered
// interest between the two, since the read phase can turn write
// interest on mid-dispatch.
func (s *Server) dispatchPeer(p *Peer, fd int, bits uint32) {
	readable := bits&unix.EPOLLIN != 0
	hangup := bits&(unix.EPOLLHUP|unix.EPOLLERR) != 0

	if readable || hangup {
		_, interest, err := p.Codec.Dispatch(wire.Events{Readable: readable, HangUp: hangup})
		if err != nil {
			s.disconnect(p)
			return
		}
		if s.drainMessages(p) {
			return
		}
		_ = s.epollMod(fd, interest.Write)
	}

	_, interest, err := p.Codec.Dispatch(wire.Events{Writable: true})
	if err != nil {
		s.disconnect(p)
		return
	}
	_ = s.epollMod(fd, interest.Write)

	if p.shutdownReason != nil {
		s.disconnect(p)
	}
}

// drainMessages dequeues and routes every message currently buffered
// for p, returning true if p was disconnected in the process (EOF or
// a protocol violation) — the caller must not touch p further.
func (s *Server) drainMessages(p *Peer) bool {
	for {
		msg, err := p.Codec.Dequeue()
		if err != nil {
			s.disconnect(p)
			return true
		}
		if msg == nil {
			return false
		}
		if !s.route(p, msg) {
			s.disconnect(p)
			return true
		}
	}
}

// route handles one message already attributed to p: a driver call
// (answered synchronously), a reply routed back to its caller, a
// unicast call or directly-addressed signal, or an ordinary broadcast
// signal. It returns false on a protocol violation, signaling the
// caller to disconnect p with no reply.
func (s *Server) route(p *Peer, msg *wire.Message) bool {
	b := s.Bus
	msg.Sender = p.UniqueName

	if address.IsDriver(msg.Destination) && msg.Type == wire.TypeMethodCall {
		if reply := DispatchDriverCall(b, p, msg); reply != nil && !msg.Flags.NoReplyExpected {
			deliverLocal(p, reply)
		}
		return true
	}

	// Ordinary routing requires p to be fully Registered and nothing
	// past it: a pre-Hello Authenticated peer has no unique name to
	// route from, and a Monitor may only observe, never emit (§4.6).
	// p.Registered() is not the right predicate here — it also admits
	// Monitor, which is exactly the state this gate must exclude.
	if p.State != StateRegistered {
		return false
	}

	switch msg.Type {
	case wire.TypeMethodReturn, wire.TypeError:
		if err := QueueReply(b, p, msg); err != nil {
			return false
		}
		return true

	case wire.TypeSignal:
		if msg.Destination != "" {
			if err := QueueCall(b, p, msg); err != nil {
				return false
			}
			return true
		}
		Broadcast(b, p, p.incomingMatches, address.Invalid, msg)
		return true

	case wire.TypeMethodCall:
		if msg.Destination == "" {
			return false
		}
		if err := QueueCall(b, p, msg); err != nil {
			return false
		}
		return true

	default:
		return false
	}
}

// disconnect removes p from the server's fd bookkeeping and epoll
// set, then runs its goodbye cascade.
func (s *Server) disconnect(p *Peer) {
	if fd, ok := s.peerFDs[p.ID]; ok {
		s.epollDel(fd)
		delete(s.fdPeers, fd)
		delete(s.peerFDs, p.ID)
	}
	if s.OnDisconnect != nil {
		s.OnDisconnect(p)
	}
	Goodbye(s.Bus, p, false)
}

// blockingFD is the pre-handshake adapter over a connected socket fd
// still in blocking mode: SASL EXTERNAL runs its reads and writes
// through this, not through wire.FDConn (which assumes O_NONBLOCK is
// already set).
type blockingFD struct {
	fd int
}

// Read returns at most one byte per call, so the handshake's
// bufio.Reader never reads past the BEGIN line: a frame the client
// sends right after BEGIN stays in the socket for the CBORCodec.
func (b *blockingFD) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	n, err := unix.Read(b.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, dbuserr.New(dbuserr.EOF, "peer closed during handshake")
	}
	return n, nil
}

func (b *blockingFD) Write(p []byte) (int, error) {
	return unix.Write(b.fd, p)
}
