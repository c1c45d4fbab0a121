// Package audit implements an optional, best-effort event trail of
// connection lifecycle and name-ownership changes, plus periodic
// zstd-compressed snapshots of the peer/name table for support-bundle
// capture. It is a supplement beyond the broker's core routing-state
// non-goal: an audit log of *events* survives restart for operational
// forensics, but the bus itself always starts empty — this package
// never feeds anything back into routing decisions.
//
// Grounded on cmd/bureau-daemon's postAuditEventAsync: writes never
// block the caller (the dispatch goroutine), and a full queue simply
// drops the event with a warning rather than applying backpressure to
// routing.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/dbusd/dbusd/internal/bus"
)

// Kind identifies the class of event recorded.
type Kind string

const (
	KindConnect      Kind = "connect"
	KindDisconnect   Kind = "disconnect"
	KindNameAcquired Kind = "name_acquired"
	KindNameLost     Kind = "name_lost"
	KindPolicyDeny   Kind = "policy_deny"
)

// Event is one record in the trail.
type Event struct {
	Kind   Kind
	PeerID uint64
	UID    uint32
	Name   string
	Reason string
}

const eventQueueDepth = 256

// Log is the audit writer: a single background goroutine owns the
// SQLite connection and drains an event channel, so callers on the
// dispatch goroutine never wait on disk I/O.
type Log struct {
	db  *sql.DB
	log *slog.Logger

	events chan Event
	done   chan struct{}
}

// Open creates (or reopens) the SQLite database at path, migrates its
// schema if needed, and starts the background writer goroutine.
func Open(path string, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("audit: creating %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no built-in connection pooling story worth using here

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrating schema: %w", err)
	}

	l := &Log{
		db:     db,
		log:    log,
		events: make(chan Event, eventQueueDepth),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	peer_id INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
);
`

// Record enqueues ev for asynchronous persistence. Never blocks: if
// the queue is full the event is dropped and logged at WARN, matching
// the teacher's stance that an audit sink must never slow down the
// path it observes.
func (l *Log) Record(ev Event) {
	if l == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.log.Warn("audit queue full, dropping event", "kind", ev.Kind, "peer_id", ev.PeerID)
	}
}

func (l *Log) run() {
	defer close(l.done)
	for ev := range l.events {
		if err := l.write(ev); err != nil {
			l.log.Warn("audit write failed", "error", err, "kind", ev.Kind)
		}
	}
}

func (l *Log) write(ev Event) error {
	_, err := l.db.Exec(
		`INSERT INTO events (recorded_at, kind, peer_id, uid, name, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), string(ev.Kind), ev.PeerID, ev.UID, ev.Name, ev.Reason,
	)
	return err
}

// Close stops accepting new events, drains the queue, and closes the
// database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	close(l.events)
	<-l.done
	return l.db.Close()
}

// snapshotDoc is the JSON payload compressed into each snapshot file:
// a point-in-time copy of every connected peer's identity and
// resource footprint, taken from bus.Bus.Snapshot.
type snapshotDoc struct {
	TakenAt time.Time         `json:"taken_at"`
	Peers   []bus.PeerSummary `json:"peers"`
}

// Snapshot writes a zstd-compressed JSON snapshot of peers into dir,
// named by timestamp, and returns the path written.
func Snapshot(dir string, peers []bus.PeerSummary) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("audit: creating snapshot dir %s: %w", dir, err)
	}

	doc := snapshotDoc{TakenAt: time.Now().UTC(), Peers: peers}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("audit: marshaling snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("audit: zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	name := fmt.Sprintf("dbusd-%s.json.zst", doc.TakenAt.Format("20060102T150405.000000000Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", fmt.Errorf("audit: writing %s: %w", path, err)
	}
	return path, nil
}

// Ticker returns a func() suitable for bus.Server.EnableTimer: each
// call takes a fresh snapshot of b and writes it into dir, logging
// (but not panicking on) any per-tick failure so one bad write does
// not end future snapshots.
//
// This runs on the dispatch goroutine, not a caller-owned goroutine:
// Bus.Snapshot walks bus-owned registries with no locking, so nothing
// but the dispatch loop itself may call it safely.
func Ticker(b *bus.Bus, dir string, log *slog.Logger) func() {
	if log == nil {
		log = slog.Default()
	}
	return func() {
		path, err := Snapshot(dir, b.Snapshot())
		if err != nil {
			log.Warn("snapshot failed", "error", err)
			return
		}
		log.Info("wrote snapshot", "path", path)
	}
}
