// SPDX-License-Identifier: GPL-2.0-only

// Package sessions implements the Client Session Manager component: a TCP
// accept loop with one framed, newline-delimited sink per connected client,
// identified by a "CLIENT_ID:<id>\n" handshake line or, failing that, the
// connection's remote address.
package sessions

import (
	"bufio"
	"context"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// maxHandshakeLine bounds how much of the first line the manager will read
// before giving up on finding a CLIENT_ID: handshake.
const maxHandshakeLine = 100

// handshakeTimeout bounds how long the manager waits for the handshake line
// before falling back to the remote address.
const handshakeTimeout = time.Second

// Notifier is the callback surface the Assignment Engine implements so the
// session manager can report connect/disconnect events onto the Engine's
// single reactor lane without this package importing the engine package.
type Notifier interface {
	ClientConnected(clientID string)
	ClientDisconnected(clientID string)
}

type session struct {
	clientID string
	conn     net.Conn

	mu     sync.Mutex
	closed bool
}

func (s *session) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf("session for %s is closed", s.clientID)
	}
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// Manager accepts client connections and tracks one session per client ID.
// Registering a second session under an existing client ID supersedes the
// first: the new session replaces the old one in the table, then the old
// session is closed and its owner is reported as disconnected, before the
// new connection is reported as connected.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	notifier Notifier
	logger   log.Logger
}

// New returns a Manager that reports connect/disconnect events to notifier.
func New(notifier Notifier, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		sessions: make(map[string]*session),
		notifier: notifier,
		logger:   logger,
	}
}

// Serve runs the accept loop on l until it is closed, which the caller
// normally arranges by closing l in the interrupt handler of the actor
// group l.Accept is registered under.
func (m *Manager) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept failed")
			}
		}
		go m.handleConn(conn)
	}
}

func (m *Manager) handleConn(conn net.Conn) {
	clientID := m.readClientID(conn)

	sess := &session{clientID: clientID, conn: conn}
	m.register(clientID, sess)
	m.notifier.ClientConnected(clientID)
	_ = level.Info(m.logger).Log("msg", "client connected", "client_id", clientID, "remote", conn.RemoteAddr())

	// Drain the connection; the client never sends more than the initial
	// handshake, but reading lets us detect disconnects promptly.
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	m.teardown(clientID, sess)
}

// readClientID reads up to maxHandshakeLine bytes of the first line looking
// for "CLIENT_ID:<id>"; if absent or malformed, or if no line arrives within
// handshakeTimeout, it falls back to the connection's "ip:port" remote
// address for clients that skip the handshake.
func (m *Manager) readClientID(conn net.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	lr := io.LimitReader(conn, maxHandshakeLine)
	br := bufio.NewReader(lr)
	line, _ := br.ReadString('\n')
	trimmed := strings.TrimSpace(line)
	if id, ok := strings.CutPrefix(trimmed, "CLIENT_ID:"); ok {
		id = strings.TrimSpace(id)
		if id != "" {
			return id
		}
	}
	return conn.RemoteAddr().String()
}

func (m *Manager) register(clientID string, sess *session) {
	m.mu.Lock()
	old, had := m.sessions[clientID]
	if had {
		delete(m.sessions, clientID)
	}
	m.sessions[clientID] = sess
	m.mu.Unlock()

	if had {
		old.close()
		m.notifier.ClientDisconnected(clientID)
	}
}

func (m *Manager) teardown(clientID string, sess *session) {
	m.mu.Lock()
	cur, ok := m.sessions[clientID]
	superseded := !ok || cur != sess
	if !superseded {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()

	sess.close()
	if !superseded {
		m.notifier.ClientDisconnected(clientID)
	}
}

// Push writes frame to clientID's session, if one exists. It reports
// whether delivery succeeded; a write failure tears the session down as a
// disconnect, matching the "a failed write tears down the session" rule.
func (m *Manager) Push(clientID, frame string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := sess.writeLine(frame); err != nil {
		_ = level.Warn(m.logger).Log("msg", "failed to deliver frame; tearing down session", "client_id", clientID, "err", err)
		m.teardown(clientID, sess)
		return false
	}
	return true
}

// Broadcast writes frame to every connected session, best-effort.
func (m *Manager) Broadcast(frame string) {
	m.mu.Lock()
	targets := make(map[string]*session, len(m.sessions))
	for id, sess := range m.sessions {
		targets[id] = sess
	}
	m.mu.Unlock()

	for id, sess := range targets {
		if err := sess.writeLine(frame); err != nil {
			m.teardown(id, sess)
		}
	}
}

// IsConnected reports whether clientID currently has a live session.
func (m *Manager) IsConnected(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[clientID]
	return ok
}

// ConnectedClients returns the client IDs with a live session.
func (m *Manager) ConnectedClients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
