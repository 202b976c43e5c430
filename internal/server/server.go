// Package server implements the per-connection session state described by
// the protocol's server side: identity handshake, registration, login with
// throttling, bundle brokering, message/reaction forwarding with an
// offline queue, and reset handling.
package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/relaychat/relay/internal/audit"
	"github.com/relaychat/relay/internal/relay"
	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/relaymetrics"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
)

// session tracks one live connection: its socket (serialized by mu, since
// a forward from another connection's goroutine and this connection's own
// reply both write to the same net.Conn) and whether login has completed.
type session struct {
	mu       sync.Mutex
	conn     net.Conn
	loggedIn bool
}

func (s *session) send(rec wire.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.WriteFrame(s.conn, rec)
}

// Options configures a Server beyond its storage backends.
type Options struct {
	ServerID            string
	OfflineQueueCap     int
	LoginThrottleMax    int
	LoginThrottleWindow time.Duration
	Audit               *audit.Logger     // optional
	Federation          *relay.Federation // optional
}

// Server holds the shared, per-process session state: the registered-user
// table, the pepper table, the online connection table, and the rolling
// login-failure counters. All of it is safe for concurrent use by the
// one-goroutine-per-connection model HandleConn is meant to run under.
type Server struct {
	db      *store.Store // plain mode: username -> user record dict
	peppers *store.Store // cipher mode: username -> pepper bytes

	connMu      sync.RWMutex
	connections map[string]*session

	loginMu       sync.Mutex
	loginAttempts map[string][]time.Time

	serverID            string
	offlineCap          int
	loginThrottleMax    int
	loginThrottleWindow time.Duration

	log   *relaylog.Logger
	audit *audit.Logger
	fed   *relay.Federation
}

// New constructs a Server. db holds user records in plain mode; peppers
// holds the per-user pepper in cipher mode, matching §6's on-disk layout.
func New(db, peppers *store.Store, logger *relaylog.Logger, opts Options) *Server {
	if opts.OfflineQueueCap <= 0 {
		opts.OfflineQueueCap = 1000
	}
	if opts.LoginThrottleMax <= 0 {
		opts.LoginThrottleMax = 3
	}
	if opts.LoginThrottleWindow <= 0 {
		opts.LoginThrottleWindow = 5 * time.Minute
	}
	if opts.ServerID == "" {
		opts.ServerID = "relay-1"
	}
	return &Server{
		db:                  db,
		peppers:             peppers,
		connections:         map[string]*session{},
		loginAttempts:       map[string][]time.Time{},
		serverID:            opts.ServerID,
		offlineCap:          opts.OfflineQueueCap,
		loginThrottleMax:    opts.LoginThrottleMax,
		loginThrottleWindow: opts.LoginThrottleWindow,
		log:                 logger,
		audit:               opts.Audit,
		fed:                 opts.Federation,
	}
}

// HandleConn runs the full lifecycle of one accepted connection: the
// identity handshake, then the post-identity dispatch loop, until the
// peer disconnects, sends something malformed, or violates the ACL.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.log.With(connTag(conn))

	username, ok := s.identityHandshake(conn, logger)
	if !ok {
		return
	}

	sess := &session{conn: conn}
	s.connMu.Lock()
	if _, exists := s.connections[username]; exists {
		s.connMu.Unlock()
		_ = wire.WriteFrame(conn, statusReply(username, wire.KindStatusRequest, "error", map[string]serializer.Value{
			"error": serializer.String("already connected"),
		}))
		return
	}
	s.connections[username] = sess
	s.connMu.Unlock()
	relaymetrics.OnlineConnections.WithLabelValues(s.serverID).Inc()

	defer func() {
		s.connMu.Lock()
		delete(s.connections, username)
		s.connMu.Unlock()
		relaymetrics.OnlineConnections.WithLabelValues(s.serverID).Dec()
		if s.fed != nil {
			_ = s.fed.Forget(username)
		}
	}()

	if s.fed != nil {
		_ = s.fed.Announce(username)
		stopRefresh := make(chan struct{})
		defer close(stopRefresh)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = s.fed.Refresh(username)
				case <-stopRefresh:
					return
				}
			}
		}()
	}

	_, registered := s.userRecord(username)
	status := "not_registered"
	if registered {
		status = "registered"
	}
	if err := sess.send(wire.Record{
		Sender: wire.ServerUser, Receiver: username, Kind: wire.KindStatusRequest,
		Payload: map[string]serializer.Value{"status": serializer.String(status)},
	}); err != nil {
		return
	}

	s.dispatchLoop(sess, username, logger)
}

func (s *Server) identityHandshake(conn net.Conn, logger *relaylog.Logger) (string, bool) {
	rec, err := wire.ReadFrame(conn)
	if err != nil {
		logger.Errorf("identity frame: %v", err)
		return "", false
	}
	if rec.Kind != wire.KindIdentity || rec.Receiver != wire.ServerUser {
		logger.Errorf("first record is not identity")
		return "", false
	}
	claimed, ok := stringField(rec.Payload, "username")
	if !ok || claimed != rec.Sender || !wire.CheckUsername(rec.Sender) {
		_ = wire.WriteFrame(conn, statusReply(rec.Sender, wire.KindStatusRequest, "error", map[string]serializer.Value{
			"error": serializer.String("malformed identity"),
		}))
		return "", false
	}
	return rec.Sender, true
}

func (s *Server) dispatchLoop(sess *session, username string, logger *relaylog.Logger) {
	for {
		rec, err := wire.ReadFrame(sess.conn)
		if err != nil {
			if err != io.EOF {
				logger.Errorf("read frame: %v", err)
			}
			return
		}
		if rec.Sender != username {
			logger.Errorf("acl violation: sender %q does not match connection owner %q", rec.Sender, username)
			return
		}
		if rec.Kind != wire.KindMessage && rec.Receiver != wire.ServerUser {
			logger.Errorf("acl violation: kind %q aimed at peer %q", rec.Kind, rec.Receiver)
			return
		}

		switch rec.Kind {
		case wire.KindRegister, wire.KindLogin, wire.KindRequestSalt, wire.KindIdentity:
			// allowed before login
		default:
			sess.mu.Lock()
			loggedIn := sess.loggedIn
			sess.mu.Unlock()
			if !loggedIn {
				logger.Errorf("kind %q requires login", rec.Kind)
				return
			}
		}

		switch rec.Kind {
		case wire.KindIdentity:
			logger.Errorf("unexpected identity record after handshake")
			return
		case wire.KindRegister:
			s.handleRegister(sess, rec)
		case wire.KindLogin:
			s.handleLogin(sess, username, rec)
		case wire.KindRequestSalt:
			s.handleRequestSalt(sess, rec)
		case wire.KindX3DHRequest:
			s.handleBundleRequest(sess, rec)
		case wire.KindX3DHKeys:
			s.handleOPKReplenish(sess, rec)
		case wire.KindMessage:
			s.forwardMessage(sess, rec)
		case wire.KindX3DHReaction:
			s.forwardReaction(sess, rec)
		case wire.KindReset:
			s.handleReset(sess, rec)
		default:
			logger.Errorf("unknown kind %q", rec.Kind)
			return
		}
	}
}

func connTag(conn net.Conn) string {
	if conn.RemoteAddr() == nil {
		return "conn"
	}
	return conn.RemoteAddr().String()
}

// statusReply builds a server reply that echoes the originating request's
// own kind, carrying a "status" field ("success"/"error"/"not_registered"/
// "registered") rather than switching to a separate reply kind. This
// matches the wire protocol's convention of reusing the request kind for
// its response, discriminated only by payload content.
func statusReply(to string, kind wire.Kind, status string, extra map[string]serializer.Value) wire.Record {
	payload := map[string]serializer.Value{"status": serializer.String(status)}
	for k, v := range extra {
		payload[k] = v
	}
	return wire.Record{Sender: wire.ServerUser, Receiver: to, Kind: kind, Payload: payload}
}

func stringField(m map[string]serializer.Value, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v.Tag != serializer.TagString {
		return "", false
	}
	return v.Str, true
}

func bytesField(m map[string]serializer.Value, key string) ([]byte, bool) {
	v, ok := m[key]
	if !ok || (v.Tag != serializer.TagBytes && v.Tag != serializer.TagVerKey && v.Tag != serializer.TagSignKey) {
		return nil, false
	}
	return v.Bytes, true
}

func listField(m map[string]serializer.Value, key string) ([]serializer.Value, bool) {
	v, ok := m[key]
	if !ok || v.Tag != serializer.TagList {
		return nil, false
	}
	return v.List, true
}

// connectedSession returns the local session for username, if this
// process currently holds its connection.
func (s *Server) connectedSession(username string) (*session, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	sess, ok := s.connections[username]
	return sess, ok
}
