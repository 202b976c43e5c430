package server

import (
	"time"

	"github.com/relaychat/relay/internal/audit"
	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/relaymetrics"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
)

func userKey(username string) string { return "user:" + username }

// userRecord reads a user's dict from the main store, decoded into a
// convenient view. ok is false if the user has never registered.
func (s *Server) userRecord(username string) (userView, bool) {
	v, ok := s.db.Get(userKey(username))
	if !ok || v.Tag != serializer.TagDict {
		return userView{}, false
	}
	return decodeUserView(v.Dict), true
}

type userView struct {
	Salt           []byte
	SaltedPassword []byte
	IPK            []byte
	SPK            []byte
	Sigma          []byte
	OPKs           [][]byte
	OfflineQueue   [][]byte // each a wire-encoded Record blob
	Registered     bool
}

func decodeUserView(d map[string]serializer.Value) userView {
	var v userView
	v.Salt, _ = bytesField(d, "salt")
	v.SaltedPassword, _ = bytesField(d, "salted_password")
	v.IPK, _ = bytesField(d, "ipk")
	v.SPK, _ = bytesField(d, "spk")
	v.Sigma, _ = bytesField(d, "sigma")
	if opks, ok := listField(d, "opks"); ok {
		for _, o := range opks {
			v.OPKs = append(v.OPKs, o.Bytes)
		}
	}
	if queue, ok := listField(d, "offline_queue"); ok {
		for _, q := range queue {
			v.OfflineQueue = append(v.OfflineQueue, q.Bytes)
		}
	}
	if reg, ok := d["registered"]; ok {
		v.Registered = reg.Bool
	}
	return v
}

func encodeUserDict(v userView) serializer.Value {
	opks := make([]serializer.Value, 0, len(v.OPKs))
	for _, o := range v.OPKs {
		opks = append(opks, serializer.Bytes(o))
	}
	queue := make([]serializer.Value, 0, len(v.OfflineQueue))
	for _, q := range v.OfflineQueue {
		queue = append(queue, serializer.Bytes(q))
	}
	return serializer.Dict(map[string]serializer.Value{
		"salt":            serializer.Bytes(v.Salt),
		"salted_password": serializer.Bytes(v.SaltedPassword),
		"ipk":             serializer.Bytes(v.IPK),
		"spk":             serializer.Bytes(v.SPK),
		"sigma":           serializer.Bytes(v.Sigma),
		"opks":            serializer.List(opks),
		"offline_queue":   serializer.List(queue),
		"registered":      serializer.Bool(v.Registered),
	})
}

// getOrGenSalt returns username's salt, generating and persisting one as a
// minimal (pre-registration) record if none exists yet, mirroring the
// request-salt-before-registering step of the login flow.
func (s *Server) getOrGenSalt(username string) ([]byte, error) {
	if view, ok := s.userRecord(username); ok && len(view.Salt) > 0 {
		return view.Salt, nil
	}
	salt, err := rcrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(userKey(username), serializer.Dict(map[string]serializer.Value{
		"salt": serializer.Bytes(salt),
	})); err != nil {
		return nil, err
	}
	return salt, nil
}

// handleRegister implements §4.7 registration: validates the password and
// key bundle shapes, generates salt/pepper if this is a first-time
// registration, computes the salted password, and persists the record.
func (s *Server) handleRegister(sess *session, rec wire.Record) {
	username := rec.Sender
	pw, ok1 := stringField(rec.Payload, "password")
	ipk, ok2 := bytesField(rec.Payload, "ipk")
	spk, ok3 := bytesField(rec.Payload, "spk")
	sigma, ok4 := bytesField(rec.Payload, "sigma")
	opksRaw, ok5 := listField(rec.Payload, "opks")
	if existing, exists := s.userRecord(username); exists && existing.Registered {
		s.auditLog(username, audit.EventRegisterFailed, "already registered")
		relaymetrics.AuthAttemptsTotal.WithLabelValues("register", "failure").Inc()
		_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
			"error": serializer.String("user is already registered"),
		}))
		return
	}
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || len(opksRaw) == 0 {
		s.auditLog(username, audit.EventRegisterFailed, "invalid key bundle or password")
		relaymetrics.AuthAttemptsTotal.WithLabelValues("register", "failure").Inc()
		_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
			"error": serializer.String("invalid key bundle"),
		}))
		return
	}
	opks := make([][]byte, 0, len(opksRaw))
	for _, o := range opksRaw {
		if o.Tag != serializer.TagVerKey && o.Tag != serializer.TagBytes {
			s.auditLog(username, audit.EventRegisterFailed, "opk not a verifying key")
			relaymetrics.AuthAttemptsTotal.WithLabelValues("register", "failure").Inc()
			_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
				"error": serializer.String("invalid key bundle"),
			}))
			return
		}
		opks = append(opks, o.Bytes)
	}

	salt, err := s.getOrGenSalt(username)
	if err != nil {
		_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
			"error": serializer.String("internal error"),
		}))
		return
	}
	pepper, ok := s.peppers.Get(username)
	if !ok {
		fresh, err := rcrypto.RandomBytes(32)
		if err != nil {
			_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
				"error": serializer.String("internal error"),
			}))
			return
		}
		if err := s.peppers.Insert(username, serializer.Bytes(fresh)); err != nil {
			_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
				"error": serializer.String("internal error"),
			}))
			return
		}
		pepper = serializer.Bytes(fresh)
	}
	salted := rcrypto.SaltPassword(pw, salt, pepper.Bytes)

	view := userView{Salt: salt, SaltedPassword: salted, IPK: ipk, SPK: spk, Sigma: sigma, OPKs: opks, Registered: true}
	if err := s.db.Update(userKey(username), encodeUserDict(view)); err != nil {
		_ = sess.send(statusReply(username, wire.KindRegister, "error", map[string]serializer.Value{
			"error": serializer.String("internal error"),
		}))
		return
	}

	relaymetrics.PreKeysRemaining.WithLabelValues(username).Set(float64(len(opks)))
	s.auditLog(username, audit.EventRegisterSuccess, "")
	relaymetrics.AuthAttemptsTotal.WithLabelValues("register", "success").Inc()

	_ = sess.send(statusReply(username, wire.KindRegister, "success", map[string]serializer.Value{
		"salt":   serializer.Bytes(salt),
		"pepper": pepper,
	}))
}

// handleRequestSalt lets a client re-fetch its own salt, used when it
// needs to recompute salted_password locally without re-registering.
func (s *Server) handleRequestSalt(sess *session, rec wire.Record) {
	username := rec.Sender
	salt, err := s.getOrGenSalt(username)
	if err != nil {
		_ = sess.send(statusReply(username, wire.KindAnswerSalt, "error", map[string]serializer.Value{
			"error": serializer.String("internal error"),
		}))
		return
	}
	_ = sess.send(wire.Record{
		Sender: wire.ServerUser, Receiver: username, Kind: wire.KindAnswerSalt,
		Payload: map[string]serializer.Value{"salt": serializer.Bytes(salt)},
	})
}

// throttled reports whether username has hit the login-failure cap within
// the rolling window, per testable property 7.
func (s *Server) throttled(username string) bool {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	cutoff := time.Now().Add(-s.loginThrottleWindow)
	attempts := s.loginAttempts[username]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.loginAttempts[username] = kept
	return len(kept) >= s.loginThrottleMax
}

func (s *Server) recordLoginFailure(username string) {
	s.loginMu.Lock()
	s.loginAttempts[username] = append(s.loginAttempts[username], time.Now())
	s.loginMu.Unlock()
}

func (s *Server) clearLoginFailures(username string) {
	s.loginMu.Lock()
	delete(s.loginAttempts, username)
	s.loginMu.Unlock()
}

// handleLogin implements §4.7 login: throttle check first, then a
// byte-for-byte comparison of the salted password, then an offline-queue
// flush in FIFO order before the connection is marked logged in.
func (s *Server) handleLogin(sess *session, username string, rec wire.Record) {
	view, ok := s.userRecord(username)
	if !ok || !view.Registered {
		_ = sess.send(statusReply(username, wire.KindLogin, "not_registered", nil))
		return
	}

	if s.throttled(username) {
		relaymetrics.LoginThrottleRejections.WithLabelValues(username).Inc()
		s.auditLog(username, audit.EventLoginThrottled, "")
		relaymetrics.AuthAttemptsTotal.WithLabelValues("login", "throttled").Inc()
		_ = sess.send(statusReply(username, wire.KindLogin, "error", map[string]serializer.Value{
			"error": serializer.String("too many failed login attempts"),
		}))
		return
	}

	salted, ok := bytesField(rec.Payload, "salted_password")
	if !ok || !constantTimeEqual(salted, view.SaltedPassword) {
		s.recordLoginFailure(username)
		s.auditLog(username, audit.EventLoginFailed, "")
		relaymetrics.AuthAttemptsTotal.WithLabelValues("login", "failure").Inc()
		_ = sess.send(statusReply(username, wire.KindLogin, "error", map[string]serializer.Value{
			"error": serializer.String("password incorrect"),
		}))
		return
	}

	s.clearLoginFailures(username)
	s.auditLog(username, audit.EventLoginSuccess, "")
	relaymetrics.AuthAttemptsTotal.WithLabelValues("login", "success").Inc()

	queue := view.OfflineQueue
	_ = s.db.Mutate(userKey(username), func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, nil
		}
		cur := decodeUserView(v.Dict)
		cur.OfflineQueue = nil
		return encodeUserDict(cur), nil
	})
	relaymetrics.OfflineQueueDepth.WithLabelValues(username).Set(0)

	_ = sess.send(statusReply(username, wire.KindLogin, "success", nil))

	for _, blob := range queue {
		queued, err := wire.Decode(blob)
		if err != nil {
			continue
		}
		_ = sess.send(queued)
	}

	sess.mu.Lock()
	sess.loggedIn = true
	sess.mu.Unlock()
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (s *Server) auditLog(username string, eventType audit.EventType, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Log(username, eventType, detail)
}
