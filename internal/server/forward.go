package server

import (
	"github.com/relaychat/relay/internal/audit"
	"github.com/relaychat/relay/internal/relaymetrics"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
)

// DeliverLocal hands a record decoded from another relay process's
// federation inbox to this process's own delivery path, exactly as if it
// had arrived from a locally connected sender. A cmd/relayserver's
// Federation.Subscribe loop is the only intended caller.
func (s *Server) DeliverLocal(rec wire.Record) {
	s.deliver(rec)
}

// deliver sends rec to its Receiver: straight to the live connection if
// the receiver is online locally (or, failing that, via federation if
// configured), otherwise appended to the receiver's offline queue.
func (s *Server) deliver(rec wire.Record) {
	if sess, ok := s.connectedSession(rec.Receiver); ok {
		_ = sess.send(rec)
		return
	}
	if s.fed != nil {
		if serverID, err := s.fed.Locate(rec.Receiver); err == nil {
			if frame, encErr := wire.Encode(rec); encErr == nil {
				if delivErr := s.fed.Deliver(serverID, rec.Receiver, frame); delivErr == nil {
					return
				}
			}
		}
	}
	s.enqueueOffline(rec)
}

// forwardMessage implements §4.7's plain-message forward: the client
// already addressed the record directly to its peer (the only kind the
// ACL lets through that way), so it is delivered unchanged save for the
// not-registered/offline bookkeeping.
func (s *Server) forwardMessage(sess *session, rec wire.Record) {
	target := rec.Receiver
	targetView, ok := s.userRecord(target)
	if !ok || !targetView.Registered {
		_ = sess.send(statusReply(rec.Sender, wire.KindMessage, "error", map[string]serializer.Value{
			"error": serializer.String(target + " is not registered"),
		}))
		return
	}
	s.deliver(rec)
}

// forwardReaction implements §4.7's x3dh_reaction forward: the client
// addresses the record to "server" with the real peer named in a payload
// "target" field; the server re-injects the authenticated sender into the
// payload and only then builds the peer-addressed outbound record.
func (s *Server) forwardReaction(sess *session, rec wire.Record) {
	target, ok := stringField(rec.Payload, "target")
	if !ok || !wire.CheckUsername(target) {
		_ = sess.send(statusReply(rec.Sender, wire.KindX3DHReaction, "error", map[string]serializer.Value{
			"error": serializer.String("no valid target specified"),
		}))
		return
	}
	targetView, ok := s.userRecord(target)
	if !ok || !targetView.Registered {
		_ = sess.send(statusReply(rec.Sender, wire.KindX3DHReaction, "error", map[string]serializer.Value{
			"error": serializer.String(target + " is not registered"),
		}))
		return
	}

	forwarded := map[string]serializer.Value{"sender": serializer.String(rec.Sender)}
	for k, v := range rec.Payload {
		forwarded[k] = v
	}
	s.deliver(wire.Record{
		Sender: wire.ServerUser, Receiver: target, Kind: wire.KindX3DHReaction,
		Payload: forwarded,
	})
}

func (s *Server) enqueueOffline(rec wire.Record) {
	blob, err := wire.Encode(rec)
	if err != nil {
		return
	}

	var depth int
	var dropped bool
	_ = s.db.Mutate(userKey(rec.Receiver), func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, nil
		}
		cur := decodeUserView(v.Dict)
		cur.OfflineQueue = append(cur.OfflineQueue, blob)
		if len(cur.OfflineQueue) > s.offlineCap {
			cur.OfflineQueue = cur.OfflineQueue[1:]
			dropped = true
		}
		depth = len(cur.OfflineQueue)
		return encodeUserDict(cur), nil
	})

	relaymetrics.OfflineQueueDepth.WithLabelValues(rec.Receiver).Set(float64(depth))
	if dropped {
		relaymetrics.OfflineQueueOverflow.WithLabelValues(rec.Receiver).Inc()
	}
}

// handleReset implements §4.7 reset: the client addresses the record to
// "server" and names the real target ("server" for a full self-reset, or
// a peer username) in a payload "target" field, mirroring the addressing
// convention of bundle requests and reactions. A self-reset deletes the
// user's record and fans a reset notice out to every other registered
// user (online or via their offline queue), then terminates the
// connection; a peer-targeted reset delivers the notice only to that
// peer. Neither case acks the resetting client beyond an error reply for
// an invalid peer target.
func (s *Server) handleReset(sess *session, rec wire.Record) {
	username := rec.Sender
	target, ok := stringField(rec.Payload, "target")
	if !ok {
		_ = sess.send(statusReply(username, wire.KindReset, "error", map[string]serializer.Value{
			"error": serializer.String("no target specified"),
		}))
		return
	}

	noticeFor := func(to string) wire.Record {
		return wire.Record{
			Sender: wire.ServerUser, Receiver: to, Kind: wire.KindReset,
			Payload: map[string]serializer.Value{
				"sender": serializer.String(username),
				"status": serializer.String("request"),
			},
		}
	}

	if target == wire.ServerUser {
		relaymetrics.ResetsTotal.WithLabelValues("server").Inc()
		s.auditLog(username, audit.EventResetServer, "")

		for _, key := range s.db.Keys() {
			if key == userKey(username) || !isUserKey(key) {
				continue
			}
			peerUsername := key[len("user:"):]
			s.deliver(noticeFor(peerUsername))
		}

		_ = s.db.Delete(userKey(username))
		_ = s.peppers.Delete(username)
		sess.conn.Close()
		return
	}

	if !wire.CheckUsername(target) {
		_ = sess.send(statusReply(username, wire.KindReset, "error", map[string]serializer.Value{
			"error": serializer.String(target + " is invalid"),
		}))
		return
	}
	targetView, ok := s.userRecord(target)
	if !ok || !targetView.Registered {
		_ = sess.send(statusReply(username, wire.KindReset, "error", map[string]serializer.Value{
			"error": serializer.String(target + " is invalid"),
		}))
		return
	}

	relaymetrics.ResetsTotal.WithLabelValues("peer").Inc()
	s.auditLog(username, audit.EventResetPeer, target)
	s.deliver(noticeFor(target))
}

func isUserKey(key string) bool {
	return len(key) > len("user:") && key[:len("user:")] == "user:"
}
