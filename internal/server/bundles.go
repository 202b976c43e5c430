package server

import (
	"github.com/relaychat/relay/internal/relaymetrics"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
)

// handleBundleRequest implements §4.7's bundle request: pop the target's
// first one-time prekey atomically and persist before replying; if the
// pool is empty, return an error and asynchronously ask the target to
// replenish.
func (s *Server) handleBundleRequest(sess *session, rec wire.Record) {
	requester := rec.Sender
	target, ok := stringField(rec.Payload, "target")
	if !ok || !wire.CheckUsername(target) {
		_ = sess.send(statusReply(requester, wire.KindX3DHRequest, "error", map[string]serializer.Value{
			"error": serializer.String("no valid target specified"),
		}))
		return
	}

	targetView, ok := s.userRecord(target)
	if !ok || !targetView.Registered {
		relaymetrics.X3DHHandshakesTotal.WithLabelValues("target_not_registered").Inc()
		_ = sess.send(statusReply(requester, wire.KindX3DHRequest, "error", map[string]serializer.Value{
			"error": serializer.String(target + " is not registered"),
		}))
		return
	}

	var popped []byte
	err := s.db.Mutate(userKey(target), func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, nil
		}
		cur := decodeUserView(v.Dict)
		if len(cur.OPKs) > 0 {
			popped = cur.OPKs[0]
			cur.OPKs = cur.OPKs[1:]
		}
		return encodeUserDict(cur), nil
	})
	if err != nil {
		_ = sess.send(statusReply(requester, wire.KindX3DHRequest, "error", map[string]serializer.Value{
			"error": serializer.String("internal error"),
		}))
		return
	}

	relaymetrics.PreKeysRemaining.WithLabelValues(target).Set(float64(len(targetView.OPKs) - boolToInt(popped != nil)))

	if popped == nil {
		relaymetrics.X3DHHandshakesTotal.WithLabelValues("bundle_unavailable").Inc()
		replenishPrompt := wire.Record{
			Sender: wire.ServerUser, Receiver: target, Kind: wire.KindX3DHKeys,
			Payload: map[string]serializer.Value{},
		}
		reason := target + " doesn't have keys left and is offline"
		if targetSess, ok := s.connectedSession(target); ok {
			_ = targetSess.send(replenishPrompt)
			reason = target + " doesn't have keys left, try again"
		} else {
			s.enqueueOffline(replenishPrompt)
		}
		_ = sess.send(statusReply(requester, wire.KindX3DHRequest, "error", map[string]serializer.Value{
			"error": serializer.String(reason),
		}))
		return
	}

	relaymetrics.X3DHHandshakesTotal.WithLabelValues("completed").Inc()
	_ = sess.send(statusReply(requester, wire.KindX3DHRequest, "success", map[string]serializer.Value{
		"owner": serializer.String(target),
		"ipk":   serializer.Bytes(targetView.IPK),
		"spk":   serializer.Bytes(targetView.SPK),
		"sigma": serializer.Bytes(targetView.Sigma),
		"opk":   serializer.Bytes(popped),
	}))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// handleOPKReplenish appends a batch of freshly published one-time
// prekeys to sender's pool, replying with the same kind and a status field
// per the bundle-request reply convention.
func (s *Server) handleOPKReplenish(sess *session, rec wire.Record) {
	username := rec.Sender
	opksRaw, ok := listField(rec.Payload, "opks")
	if !ok || len(opksRaw) == 0 {
		_ = sess.send(statusReply(username, wire.KindX3DHKeys, "error", map[string]serializer.Value{
			"error": serializer.String("invalid OPKs"),
		}))
		return
	}
	added := make([][]byte, 0, len(opksRaw))
	for _, o := range opksRaw {
		if o.Tag != serializer.TagVerKey && o.Tag != serializer.TagBytes {
			_ = sess.send(statusReply(username, wire.KindX3DHKeys, "error", map[string]serializer.Value{
				"error": serializer.String("invalid OPKs"),
			}))
			return
		}
		added = append(added, o.Bytes)
	}

	var total int
	_ = s.db.Mutate(userKey(username), func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, nil
		}
		cur := decodeUserView(v.Dict)
		cur.OPKs = append(cur.OPKs, added...)
		total = len(cur.OPKs)
		return encodeUserDict(cur), nil
	})
	relaymetrics.PreKeysReplenished.WithLabelValues(username).Inc()
	relaymetrics.PreKeysRemaining.WithLabelValues(username).Set(float64(total))
	_ = sess.send(statusReply(username, wire.KindX3DHKeys, "success", nil))
}
