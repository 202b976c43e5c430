package client

import (
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
)

// Reset sends a reset request for target ("server" for a full account
// reset, otherwise a peer username) and clears the corresponding local
// state optimistically, without waiting for the server's reply: matching
// the source, which never acks a successful reset, only an error for an
// invalid peer target.
func (c *Client) Reset(target string) error {
	sendErr := c.sendToServer(wire.KindReset, map[string]serializer.Value{
		"target": serializer.String(target),
	})

	if target == wire.ServerUser {
		if err := c.store.Clear(); err != nil {
			c.log.Errorf("clear local state: %v", err)
		}
		return sendErr
	}

	if err := c.clearPeerState(target); err != nil {
		c.log.Errorf("clear local state for %s: %v", target, err)
	}
	return sendErr
}

// handleResetNotice processes a reset record received from the server:
// either a fan-out notice that a peer reset their account or their chat
// with this client, or an error reply to a reset this client requested.
func (c *Client) handleResetNotice(rec wire.Record) {
	status, _ := stringField(rec.Payload, "status")
	switch status {
	case "request":
		peer := rec.Sender
		if peer == wire.ServerUser {
			if s, ok := stringField(rec.Payload, "sender"); ok {
				peer = s
			}
		}
		c.log.Debugf("received reset notice for %s", peer)
		if err := c.clearPeerState(peer); err != nil {
			c.log.Errorf("clear local state for %s: %v", peer, err)
		}
	case "error":
		errMsg, _ := stringField(rec.Payload, "error")
		c.log.Errorf("reset failed: %s", errMsg)
	default:
		c.log.Errorf("unexpected reset status %q", status)
	}
}
