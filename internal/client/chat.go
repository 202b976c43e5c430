package client

import (
	"fmt"
	"strings"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/ratchet"
	"github.com/relaychat/relay/internal/wire"
)

// SendText encrypts text under the Double Ratchet session with target,
// establishing it first from a pending shared secret and key bundle if one
// does not exist yet.
func (c *Client) SendText(target, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("client: empty messages are not allowed")
	}
	drs, err := c.initChatSender(target)
	if err != nil {
		return err
	}
	msg, err := drs.Encrypt([]byte(text))
	if err != nil {
		return err
	}
	if err := c.saveChat(target, drs); err != nil {
		return err
	}
	return c.send(wire.Record{
		Sender: c.username, Receiver: target, Kind: wire.KindMessage,
		Payload: encodeRatchetMessage(msg),
	})
}

func (c *Client) initChatSender(target string) (*ratchet.State, error) {
	chats, err := c.loadChats()
	if err != nil {
		return nil, err
	}
	if drs, ok := chats[target]; ok {
		return drs, nil
	}

	secret, ok, err := c.popSharedSecret(target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("client: no shared secret for %s, call InitiateX3DH first", target)
	}
	peerSPKRaw, ok := c.getKeyBundleSPK(target)
	if !ok {
		return nil, fmt.Errorf("client: no key bundle for %s", target)
	}
	peerSPK, err := rcrypto.ParsePublic(peerSPKRaw)
	if err != nil {
		return nil, err
	}

	drs := ratchet.NewInitiator(secret, peerSPK)
	if err := c.saveChat(target, drs); err != nil {
		return nil, err
	}
	return drs, nil
}

// handleMessage processes an incoming message record: either a plain chat
// message from a peer, decrypted through that peer's ratchet, or an error
// the server sends back (still carried as kind message) about a message
// this client tried to send to an unregistered peer.
func (c *Client) handleMessage(rec wire.Record) {
	if rec.Sender == wire.ServerUser {
		if status, ok := stringField(rec.Payload, "status"); ok && status == "error" {
			errMsg, _ := stringField(rec.Payload, "error")
			c.log.Errorf("server: %s", errMsg)
			return
		}
		if msg, ok := stringField(rec.Payload, "message"); ok {
			c.log.Debugf("server: %s", msg)
		}
		return
	}

	drs, err := c.initChatReceiver(rec.Sender)
	if err != nil {
		c.log.Errorf("open chat with %s: %v", rec.Sender, err)
		return
	}
	if drs == nil {
		c.log.Errorf("no chat or shared secret with %s, dropping message", rec.Sender)
		return
	}

	msg, err := decodeRatchetMessage(rec.Payload)
	if err != nil {
		c.log.Errorf("received malformed message from %s", rec.Sender)
		return
	}
	pt, err := drs.Decrypt(msg)
	if err != nil {
		c.log.Errorf("failed to decrypt message from %s", rec.Sender)
		return
	}
	if err := c.saveChat(rec.Sender, drs); err != nil {
		c.log.Errorf("persist chat with %s: %v", rec.Sender, err)
	}
	c.log.Debugf("%s: %s", rec.Sender, string(pt))
}

func (c *Client) initChatReceiver(sender string) (*ratchet.State, error) {
	chats, err := c.loadChats()
	if err != nil {
		return nil, err
	}
	if drs, ok := chats[sender]; ok {
		return drs, nil
	}

	secret, ok, err := c.popSharedSecret(sender)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	keys, err := c.loadOrGenerateKeys()
	if err != nil {
		return nil, err
	}
	drs := ratchet.NewResponder(secret, keys.PrekeyPriv, keys.PrekeyPub)
	if err := c.saveChat(sender, drs); err != nil {
		return nil, err
	}
	return drs, nil
}
