package client

import (
	"fmt"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
	"github.com/relaychat/relay/internal/x3dh"
)

const replenishOPKCount = 5

// InitiateX3DH requests target's key bundle from the server, the first
// step of opening a chat as the initiator. It refuses to run again once a
// shared secret or chat already exists for target.
func (c *Client) InitiateX3DH(target string) error {
	if c.hasChatOrSecret(target) {
		return fmt.Errorf("client: already have a shared secret or chat with %s", target)
	}
	return c.sendToServer(wire.KindX3DHRequest, map[string]serializer.Value{
		"target": serializer.String(target),
	})
}

// handleBundleAnswer processes the server's reply to InitiateX3DH: on
// success it verifies the bundle's signature, derives the shared secret,
// and replies with an encrypted reaction the target can use to confirm
// the same secret on their side.
func (c *Client) handleBundleAnswer(rec wire.Record) {
	if status, ok := stringField(rec.Payload, "status"); ok && status == "error" {
		errMsg, _ := stringField(rec.Payload, "error")
		c.log.Errorf("bundle request failed: %s", errMsg)
		return
	}

	owner, ok1 := stringField(rec.Payload, "owner")
	ipkRaw, ok2 := bytesField(rec.Payload, "ipk")
	spkRaw, ok3 := bytesField(rec.Payload, "spk")
	sigma, ok4 := bytesField(rec.Payload, "sigma")
	opkRaw, ok5 := bytesField(rec.Payload, "opk")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		c.log.Errorf("received malformed key bundle")
		return
	}

	ipk, err := rcrypto.ParsePublic(ipkRaw)
	if err != nil {
		c.log.Errorf("bundle from %s: invalid identity key", owner)
		return
	}
	spk, err := rcrypto.ParsePublic(spkRaw)
	if err != nil {
		c.log.Errorf("bundle from %s: invalid signed prekey", owner)
		return
	}
	opk, err := rcrypto.ParsePublic(opkRaw)
	if err != nil {
		c.log.Errorf("bundle from %s: invalid one-time prekey", owner)
		return
	}

	keys, err := c.loadOrGenerateKeys()
	if err != nil {
		c.log.Errorf("load local keys: %v", err)
		return
	}

	bundle := x3dh.FetchedBundle{IdentityKey: ipk, SignedPrekey: spk, Signature: sigma, OneTimePrekey: opk}
	result, err := x3dh.DeriveInitiator(keys.IdentityPriv, bundle)
	if err != nil {
		c.log.Errorf("x3dh handshake with %s aborted: %v", owner, err)
		return
	}

	if err := c.storeKeyBundle(owner, spkRaw); err != nil {
		c.log.Errorf("persist key bundle for %s: %v", owner, err)
		return
	}
	if err := c.storeSharedSecret(owner, result.SharedSecret); err != nil {
		c.log.Errorf("persist shared secret for %s: %v", owner, err)
		return
	}

	plaintext := x3dh.ReactionPlaintext(c.username)
	aad := x3dh.ReactionAAD(keys.IdentityPub, ipk)
	iv, ct, tag, err := rcrypto.AEADEnc(result.SharedSecret, plaintext, aad)
	if err != nil {
		c.log.Errorf("encrypt reaction for %s: %v", owner, err)
		return
	}

	err = c.sendToServer(wire.KindX3DHReaction, map[string]serializer.Value{
		"target": serializer.String(owner),
		"ipk":    serializer.VerKey(rcrypto.EncodePublic(keys.IdentityPub)),
		"epk":    serializer.VerKey(rcrypto.EncodePublic(result.EphemeralPub)),
		"spk":    serializer.VerKey(rcrypto.EncodePublic(keys.PrekeyPub)),
		"iv":     serializer.Bytes(iv),
		"cipher": serializer.Bytes(ct),
		"tag":    serializer.Bytes(tag),
	})
	if err != nil {
		c.log.Errorf("send reaction to %s: %v", owner, err)
	}
}

// handleReactionForward processes a forwarded x3dh_reaction: this client
// is the responder, confirming the initiator derived the same shared
// secret by decrypting a known plaintext (the initiator's own username).
func (c *Client) handleReactionForward(rec wire.Record) {
	sender, ok0 := stringField(rec.Payload, "sender")
	ipkRaw, ok1 := bytesField(rec.Payload, "ipk")
	epkRaw, ok2 := bytesField(rec.Payload, "epk")
	spkRaw, ok3 := bytesField(rec.Payload, "spk")
	iv, ok4 := bytesField(rec.Payload, "iv")
	ct, ok5 := bytesField(rec.Payload, "cipher")
	tag, ok6 := bytesField(rec.Payload, "tag")
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		c.log.Errorf("received x3dh reaction with missing fields")
		return
	}

	ipkA, err := rcrypto.ParsePublic(ipkRaw)
	if err != nil {
		c.log.Errorf("reaction from %s: invalid identity key", sender)
		return
	}
	epkA, err := rcrypto.ParsePublic(epkRaw)
	if err != nil {
		c.log.Errorf("reaction from %s: invalid ephemeral key", sender)
		return
	}

	keys, err := c.loadOrGenerateKeys()
	if err != nil {
		c.log.Errorf("load local keys: %v", err)
		return
	}

	opkPriv, _, popped, remaining, err := c.popFirstOPK()
	if err != nil {
		c.log.Errorf("pop one-time prekey: %v", err)
		return
	}
	if !popped {
		c.log.Errorf("no local one-time prekeys left to respond to %s", sender)
		return
	}
	if remaining == 0 {
		c.log.Debugf("no more one-time prekeys left, generating new ones")
		if err := c.replenishOPKs(); err != nil {
			c.log.Errorf("replenish one-time prekeys: %v", err)
		}
	}

	result, err := x3dh.DeriveResponder(keys.PrekeyPriv, keys.IdentityPriv, opkPriv, ipkA, epkA)
	if err != nil {
		c.log.Errorf("derive shared secret with %s: %v", sender, err)
		return
	}

	aad := x3dh.ReactionAAD(ipkA, keys.IdentityPub)
	plaintext, err := rcrypto.AEADDec(result.SharedSecret, iv, ct, aad, tag)
	if err != nil || string(plaintext) != sender {
		c.log.Errorf("x3dh reaction from %s failed to verify", sender)
		return
	}

	if err := c.storeSharedSecret(sender, result.SharedSecret); err != nil {
		c.log.Errorf("persist shared secret for %s: %v", sender, err)
		return
	}
	if err := c.storeKeyBundle(sender, spkRaw); err != nil {
		c.log.Errorf("persist key bundle for %s: %v", sender, err)
		return
	}
	c.log.Debugf("established shared secret with %s", sender)
}

// handleKeyRequest processes x3dh_keys records: either the server asking
// this client to replenish an exhausted one-time prekey pool (an empty
// payload), or the server's ack of a submission this client already made.
func (c *Client) handleKeyRequest(rec wire.Record) {
	if status, ok := stringField(rec.Payload, "status"); ok {
		if status == "error" {
			errMsg, _ := stringField(rec.Payload, "error")
			c.log.Errorf("prekey replenishment rejected: %s", errMsg)
		} else {
			c.log.Debugf("server accepted new one-time prekeys")
		}
		return
	}
	if err := c.replenishOPKs(); err != nil {
		c.log.Errorf("replenish one-time prekeys: %v", err)
	}
}

func (c *Client) replenishOPKs() error {
	fresh, err := c.addNewPreKeys(replenishOPKCount)
	if err != nil {
		return err
	}
	opks := make([]serializer.Value, len(fresh))
	for i, p := range fresh {
		opks[i] = serializer.VerKey(rcrypto.EncodePublic(p))
	}
	return c.sendToServer(wire.KindX3DHKeys, map[string]serializer.Value{"opks": serializer.List(opks)})
}
