package client

import (
	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/wire"
)

// Register publishes a fresh key bundle (generating one on first use) and
// a raw password, matching the source's registration payload shape. The
// salt and pepper the server derives from it only arrive in the reply.
func (c *Client) Register(password string) error {
	keys, err := c.loadOrGenerateKeys()
	if err != nil {
		return err
	}
	opks := make([]serializer.Value, len(keys.OPKPub))
	for i, pub := range keys.OPKPub {
		opks[i] = serializer.VerKey(rcrypto.EncodePublic(pub))
	}
	return c.sendToServer(wire.KindRegister, map[string]serializer.Value{
		"password": serializer.String(password),
		"ipk":      serializer.VerKey(rcrypto.EncodePublic(keys.IdentityPub)),
		"spk":      serializer.VerKey(rcrypto.EncodePublic(keys.PrekeyPub)),
		"sigma":    serializer.Bytes(keys.Sigma),
		"opks":     serializer.List(opks),
	})
}

// Login sends the login record if a salt and pepper are already on hand
// locally (the common case: they were saved after a prior successful
// register or login), otherwise requests a fresh salt first and completes
// the login once handleAnswerSalt sees the reply.
func (c *Client) Login(password string) error {
	c.authMu.Lock()
	c.pendingPassword = password
	c.authMu.Unlock()

	if salt, pepper, ok := c.loadSaltAndPepper(); ok {
		return c.loginWithSalt(password, salt, pepper)
	}
	return c.sendToServer(wire.KindRequestSalt, map[string]serializer.Value{})
}

func (c *Client) loginWithSalt(password string, salt, pepper []byte) error {
	salted := rcrypto.SaltPassword(password, salt, pepper)
	return c.sendToServer(wire.KindLogin, map[string]serializer.Value{
		"salted_password": serializer.Bytes(salted),
	})
}

func (c *Client) loadSaltAndPepper() (salt, pepper []byte, ok bool) {
	sv, ok1 := c.store.Get(keySalt)
	pv, ok2 := c.store.Get(keyPepper)
	if !ok1 || !ok2 || sv.Tag != serializer.TagBytes || pv.Tag != serializer.TagBytes {
		return nil, nil, false
	}
	return sv.Bytes, pv.Bytes, true
}

// handleStatus reacts to the greeting the server sends right after the
// identity handshake: whether this username is already registered. It
// only logs; the caller decides when to call Register or Login in
// response, since only the caller has the interactive password.
func (c *Client) handleStatus(rec wire.Record) {
	status, _ := stringField(rec.Payload, "status")
	switch status {
	case "not_registered":
		c.log.Debugf("%s is not registered yet", c.username)
	case "registered":
		c.log.Debugf("%s is registered, ready to log in", c.username)
	case "error":
		errMsg, _ := stringField(rec.Payload, "error")
		c.log.Errorf("identity rejected: %s", errMsg)
	default:
		c.log.Errorf("unknown status %q", status)
	}
}

func (c *Client) handleRegisterReply(rec wire.Record) {
	status, _ := stringField(rec.Payload, "status")
	if status == "error" {
		errMsg, _ := stringField(rec.Payload, "error")
		c.log.Errorf("registration failed: %s", errMsg)
		return
	}
	if status != "success" {
		c.log.Errorf("unexpected register status %q", status)
		return
	}
	salt, ok1 := bytesField(rec.Payload, "salt")
	pepper, ok2 := bytesField(rec.Payload, "pepper")
	if !ok1 || !ok2 {
		c.log.Errorf("received incomplete salt/pepper from server")
		return
	}
	if err := c.store.Insert(keySalt, serializer.Bytes(salt)); err != nil {
		c.log.Errorf("persist salt: %v", err)
		return
	}
	if err := c.store.Insert(keyPepper, serializer.Bytes(pepper)); err != nil {
		c.log.Errorf("persist pepper: %v", err)
		return
	}
	c.log.Debugf("registered successfully, call Login to authenticate")
}

func (c *Client) handleLoginReply(rec wire.Record) {
	status, _ := stringField(rec.Payload, "status")
	switch status {
	case "success":
		c.authMu.Lock()
		c.pendingPassword = ""
		c.authMu.Unlock()
		c.log.Debugf("logged in as %s", c.username)
	case "not_registered":
		c.log.Errorf("%s is not registered", c.username)
	case "error":
		errMsg, _ := stringField(rec.Payload, "error")
		c.log.Errorf("login failed: %s", errMsg)
	default:
		c.log.Errorf("unexpected login status %q", status)
	}
}

// handleAnswerSalt completes a login that was waiting on a freshly fetched
// salt. It requires a pepper already on hand: a client that never saw its
// own register success (e.g. a fresh local store talking to an account
// registered elsewhere) has no way to recompute salted_password and must
// register again instead.
func (c *Client) handleAnswerSalt(rec wire.Record) {
	salt, ok := bytesField(rec.Payload, "salt")
	if !ok {
		c.log.Errorf("received invalid salt from server")
		return
	}
	if err := c.store.Insert(keySalt, serializer.Bytes(salt)); err != nil {
		c.log.Errorf("persist salt: %v", err)
		return
	}

	c.authMu.Lock()
	password := c.pendingPassword
	c.authMu.Unlock()
	if password == "" {
		c.log.Debugf("received salt with no login in progress")
		return
	}

	_, pepper, ok := c.loadSaltAndPepper()
	if !ok {
		c.log.Errorf("have salt but no pepper on hand; register before logging in")
		return
	}
	if err := c.loginWithSalt(password, salt, pepper); err != nil {
		c.log.Errorf("login: %v", err)
	}
}
