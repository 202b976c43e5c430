// Package client implements the per-user session state described by the
// protocol's client side: registration and login, X3DH initiation and
// response, Double Ratchet chat send/receive, and reset, all driven by
// records read off the connection and dispatched through OnRecord.
//
// A Client owns no goroutines of its own. The caller (typically a
// receive loop reading frames off the connection and a separate loop
// reading commands from the user, per §5's two-thread model) drives it by
// calling the exported operations and feeding every received Record to
// OnRecord.
package client

import (
	"net"
	"sync"

	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
)

const (
	keyKeys          = "keys"
	keySalt          = "salt"
	keyPepper        = "pepper"
	keyChats         = "chats"
	keySharedSecrets = "shared_secrets"
	keyKeyBundles    = "key_bundles"
)

// Client holds one user's live connection plus the per-peer session state
// kept in its local encrypted store: pending shared secrets awaiting a
// Chat, fetched peer signed prekeys, and established Double Ratchet
// sessions.
type Client struct {
	username string
	store    *store.Store
	log      *relaylog.Logger

	connMu sync.Mutex
	conn   net.Conn

	authMu          sync.Mutex
	pendingPassword string
}

// New constructs a Client bound to an already-connected frame stream and
// its per-user local store.
func New(username string, db *store.Store, conn net.Conn, logger *relaylog.Logger) *Client {
	return &Client{username: username, store: db, conn: conn, log: logger}
}

func (c *Client) send(rec wire.Record) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return wire.WriteFrame(c.conn, rec)
}

func (c *Client) sendToServer(kind wire.Kind, payload map[string]serializer.Value) error {
	return c.send(wire.Record{Sender: c.username, Receiver: wire.ServerUser, Kind: kind, Payload: payload})
}

// Identify sends the identity handshake record that begins every session.
func (c *Client) Identify() error {
	return c.sendToServer(wire.KindIdentity, map[string]serializer.Value{
		"username": serializer.String(c.username),
	})
}

// OnRecord dispatches one record received from the server to the handler
// for its kind, mirroring the server's own dispatch loop.
func (c *Client) OnRecord(rec wire.Record) {
	switch rec.Kind {
	case wire.KindStatusRequest:
		c.handleStatus(rec)
	case wire.KindRegister:
		c.handleRegisterReply(rec)
	case wire.KindLogin:
		c.handleLoginReply(rec)
	case wire.KindAnswerSalt:
		c.handleAnswerSalt(rec)
	case wire.KindX3DHRequest:
		c.handleBundleAnswer(rec)
	case wire.KindX3DHReaction:
		c.handleReactionForward(rec)
	case wire.KindX3DHKeys:
		c.handleKeyRequest(rec)
	case wire.KindMessage:
		c.handleMessage(rec)
	case wire.KindReset:
		c.handleResetNotice(rec)
	default:
		c.log.Errorf("received unhandled kind %q from %s", rec.Kind, rec.Sender)
	}
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
