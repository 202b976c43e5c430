package client

import (
	"net"
	"path/filepath"
	"testing"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/ratchet"
	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
	"github.com/relaychat/relay/internal/x3dh"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, username string) (*Client, net.Conn) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenCipher(filepath.Join(dir, "database.json"), filepath.Join(dir, "key.txt"))
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	c := New(username, db, clientConn, relaylog.New(username))
	return c, serverConn
}

func TestLocalKeysRoundTrip(t *testing.T) {
	keys, err := generateLocalKeys()
	require.NoError(t, err)
	require.Len(t, keys.OPKPriv, initialOPKCount)

	encoded := encodeLocalKeys(keys)
	decoded, err := decodeLocalKeys(encoded)
	require.NoError(t, err)

	require.Equal(t, keys.IdentityPriv.Bytes(), decoded.IdentityPriv.Bytes())
	require.Equal(t, rcrypto.EncodePublic(keys.PrekeyPub), rcrypto.EncodePublic(decoded.PrekeyPub))
	require.Equal(t, keys.Sigma, decoded.Sigma)
	require.Len(t, decoded.OPKPriv, initialOPKCount)
	require.Equal(t, keys.OPKPriv[0].Bytes(), decoded.OPKPriv[0].Bytes())
}

func TestRatchetStateRoundTripThroughCodec(t *testing.T) {
	secret, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)
	respKP, err := rcrypto.GenKP()
	require.NoError(t, err)

	initiator := ratchet.NewInitiator(secret, respKP.Public)
	msg, err := initiator.Encrypt([]byte("hello"))
	require.NoError(t, err)

	encoded := encodeRatchetState(initiator)
	require.Equal(t, serializer.TagRatchet, encoded.Tag)
	decoded, err := decodeRatchetState(encoded)
	require.NoError(t, err)
	require.Equal(t, initiator.CK, decoded.CK)
	require.Equal(t, initiator.Index, decoded.Index)
	require.Equal(t, initiator.LastSender, decoded.LastSender)

	responder := ratchet.NewResponder(secret, respKP.Private, respKP.Public)
	pt, err := responder.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestRegisterSendsKeyBundleAndRawPassword(t *testing.T) {
	c, serverConn := newTestClient(t, "alice")

	go func() {
		_ = c.Register("hunter2")
	}()

	rec, err := wire.ReadFrame(serverConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindRegister, rec.Kind)
	require.Equal(t, "alice", rec.Sender)
	require.Equal(t, wire.ServerUser, rec.Receiver)

	pw, ok := stringField(rec.Payload, "password")
	require.True(t, ok)
	require.Equal(t, "hunter2", pw)

	opks, ok := listField(rec.Payload, "opks")
	require.True(t, ok)
	require.Len(t, opks, initialOPKCount)

	_, ok = bytesField(rec.Payload, "ipk")
	require.True(t, ok)
	_, ok = bytesField(rec.Payload, "sigma")
	require.True(t, ok)
}

func TestHandleRegisterReplyPersistsSaltAndPepper(t *testing.T) {
	c, _ := newTestClient(t, "alice")

	salt, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)
	pepper, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)

	c.OnRecord(wire.Record{
		Sender: wire.ServerUser, Receiver: "alice", Kind: wire.KindRegister,
		Payload: map[string]serializer.Value{
			"status": serializer.String("success"),
			"salt":   serializer.Bytes(salt),
			"pepper": serializer.Bytes(pepper),
		},
	})

	gotSalt, gotPepper, ok := c.loadSaltAndPepper()
	require.True(t, ok)
	require.Equal(t, salt, gotSalt)
	require.Equal(t, pepper, gotPepper)
}

func TestLoginUsesCachedSaltWithoutRequestingIt(t *testing.T) {
	c, serverConn := newTestClient(t, "alice")

	salt, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)
	pepper, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)
	require.NoError(t, c.store.Insert(keySalt, serializer.Bytes(salt)))
	require.NoError(t, c.store.Insert(keyPepper, serializer.Bytes(pepper)))

	go func() {
		_ = c.Login("hunter2")
	}()

	rec, err := wire.ReadFrame(serverConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindLogin, rec.Kind)
	salted, ok := bytesField(rec.Payload, "salted_password")
	require.True(t, ok)
	require.Equal(t, rcrypto.SaltPassword("hunter2", salt, pepper), salted)
}

func TestLoginWithoutCachedSaltRequestsItFirst(t *testing.T) {
	c, serverConn := newTestClient(t, "alice")

	go func() {
		_ = c.Login("hunter2")
	}()

	rec, err := wire.ReadFrame(serverConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindRequestSalt, rec.Kind)
}

func TestSendTextWithoutSharedSecretFails(t *testing.T) {
	c, _ := newTestClient(t, "alice")
	err := c.SendText("bob", "hello")
	require.Error(t, err)
}

func TestSendTextRejectsEmptyMessage(t *testing.T) {
	c, _ := newTestClient(t, "alice")
	err := c.SendText("bob", "   ")
	require.Error(t, err)
}

// TestX3DHInitiatorFlowEstablishesSharedSecretAndRepliesWithReaction builds
// a synthetic responder's key bundle, feeds it to the client as though the
// server had answered an InitiateX3DH request, and checks both that the
// client derives the same shared secret a real responder would and that
// it replies with a well-formed encrypted reaction.
func TestX3DHInitiatorFlowEstablishesSharedSecretAndRepliesWithReaction(t *testing.T) {
	c, serverConn := newTestClient(t, "alice")

	respIK, err := rcrypto.GenKP()
	require.NoError(t, err)
	respSPK, err := rcrypto.GenKP()
	require.NoError(t, err)
	respOPK, err := rcrypto.GenKP()
	require.NoError(t, err)
	sigma, err := rcrypto.Sign(respIK.Private, rcrypto.EncodePublic(respSPK.Public))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.OnRecord(wire.Record{
			Sender: wire.ServerUser, Receiver: "alice", Kind: wire.KindX3DHRequest,
			Payload: map[string]serializer.Value{
				"status": serializer.String("success"),
				"owner":  serializer.String("bob"),
				"ipk":    serializer.VerKey(rcrypto.EncodePublic(respIK.Public)),
				"spk":    serializer.VerKey(rcrypto.EncodePublic(respSPK.Public)),
				"sigma":  serializer.Bytes(sigma),
				"opk":    serializer.VerKey(rcrypto.EncodePublic(respOPK.Public)),
			},
		})
		close(done)
	}()

	rec, err := wire.ReadFrame(serverConn)
	require.NoError(t, err)
	<-done

	require.Equal(t, wire.KindX3DHReaction, rec.Kind)
	target, ok := stringField(rec.Payload, "target")
	require.True(t, ok)
	require.Equal(t, "bob", target)

	aliceIPKRaw, ok := bytesField(rec.Payload, "ipk")
	require.True(t, ok)
	epkRaw, ok := bytesField(rec.Payload, "epk")
	require.True(t, ok)
	iv, ok := bytesField(rec.Payload, "iv")
	require.True(t, ok)
	ct, ok := bytesField(rec.Payload, "cipher")
	require.True(t, ok)
	tag, ok := bytesField(rec.Payload, "tag")
	require.True(t, ok)

	aliceIPK, err := rcrypto.ParsePublic(aliceIPKRaw)
	require.NoError(t, err)
	epk, err := rcrypto.ParsePublic(epkRaw)
	require.NoError(t, err)

	result, err := x3dh.DeriveResponder(respSPK.Private, respIK.Private, respOPK.Private, aliceIPK, epk)
	require.NoError(t, err)

	aad := x3dh.ReactionAAD(aliceIPK, respIK.Public)
	pt, err := rcrypto.AEADDec(result.SharedSecret, iv, ct, aad, tag)
	require.NoError(t, err)
	require.Equal(t, "alice", string(pt))

	secrets, err := c.loadSharedSecrets()
	require.NoError(t, err)
	require.Equal(t, result.SharedSecret, secrets["bob"])
}

func TestResetClearsLocalPeerStateEagerly(t *testing.T) {
	c, serverConn := newTestClient(t, "alice")
	require.NoError(t, c.storeSharedSecret("bob", []byte("deadbeefdeadbeefdeadbeefdeadbeef")))
	require.NoError(t, c.storeKeyBundle("bob", []byte{1, 2, 3}))

	done := make(chan struct{})
	go func() {
		_ = c.Reset("bob")
		close(done)
	}()

	rec, err := wire.ReadFrame(serverConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindReset, rec.Kind)
	target, ok := stringField(rec.Payload, "target")
	require.True(t, ok)
	require.Equal(t, "bob", target)
	<-done

	require.False(t, c.hasChatOrSecret("bob"))
	_, ok = c.getKeyBundleSPK("bob")
	require.False(t, ok)
}

func TestHandleResetNoticeClearsNamedPeer(t *testing.T) {
	c, _ := newTestClient(t, "alice")
	require.NoError(t, c.storeSharedSecret("bob", []byte("deadbeefdeadbeefdeadbeefdeadbeef")))

	c.OnRecord(wire.Record{
		Sender: wire.ServerUser, Receiver: "alice", Kind: wire.KindReset,
		Payload: map[string]serializer.Value{
			"status": serializer.String("request"),
			"sender": serializer.String("bob"),
		},
	})

	require.False(t, c.hasChatOrSecret("bob"))
}
