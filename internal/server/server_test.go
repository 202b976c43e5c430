package server

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/serializer"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenPlain(filepath.Join(dir, "database.json"))
	require.NoError(t, err)
	peppers, err := store.OpenCipher(filepath.Join(dir, "peppers.csv"), filepath.Join(dir, "key.txt"))
	require.NoError(t, err)
	return New(db, peppers, relaylog.New("test"), opts)
}

// connectUser dials a fresh net.Pipe into srv.HandleConn and completes the
// identity handshake, returning the client-side conn and the status the
// server greeted it with.
func connectUser(t *testing.T, srv *Server, username string) (net.Conn, string) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })
	go srv.HandleConn(serverConn)

	require.NoError(t, wire.WriteFrame(clientConn, wire.Record{
		Sender: username, Receiver: wire.ServerUser, Kind: wire.KindIdentity,
		Payload: map[string]serializer.Value{"username": serializer.String(username)},
	}))
	rec, err := wire.ReadFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindStatusRequest, rec.Kind)
	return clientConn, rec.Payload["status"].Str
}

func genBundle(t *testing.T, nOPKs int) (ipk, spk, sigma []byte, opks []serializer.Value) {
	t.Helper()
	ikp, err := rcrypto.GenKP()
	require.NoError(t, err)
	spkp, err := rcrypto.GenKP()
	require.NoError(t, err)
	sig, err := rcrypto.Sign(ikp.Private, rcrypto.EncodePublic(spkp.Public))
	require.NoError(t, err)

	opks = make([]serializer.Value, nOPKs)
	for i := range opks {
		kp, err := rcrypto.GenKP()
		require.NoError(t, err)
		opks[i] = serializer.VerKey(rcrypto.EncodePublic(kp.Public))
	}
	return rcrypto.EncodePublic(ikp.Public), rcrypto.EncodePublic(spkp.Public), sig, opks
}

func registerUser(t *testing.T, conn net.Conn, username, password string, nOPKs int) (salt, pepper []byte) {
	t.Helper()
	ipk, spk, sigma, opks := genBundle(t, nOPKs)

	require.NoError(t, wire.WriteFrame(conn, wire.Record{
		Sender: username, Receiver: wire.ServerUser, Kind: wire.KindRegister,
		Payload: map[string]serializer.Value{
			"password": serializer.String(password),
			"ipk":      serializer.VerKey(ipk),
			"spk":      serializer.VerKey(spk),
			"sigma":    serializer.Bytes(sigma),
			"opks":     serializer.List(opks),
		},
	}))
	rec, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindRegister, rec.Kind)
	require.Equal(t, "success", rec.Payload["status"].Str)
	return rec.Payload["salt"].Bytes, rec.Payload["pepper"].Bytes
}

func loginUser(t *testing.T, conn net.Conn, username, password string, salt, pepper []byte) {
	t.Helper()
	rec := attemptLogin(t, conn, username, password, salt, pepper)
	require.Equal(t, "success", rec.Payload["status"].Str)
}

func attemptLogin(t *testing.T, conn net.Conn, username, password string, salt, pepper []byte) wire.Record {
	t.Helper()
	salted := rcrypto.SaltPassword(password, salt, pepper)
	require.NoError(t, wire.WriteFrame(conn, wire.Record{
		Sender: username, Receiver: wire.ServerUser, Kind: wire.KindLogin,
		Payload: map[string]serializer.Value{"salted_password": serializer.Bytes(salted)},
	}))
	rec, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindLogin, rec.Kind)
	return rec
}

// registerAndLogin runs a fresh connection through identity, register, and
// login, leaving the returned conn authenticated and ready for dispatchLoop
// traffic gated on loggedIn.
func registerAndLogin(t *testing.T, srv *Server, username, password string, nOPKs int) net.Conn {
	t.Helper()
	conn, status := connectUser(t, srv, username)
	require.Equal(t, "not_registered", status)
	salt, pepper := registerUser(t, conn, username, password, nOPKs)
	loginUser(t, conn, username, password, salt, pepper)
	return conn
}

func TestRegisterPersistsSaltAndPepperAndRepliesSuccess(t *testing.T) {
	srv := newTestServer(t, Options{})
	conn, status := connectUser(t, srv, "alice")
	require.Equal(t, "not_registered", status)

	salt, pepper := registerUser(t, conn, "alice", "hunter2", 3)
	require.Len(t, salt, 32)
	require.Len(t, pepper, 32)

	view, ok := srv.userRecord("alice")
	require.True(t, ok)
	require.True(t, view.Registered)
	require.Len(t, view.OPKs, 3)

	stored, ok := srv.peppers.Get("alice")
	require.True(t, ok)
	require.Equal(t, pepper, stored.Bytes)
}

func TestSecondConnectionSeesRegisteredStatus(t *testing.T) {
	srv := newTestServer(t, Options{})
	conn, _ := connectUser(t, srv, "alice")
	registerUser(t, conn, "alice", "hunter2", 1)
	require.NoError(t, conn.Close())

	_, status := connectUser(t, srv, "alice")
	require.Equal(t, "registered", status)
}

func TestRegisterTwiceIsRejected(t *testing.T) {
	srv := newTestServer(t, Options{})
	conn, _ := connectUser(t, srv, "alice")
	registerUser(t, conn, "alice", "hunter2", 1)

	ipk, spk, sigma, opks := genBundle(t, 1)
	require.NoError(t, wire.WriteFrame(conn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindRegister,
		Payload: map[string]serializer.Value{
			"password": serializer.String("hunter2"),
			"ipk":      serializer.VerKey(ipk),
			"spk":      serializer.VerKey(spk),
			"sigma":    serializer.Bytes(sigma),
			"opks":     serializer.List(opks),
		},
	}))
	rec, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, "error", rec.Payload["status"].Str)
}

func TestLoginRejectsWrongPasswordThenSucceedsWithRightOne(t *testing.T) {
	srv := newTestServer(t, Options{LoginThrottleMax: 5})
	conn, _ := connectUser(t, srv, "alice")
	salt, pepper := registerUser(t, conn, "alice", "hunter2", 1)

	rec := attemptLogin(t, conn, "alice", "wrongpass", salt, pepper)
	require.Equal(t, "error", rec.Payload["status"].Str)

	loginUser(t, conn, "alice", "hunter2", salt, pepper)
}

// TestLoginThrottleRejectsAfterMaxFailures exercises testable property 7:
// once a user racks up LoginThrottleMax failures inside the rolling window,
// the next attempt is rejected before the password is even compared, even
// if that next attempt supplies the correct password.
func TestLoginThrottleRejectsAfterMaxFailures(t *testing.T) {
	srv := newTestServer(t, Options{LoginThrottleMax: 2, LoginThrottleWindow: time.Minute})
	conn, _ := connectUser(t, srv, "alice")
	salt, pepper := registerUser(t, conn, "alice", "hunter2", 1)

	for i := 0; i < 2; i++ {
		rec := attemptLogin(t, conn, "alice", "wrongpass", salt, pepper)
		require.Equal(t, "error", rec.Payload["status"].Str)
	}

	require.True(t, srv.throttled("alice"))

	rec := attemptLogin(t, conn, "alice", "hunter2", salt, pepper)
	require.Equal(t, "error", rec.Payload["status"].Str)
}

func TestLoginOnUnregisteredUserReportsNotRegistered(t *testing.T) {
	srv := newTestServer(t, Options{})
	conn, _ := connectUser(t, srv, "alice")

	rec := attemptLogin(t, conn, "alice", "hunter2", make([]byte, 32), make([]byte, 32))
	require.Equal(t, "not_registered", rec.Payload["status"].Str)
}

func TestLoginFlushesOfflineQueueInOrder(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)

	aliceConn, status := connectUser(t, srv, "alice")
	require.Equal(t, "not_registered", status)
	salt, pepper := registerUser(t, aliceConn, "alice", "a-pass", 1)

	// bob goes offline; alice sends two messages while he's away.
	require.NoError(t, bobConn.Close())
	time.Sleep(10 * time.Millisecond)

	loginUser(t, aliceConn, "alice", "a-pass", salt, pepper)
	for _, text := range []string{"first", "second"} {
		require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
			Sender: "alice", Receiver: "bob", Kind: wire.KindMessage,
			Payload: map[string]serializer.Value{"text": serializer.String(text)},
		}))
	}
	time.Sleep(10 * time.Millisecond)

	view, ok := srv.userRecord("bob")
	require.True(t, ok)
	require.Len(t, view.OfflineQueue, 2)

	bobConn2, status := connectUser(t, srv, "bob")
	require.Equal(t, "registered", status)
	bSalt, bPepper, ok := loadBobCreds(t, srv, "bob")
	require.True(t, ok)
	loginUser(t, bobConn2, "bob", "b-pass", bSalt, bPepper)

	first, err := wire.ReadFrame(bobConn2)
	require.NoError(t, err)
	require.Equal(t, "first", first.Payload["text"].Str)
	second, err := wire.ReadFrame(bobConn2)
	require.NoError(t, err)
	require.Equal(t, "second", second.Payload["text"].Str)

	view, ok = srv.userRecord("bob")
	require.True(t, ok)
	require.Empty(t, view.OfflineQueue)
}

// loadBobCreds peeks the salt and pepper handleLogin would need, since the
// offline-queue test's second bob connection never saw its own register
// reply directly (it happened on the first connection).
func loadBobCreds(t *testing.T, srv *Server, username string) (salt, pepper []byte, ok bool) {
	t.Helper()
	view, ok := srv.userRecord(username)
	if !ok {
		return nil, nil, false
	}
	pv, ok := srv.peppers.Get(username)
	if !ok {
		return nil, nil, false
	}
	return view.Salt, pv.Bytes, true
}

func TestBundleRequestPopsOPKAndRepliesWithTargetBundle(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	defer bobConn.Close()
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindX3DHRequest,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}))
	rec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindX3DHRequest, rec.Kind)
	require.Equal(t, "success", rec.Payload["status"].Str)
	require.Equal(t, "bob", rec.Payload["owner"].Str)

	view, ok := srv.userRecord("bob")
	require.True(t, ok)
	require.Empty(t, view.OPKs)
}

// TestBundleRequestOnlineTargetGetsDirectReplenishPrompt covers the
// exhausted-pool branch when the target is connected: the prompt reaches it
// straight over its own session rather than through the offline queue.
func TestBundleRequestOnlineTargetGetsDirectReplenishPrompt(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	request := wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindX3DHRequest,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}
	require.NoError(t, wire.WriteFrame(aliceConn, request))
	_, err := wire.ReadFrame(aliceConn) // consume the successful pop
	require.NoError(t, err)

	require.NoError(t, wire.WriteFrame(aliceConn, request))

	// handleBundleRequest pushes the replenish prompt to bob's own session
	// before it answers alice, and both sends share one net.Pipe conn per
	// side: read bob's frame first so the server's blocking write to his
	// pipe doesn't stall behind alice's still-unread reply.
	prompt, err := wire.ReadFrame(bobConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindX3DHKeys, prompt.Kind)
	require.Equal(t, "bob", prompt.Receiver)

	rec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, "error", rec.Payload["status"].Str)
}

// TestBundleRequestOfflineTargetQueuesReplenishPrompt covers the same
// exhausted-pool branch when the target has no live session: the prompt is
// appended to its offline queue instead of pushed directly.
func TestBundleRequestOfflineTargetQueuesReplenishPrompt(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	request := wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindX3DHRequest,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}
	require.NoError(t, wire.WriteFrame(aliceConn, request))
	_, err := wire.ReadFrame(aliceConn) // consume the successful pop
	require.NoError(t, err)

	require.NoError(t, bobConn.Close())
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, wire.WriteFrame(aliceConn, request))
	rec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, "error", rec.Payload["status"].Str)

	view, ok := srv.userRecord("bob")
	require.True(t, ok)
	require.Len(t, view.OfflineQueue, 1)
}

func TestForwardMessageDeliversDirectlyToOnlineTarget(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: "bob", Kind: wire.KindMessage,
		Payload: map[string]serializer.Value{"text": serializer.String("hi bob")},
	}))

	rec, err := wire.ReadFrame(bobConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindMessage, rec.Kind)
	require.Equal(t, "alice", rec.Sender)
	require.Equal(t, "hi bob", rec.Payload["text"].Str)
}

func TestForwardMessageToUnregisteredTargetIsRejected(t *testing.T) {
	srv := newTestServer(t, Options{})
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: "ghost", Kind: wire.KindMessage,
		Payload: map[string]serializer.Value{"text": serializer.String("hi")},
	}))
	rec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, "error", rec.Payload["status"].Str)
}

func TestForwardReactionReinjectsAuthenticatedSender(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindX3DHReaction,
		Payload: map[string]serializer.Value{
			"target": serializer.String("bob"),
			"cipher": serializer.Bytes([]byte("ct")),
		},
	}))

	rec, err := wire.ReadFrame(bobConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindX3DHReaction, rec.Kind)
	require.Equal(t, wire.ServerUser, rec.Sender)
	require.Equal(t, "bob", rec.Receiver)
	require.Equal(t, "alice", rec.Payload["sender"].Str)
	require.Equal(t, []byte("ct"), rec.Payload["cipher"].Bytes)
}

// TestResetSelfDeletesAccountAndFansOutToOtherUsers fans a self-reset out
// to two other registered users. The server delivers those notices
// sequentially over each recipient's own net.Pipe in map-iteration order,
// which Go does not guarantee, so both reads run concurrently rather than
// in a fixed sequence the server might not honor.
func TestResetSelfDeletesAccountAndFansOutToOtherUsers(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	charlieConn := registerAndLogin(t, srv, "charlie", "c-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	type frameResult struct {
		rec wire.Record
		err error
	}
	bobCh := make(chan frameResult, 1)
	charlieCh := make(chan frameResult, 1)
	go func() { rec, err := wire.ReadFrame(bobConn); bobCh <- frameResult{rec, err} }()
	go func() { rec, err := wire.ReadFrame(charlieConn); charlieCh <- frameResult{rec, err} }()

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindReset,
		Payload: map[string]serializer.Value{"target": serializer.String(wire.ServerUser)},
	}))

	for _, ch := range []chan frameResult{bobCh, charlieCh} {
		res := <-ch
		require.NoError(t, res.err)
		require.Equal(t, wire.KindReset, res.rec.Kind)
		require.Equal(t, "alice", res.rec.Payload["sender"].Str)
		require.Equal(t, "request", res.rec.Payload["status"].Str)
	}

	_, err := wire.ReadFrame(aliceConn)
	require.ErrorIs(t, err, io.EOF)

	_, ok := srv.userRecord("alice")
	require.False(t, ok)
	_, ok = srv.peppers.Get("alice")
	require.False(t, ok)
}

func TestResetPeerDeliversSingleNoticeWithoutClosingSender(t *testing.T) {
	srv := newTestServer(t, Options{})
	bobConn := registerAndLogin(t, srv, "bob", "b-pass", 1)
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindReset,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}))

	rec, err := wire.ReadFrame(bobConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindReset, rec.Kind)
	require.Equal(t, "alice", rec.Payload["sender"].Str)

	_, ok := srv.userRecord("alice")
	require.True(t, ok)

	// alice's connection is still alive: a further request gets answered.
	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindRequestSalt,
		Payload: map[string]serializer.Value{},
	}))
	saltRec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, wire.KindAnswerSalt, saltRec.Kind)
}

func TestResetOnInvalidPeerTargetIsRejected(t *testing.T) {
	srv := newTestServer(t, Options{})
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindReset,
		Payload: map[string]serializer.Value{"target": serializer.String("ghost")},
	}))
	rec, err := wire.ReadFrame(aliceConn)
	require.NoError(t, err)
	require.Equal(t, "error", rec.Payload["status"].Str)
}

// TestDispatchLoopClosesConnectionOnACLViolation covers Open Question #4:
// a non-message kind aimed at a peer instead of "server" is an ACL
// violation the server treats as fatal for the connection, not just an
// error reply.
func TestDispatchLoopClosesConnectionOnACLViolation(t *testing.T) {
	srv := newTestServer(t, Options{})
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "alice", Receiver: "bob", Kind: wire.KindX3DHRequest,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}))

	_, err := wire.ReadFrame(aliceConn)
	require.ErrorIs(t, err, io.EOF)
}

// TestDispatchLoopClosesConnectionOnSenderSpoof covers the companion ACL
// check: a record whose sender does not match the authenticated connection
// owner is dropped the same way.
func TestDispatchLoopClosesConnectionOnSenderSpoof(t *testing.T) {
	srv := newTestServer(t, Options{})
	aliceConn := registerAndLogin(t, srv, "alice", "a-pass", 1)

	require.NoError(t, wire.WriteFrame(aliceConn, wire.Record{
		Sender: "mallory", Receiver: wire.ServerUser, Kind: wire.KindRequestSalt,
		Payload: map[string]serializer.Value{},
	}))

	_, err := wire.ReadFrame(aliceConn)
	require.ErrorIs(t, err, io.EOF)
}

func TestDispatchLoopRejectsUnauthenticatedKindBeforeLogin(t *testing.T) {
	srv := newTestServer(t, Options{})
	conn, _ := connectUser(t, srv, "alice")
	registerUser(t, conn, "alice", "hunter2", 1)

	require.NoError(t, wire.WriteFrame(conn, wire.Record{
		Sender: "alice", Receiver: wire.ServerUser, Kind: wire.KindX3DHRequest,
		Payload: map[string]serializer.Value{"target": serializer.String("bob")},
	}))

	_, err := wire.ReadFrame(conn)
	require.ErrorIs(t, err, io.EOF)
}
