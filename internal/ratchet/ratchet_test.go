package ratchet

import (
	"testing"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/stretchr/testify/require"
)

func setupPair(t *testing.T) (a, b *State) {
	t.Helper()
	shared, err := rcrypto.RandomBytes(32)
	require.NoError(t, err)

	spkB, err := rcrypto.GenKP()
	require.NoError(t, err)

	a = NewInitiator(shared, spkB.Public)
	b = NewResponder(shared, spkB.Private, spkB.Public)
	return a, b
}

func TestSingleTurnRoundTrip(t *testing.T) {
	a, b := setupPair(t)

	msg, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)

	pt, err := b.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestBidirectionalRatchetsOnSpeakerSwitch(t *testing.T) {
	a, b := setupPair(t)

	msg1, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)
	pt1, err := b.Decrypt(msg1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt1)

	msg2, err := b.Encrypt([]byte("hi"))
	require.NoError(t, err)
	pt2, err := a.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), pt2)

	msg3, err := b.Encrypt([]byte("how are you"))
	require.NoError(t, err)
	require.NotEqual(t, rcrypto.EncodePublic(msg1.X), rcrypto.EncodePublic(msg3.X),
		"B takes a fresh X on the speaker switch and keeps it for the rest of its turn, so B's second outbound message carries an X different from the one B decrypted from A")
	_, err = a.Decrypt(msg3)
	require.NoError(t, err)
}

func TestMonologueSharesXButFreshMessageKeys(t *testing.T) {
	a, b := setupPair(t)

	msg1, err := a.Encrypt([]byte("one"))
	require.NoError(t, err)
	msg2, err := a.Encrypt([]byte("two"))
	require.NoError(t, err)

	require.Equal(t, rcrypto.EncodePublic(msg1.X), rcrypto.EncodePublic(msg2.X))
	require.NotEqual(t, msg1.Cipher, msg2.Cipher)

	pt1, err := b.Decrypt(msg1)
	require.NoError(t, err)
	pt2, err := b.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), pt1)
	require.Equal(t, []byte("two"), pt2)
}

func TestDecryptFailureRollsBackState(t *testing.T) {
	a, b := setupPair(t)

	msg, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)

	before := *b
	tampered := msg
	tampered.Tag = append([]byte{}, msg.Tag...)
	tampered.Tag[0] ^= 0xFF

	_, err = b.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryptFailed)
	require.Equal(t, before.Index, b.Index)
	require.Equal(t, before.LastSender, b.LastSender)
	require.Equal(t, before.CK, b.CK)

	pt, err := b.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestMessageKeysNeverRepeatAcrossChain(t *testing.T) {
	a, b := setupPair(t)
	seen := map[string]bool{}

	for i := 0; i < 5; i++ {
		msg, err := a.Encrypt([]byte("msg"))
		require.NoError(t, err)
		key := string(msg.Cipher) + string(msg.Tag)
		require.False(t, seen[key])
		seen[key] = true

		_, err = b.Decrypt(msg)
		require.NoError(t, err)
	}
}
