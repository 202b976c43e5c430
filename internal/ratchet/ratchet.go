// Package ratchet implements the per-peer Double Ratchet session: a single
// symmetric KDF chain combined with a Diffie-Hellman ratchet that steps on
// every speaker switch.
package ratchet

import (
	"crypto/ecdh"
	"errors"

	rcrypto "github.com/relaychat/relay/internal/crypto"
)

// Sender identifies who produced the last message observed by this side of
// the ratchet.
type Sender int

const (
	Me Sender = iota
	Them
)

// AAD is the fixed additional authenticated data used for every ratchet
// AEAD call.
var AAD = []byte("AD")

// ErrDecryptFailed is returned by Decrypt on AEAD authentication failure.
// Per the rollback policy this implementation chooses (see Decrypt), the
// ratchet's live state is left untouched when this is returned.
var ErrDecryptFailed = errors.New("ratchet: decrypt failed")

// State is a peer's DoubleRatchetState: {ck, x, X, Y, index, last_sender}.
type State struct {
	CK         []byte // 32-byte chain key
	X          *ecdh.PrivateKey
	XPub       *ecdh.PublicKey
	Y          *ecdh.PublicKey
	Index      uint32
	LastSender Sender
}

// NewInitiator builds the initiator's initial state: ck = sharedSecret, no
// local DH pair yet, Y = the peer's signed prekey, last_sender = Me,
// index = 0.
func NewInitiator(sharedSecret []byte, peerSPK *ecdh.PublicKey) *State {
	return &State{
		CK:         append([]byte{}, sharedSecret...),
		Y:          peerSPK,
		Index:      0,
		LastSender: Me,
	}
}

// NewResponder builds the responder's initial state: ck = sharedSecret,
// x/X = our own signed prekey pair, last_sender = Them, index = 0.
func NewResponder(sharedSecret []byte, ownSPKPriv *ecdh.PrivateKey, ownSPKPub *ecdh.PublicKey) *State {
	return &State{
		CK:         append([]byte{}, sharedSecret...),
		X:          ownSPKPriv,
		XPub:       ownSPKPub,
		Index:      0,
		LastSender: Them,
	}
}

// Message is what Encrypt emits and Decrypt consumes on the wire.
type Message struct {
	Cipher []byte
	IV     []byte
	Tag    []byte
	Index  uint32
	X      *ecdh.PublicKey // the sender's current ratchet public key
}

// Encrypt implements §4.6 Encrypt(pt). A DH ratchet step happens exactly
// once per turn-taking: on the very first message (index == 0) or whenever
// the role flips from last receiving to now sending.
func (s *State) Encrypt(pt []byte) (Message, error) {
	var dh []byte
	if s.Index == 0 || s.LastSender == Them {
		kp, err := rcrypto.GenKP()
		if err != nil {
			return Message{}, err
		}
		s.X = kp.Private
		s.XPub = kp.Public
		d, err := rcrypto.ECDH(s.X, s.Y)
		if err != nil {
			return Message{}, err
		}
		dh = d
	}

	mk, ckNext, err := rcrypto.KDFChain(append(dh, s.CK...))
	if err != nil {
		return Message{}, err
	}
	s.CK = ckNext

	iv, ct, tag, err := rcrypto.AEADEnc(mk, pt, AAD)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Cipher: ct, IV: iv, Tag: tag, Index: s.Index, X: s.XPub}
	s.Index++
	s.LastSender = Me
	return msg, nil
}

// Decrypt implements §4.6 Decrypt(msg) under the rollback policy this
// implementation chooses for the open question in spec §9.1: the ratchet
// advance, the chain-key update, and the Y/X bookkeeping are computed
// against a scratch copy and only committed to the live state after
// aead_dec succeeds. On failure the live state is left exactly as it was
// before the call, and ErrDecryptFailed is returned — one corrupted
// ciphertext never desynchronizes the session.
func (s *State) Decrypt(msg Message) ([]byte, error) {
	scratch := *s
	scratch.Index = msg.Index
	scratch.Y = msg.X

	var dh []byte
	if msg.Index == 0 || scratch.LastSender == Me {
		if scratch.X == nil {
			return nil, ErrDecryptFailed
		}
		d, err := rcrypto.ECDH(scratch.X, scratch.Y)
		if err != nil {
			return nil, ErrDecryptFailed
		}
		dh = d
	}

	mk, ckNext, err := rcrypto.KDFChain(append(dh, scratch.CK...))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	pt, err := rcrypto.AEADDec(mk, msg.IV, msg.Cipher, AAD, msg.Tag)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	scratch.CK = ckNext
	scratch.Index = msg.Index + 1
	scratch.LastSender = Them
	*s = scratch
	return pt, nil
}
