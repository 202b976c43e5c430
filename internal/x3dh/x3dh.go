// Package x3dh implements the Extended Triple Diffie-Hellman asynchronous
// key-agreement handshake: publishing and fetching key bundles, and
// deriving the shared secret on both the initiating and responding side.
package x3dh

import (
	"crypto/ecdh"
	"errors"

	rcrypto "github.com/relaychat/relay/internal/crypto"
)

// ErrSignatureInvalid is returned when a fetched bundle's signed prekey
// signature does not verify under the claimed identity key. Per the error
// policy this aborts the handshake silently: the caller must not advance
// any state on this error.
var ErrSignatureInvalid = errors.New("x3dh: signed prekey signature invalid")

// OneTimePrekey is a single entry from a published pool.
type OneTimePrekey struct {
	Public *ecdh.PublicKey
}

// KeyBundle is what a user publishes to the server: identity key, signed
// prekey plus its signature, and the current pool of one-time prekeys.
type KeyBundle struct {
	IdentityKey *ecdh.PublicKey
	SignedPrekey *ecdh.PublicKey
	Signature    []byte
	OneTimePrekeys []OneTimePrekey
}

// FetchedBundle is what the server hands an initiator: a KeyBundle with
// exactly one one-time prekey (or none, if the pool was empty).
type FetchedBundle struct {
	IdentityKey  *ecdh.PublicKey
	SignedPrekey *ecdh.PublicKey
	Signature    []byte
	OneTimePrekey *ecdh.PublicKey // nil if the pool was empty
}

// CanonicalSPKEncoding is the exact byte string signed by σ: the
// uncompressed SEC1 encoding of SPK.
func CanonicalSPKEncoding(spk *ecdh.PublicKey) []byte {
	return rcrypto.EncodePublic(spk)
}

// VerifyBundle checks σ_B = ECDSA(IK_B, canonical(SPK_B)).
func VerifyBundle(b FetchedBundle) bool {
	return rcrypto.Verify(b.Signature, CanonicalSPKEncoding(b.SignedPrekey), b.IdentityKey)
}

// InitiatorResult is what the initiator keeps after deriving the shared
// secret: the secret itself (consumed exactly once into a ratchet) and the
// peer's signed prekey public, remembered as "peer SPK" for the eventual
// Chat construction.
type InitiatorResult struct {
	SharedSecret []byte
	PeerSPK      *ecdh.PublicKey
	EphemeralPub *ecdh.PublicKey
}

// DeriveInitiator implements §4.5 steps 2-4: verify the bundle's signature,
// generate an ephemeral key, and compute SK_AB = hkdf_extract(DH1..DH4).
// On signature failure it returns ErrSignatureInvalid and the caller must
// abort silently without installing any pending shared secret.
func DeriveInitiator(ikA *ecdh.PrivateKey, bundle FetchedBundle) (InitiatorResult, error) {
	if !VerifyBundle(bundle) {
		return InitiatorResult{}, ErrSignatureInvalid
	}
	if bundle.OneTimePrekey == nil {
		return InitiatorResult{}, errors.New("x3dh: bundle has no one-time prekey")
	}

	ekA, err := rcrypto.GenKP()
	if err != nil {
		return InitiatorResult{}, err
	}

	dh1, err := rcrypto.ECDH(ikA, bundle.SignedPrekey)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh2, err := rcrypto.ECDH(ekA.Private, bundle.IdentityKey)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh3, err := rcrypto.ECDH(ekA.Private, bundle.SignedPrekey)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh4, err := rcrypto.ECDH(ekA.Private, bundle.OneTimePrekey)
	if err != nil {
		return InitiatorResult{}, err
	}

	ikm := concat(dh1, dh2, dh3, dh4)
	sk, err := rcrypto.HKDFExtract(nil, ikm, 32)
	if err != nil {
		return InitiatorResult{}, err
	}

	return InitiatorResult{SharedSecret: sk, PeerSPK: bundle.SignedPrekey, EphemeralPub: ekA.Public}, nil
}

// ResponderResult mirrors InitiatorResult for the responding side: the
// derived secret and the initiator's identity key, remembered as "peer IK"
// so the responder can build its Chat.
type ResponderResult struct {
	SharedSecret []byte
	PeerIdentity *ecdh.PublicKey
}

// DeriveResponder implements §4.5 step 7: recompute DH1-DH4 from B's own
// keys (SPK private, IK private, the consumed OPK private) against A's
// identity key and ephemeral key, and derive SK_AB identically to the
// initiator.
func DeriveResponder(skB *ecdh.PrivateKey, ikB *ecdh.PrivateKey, opkB *ecdh.PrivateKey, ikA, ekA *ecdh.PublicKey) (ResponderResult, error) {
	dh1, err := rcrypto.ECDH(skB, ikA)
	if err != nil {
		return ResponderResult{}, err
	}
	dh2, err := rcrypto.ECDH(ikB, ekA)
	if err != nil {
		return ResponderResult{}, err
	}
	dh3, err := rcrypto.ECDH(skB, ekA)
	if err != nil {
		return ResponderResult{}, err
	}
	dh4, err := rcrypto.ECDH(opkB, ekA)
	if err != nil {
		return ResponderResult{}, err
	}

	ikm := concat(dh1, dh2, dh3, dh4)
	sk, err := rcrypto.HKDFExtract(nil, ikm, 32)
	if err != nil {
		return ResponderResult{}, err
	}

	return ResponderResult{SharedSecret: sk, PeerIdentity: ikA}, nil
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ReactionPlaintext is the known plaintext A encrypts into the
// x3dh_reaction challenge: A's own username.
func ReactionPlaintext(usernameA string) []byte {
	return []byte(usernameA)
}

// ReactionAAD builds the AAD for the x3dh_reaction AEAD call:
// pem(IPK_A) || pem(IPK_B), here the uncompressed SEC1 encodings
// concatenated in initiator-then-target order.
func ReactionAAD(ipkA, ipkB *ecdh.PublicKey) []byte {
	return concat(rcrypto.EncodePublic(ipkA), rcrypto.EncodePublic(ipkB))
}
