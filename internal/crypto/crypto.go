// Package crypto implements the primitive operations the relay protocol is
// built on: NIST P-256 ECDH and ECDSA, HKDF-SHA256, HMAC-SHA256, and
// AES-256-GCM. Nothing in this package knows about records, ratchets, or
// X3DH — those layers only ever call into here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// ErrVerifyFailed is returned by Verify-adjacent helpers that, per the
// protocol's error policy, must report failure without ever panicking.
var ErrVerifyFailed = errors.New("crypto: signature verification failed")

// KeyPair is a NIST P-256 ECDH key pair: a private scalar and its public
// point.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

func curve() ecdh.Curve { return ecdh.P256() }

// GenKP generates a fresh P-256 key pair.
func GenKP() (KeyPair, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ECDH computes the 32-byte shared X-coordinate between a private scalar
// and a peer's public point.
func ECDH(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(pub)
}

// ParsePublic decodes an uncompressed SEC1 point into a P-256 public key.
func ParsePublic(raw []byte) (*ecdh.PublicKey, error) {
	return curve().NewPublicKey(raw)
}

// ParsePrivate decodes a raw P-256 scalar into a private key, used when a
// client reloads a persisted key or ratchet state that already fixed its
// local key material.
func ParsePrivate(raw []byte) (*ecdh.PrivateKey, error) {
	return curve().NewPrivateKey(raw)
}

// EncodePublic returns the uncompressed SEC1 encoding of a public key.
func EncodePublic(pub *ecdh.PublicKey) []byte {
	return pub.Bytes()
}

// signingKeyFromECDH reinterprets a P-256 ECDH private key's scalar as an
// ECDSA private key so the same long-term identity key pair can both agree
// keys (X3DH) and sign (SPK certification). Both operations run on the same
// curve and the same scalar; only the point arithmetic used differs.
func signingKeyFromECDH(priv *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	sk := new(ecdsa.PrivateKey)
	sk.PublicKey.Curve = elliptic.P256()
	sk.D = new(big.Int).SetBytes(priv.Bytes())
	sk.PublicKey.X, sk.PublicKey.Y = elliptic.P256().ScalarBaseMult(priv.Bytes())
	return sk, nil
}

// verifyingKeyFromECDH reinterprets a P-256 ECDH public key as the matching
// ECDSA public key (same curve point, different arithmetic surface).
func verifyingKeyFromECDH(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, errors.New("crypto: invalid public point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Sign produces a DER-encoded ECDSA-SHA256 signature of msg under priv's
// identity scalar.
func Sign(priv *ecdh.PrivateKey, msg []byte) ([]byte, error) {
	sk, err := signingKeyFromECDH(priv)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, sk, digest[:])
}

// Verify checks a DER-encoded ECDSA-SHA256 signature. It never panics on
// malformed input; any problem (bad point, bad DER, mismatched signature)
// reports false.
func Verify(sig, msg []byte, pub *ecdh.PublicKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	vk, err := verifyingKeyFromECDH(pub)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(vk, digest[:], sig)
}

// HKDFExtract implements hkdf_extract(salt, ikm, L): when salt is nil it is
// treated as L zero bytes of hash length, and info is always empty.
func HKDFExtract(salt, ikm []byte, l int) ([]byte, error) {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	return hkdfExpandNoInfo(prk, l)
}

// HKDFExpand implements hkdf_expand(prk, info, L).
func HKDFExpand(prk, info []byte, l int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func hkdfExpandNoInfo(prk []byte, l int) ([]byte, error) {
	return HKDFExpand(prk, nil, l)
}

// KDFChain implements kdf_chain(ck): hkdf_extract(salt=empty, ikm=ck, L=64)
// split at 32 into (mk, ck').
func KDFChain(ck []byte) (mk, ckNext []byte, err error) {
	out, err := HKDFExtract(nil, ck, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// HMACSHA256 computes a 32-byte HMAC-SHA256.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// AEADEnc encrypts pt under key32 with AES-256-GCM, generating a fresh
// random 12-byte IV. Each key in this protocol is used for exactly one
// AEADEnc call, so IV reuse under a single key never occurs.
func AEADEnc(key32, pt, aad []byte) (iv, ct, tag []byte, err error) {
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, pt, aad)
	ct = sealed[:len(sealed)-gcm.Overhead()]
	tag = sealed[len(sealed)-gcm.Overhead():]
	return iv, ct, tag, nil
}

// AEADDec decrypts (ct, tag) under key32 with AES-256-GCM. On any
// authentication failure it returns ErrVerifyFailed and no plaintext.
func AEADDec(key32, iv, ct, aad, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ct...), tag...)
	pt, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrVerifyFailed
	}
	return pt, nil
}

// SaltPassword implements salt_password(pw, salt, pepper) =
// hmac_sha256(salt, utf8(pw) || pepper).
func SaltPassword(pw string, salt, pepper []byte) []byte {
	msg := append([]byte(pw), pepper...)
	return HMACSHA256(salt, msg)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// CertificateFingerprint returns the SHA-256 digest of a certificate's raw
// DER bytes (cert.Raw). The client's TLS dial verifies the server against a
// CA pool and does not compare fingerprints.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}
