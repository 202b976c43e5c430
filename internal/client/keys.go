package client

import (
	"crypto/ecdh"

	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/serializer"
)

const initialOPKCount = 5

// localKeys is the long-term key material a client holds: its identity
// key pair, its current signed prekey pair and the identity signature
// over it (sigma), and the pool of one-time prekey pairs it has
// published.
type localKeys struct {
	IdentityPriv *ecdh.PrivateKey
	IdentityPub  *ecdh.PublicKey
	PrekeyPriv   *ecdh.PrivateKey
	PrekeyPub    *ecdh.PublicKey
	Sigma        []byte
	OPKPriv      []*ecdh.PrivateKey
	OPKPub       []*ecdh.PublicKey
}

func generateLocalKeys() (*localKeys, error) {
	ik, err := rcrypto.GenKP()
	if err != nil {
		return nil, err
	}
	spk, err := rcrypto.GenKP()
	if err != nil {
		return nil, err
	}
	sigma, err := rcrypto.Sign(ik.Private, rcrypto.EncodePublic(spk.Public))
	if err != nil {
		return nil, err
	}

	k := &localKeys{
		IdentityPriv: ik.Private, IdentityPub: ik.Public,
		PrekeyPriv: spk.Private, PrekeyPub: spk.Public,
		Sigma: sigma,
	}
	if _, err := appendOPKs(k, initialOPKCount); err != nil {
		return nil, err
	}
	return k, nil
}

func appendOPKs(k *localKeys, n int) ([]*ecdh.PublicKey, error) {
	pubs := make([]*ecdh.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := rcrypto.GenKP()
		if err != nil {
			return nil, err
		}
		k.OPKPriv = append(k.OPKPriv, kp.Private)
		k.OPKPub = append(k.OPKPub, kp.Public)
		pubs = append(pubs, kp.Public)
	}
	return pubs, nil
}

func encodeLocalKeys(k *localKeys) serializer.Value {
	opkPriv := make([]serializer.Value, len(k.OPKPriv))
	for i, p := range k.OPKPriv {
		opkPriv[i] = serializer.SignKey(p.Bytes())
	}
	opkPub := make([]serializer.Value, len(k.OPKPub))
	for i, p := range k.OPKPub {
		opkPub[i] = serializer.VerKey(rcrypto.EncodePublic(p))
	}
	return serializer.Dict(map[string]serializer.Value{
		"ik":    serializer.SignKey(k.IdentityPriv.Bytes()),
		"ipk":   serializer.VerKey(rcrypto.EncodePublic(k.IdentityPub)),
		"sk":    serializer.SignKey(k.PrekeyPriv.Bytes()),
		"spk":   serializer.VerKey(rcrypto.EncodePublic(k.PrekeyPub)),
		"sigma": serializer.Bytes(k.Sigma),
		"oks":   serializer.List(opkPriv),
		"opks":  serializer.List(opkPub),
	})
}

func decodeLocalKeys(v serializer.Value) (*localKeys, error) {
	if v.Tag != serializer.TagDict {
		return nil, errMalformedLocalState
	}
	d := v.Dict
	ikRaw, ok := bytesField(d, "ik")
	if !ok {
		return nil, errMalformedLocalState
	}
	ipkRaw, ok := bytesField(d, "ipk")
	if !ok {
		return nil, errMalformedLocalState
	}
	skRaw, ok := bytesField(d, "sk")
	if !ok {
		return nil, errMalformedLocalState
	}
	spkRaw, ok := bytesField(d, "spk")
	if !ok {
		return nil, errMalformedLocalState
	}
	sigma, ok := bytesField(d, "sigma")
	if !ok {
		return nil, errMalformedLocalState
	}
	oksRaw, ok := listField(d, "oks")
	if !ok {
		return nil, errMalformedLocalState
	}
	opksRaw, ok := listField(d, "opks")
	if !ok {
		return nil, errMalformedLocalState
	}
	if len(oksRaw) != len(opksRaw) {
		return nil, errMalformedLocalState
	}

	ik, err := rcrypto.ParsePrivate(ikRaw)
	if err != nil {
		return nil, err
	}
	ipk, err := rcrypto.ParsePublic(ipkRaw)
	if err != nil {
		return nil, err
	}
	sk, err := rcrypto.ParsePrivate(skRaw)
	if err != nil {
		return nil, err
	}
	spk, err := rcrypto.ParsePublic(spkRaw)
	if err != nil {
		return nil, err
	}

	k := &localKeys{IdentityPriv: ik, IdentityPub: ipk, PrekeyPriv: sk, PrekeyPub: spk, Sigma: sigma}
	for i := range oksRaw {
		priv, err := rcrypto.ParsePrivate(oksRaw[i].Bytes)
		if err != nil {
			return nil, err
		}
		pub, err := rcrypto.ParsePublic(opksRaw[i].Bytes)
		if err != nil {
			return nil, err
		}
		k.OPKPriv = append(k.OPKPriv, priv)
		k.OPKPub = append(k.OPKPub, pub)
	}
	return k, nil
}

// loadOrGenerateKeys returns the client's long-term keys, generating and
// persisting a fresh set on first use.
func (c *Client) loadOrGenerateKeys() (*localKeys, error) {
	if v, ok := c.store.Get(keyKeys); ok {
		return decodeLocalKeys(v)
	}
	k, err := generateLocalKeys()
	if err != nil {
		return nil, err
	}
	if err := c.store.Insert(keyKeys, encodeLocalKeys(k)); err != nil {
		return nil, err
	}
	return k, nil
}

// popFirstOPK atomically removes and returns the oldest one-time prekey
// pair, mirroring the server's own FIFO pop so both sides' pools stay in
// lockstep. remaining is the pool size after the pop.
func (c *Client) popFirstOPK() (priv *ecdh.PrivateKey, pub *ecdh.PublicKey, popped bool, remaining int, err error) {
	err = c.store.Mutate(keyKeys, func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, errMalformedLocalState
		}
		k, derr := decodeLocalKeys(v)
		if derr != nil {
			return v, derr
		}
		if len(k.OPKPriv) == 0 {
			return v, nil
		}
		priv = k.OPKPriv[0]
		pub = k.OPKPub[0]
		popped = true
		k.OPKPriv = k.OPKPriv[1:]
		k.OPKPub = k.OPKPub[1:]
		remaining = len(k.OPKPriv)
		return encodeLocalKeys(k), nil
	})
	return priv, pub, popped, remaining, err
}

// addNewPreKeys generates n fresh one-time prekey pairs, appends them to
// the local pool, persists the update, and returns the new public halves
// for publication to the server.
func (c *Client) addNewPreKeys(n int) ([]*ecdh.PublicKey, error) {
	var fresh []*ecdh.PublicKey
	err := c.store.Mutate(keyKeys, func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok {
			return v, errMalformedLocalState
		}
		k, derr := decodeLocalKeys(v)
		if derr != nil {
			return v, derr
		}
		pubs, err := appendOPKs(k, n)
		if err != nil {
			return v, err
		}
		fresh = pubs
		return encodeLocalKeys(k), nil
	})
	return fresh, err
}
