package client

import (
	"github.com/relaychat/relay/internal/ratchet"
	"github.com/relaychat/relay/internal/serializer"
)

func copyDict(v serializer.Value, ok bool) map[string]serializer.Value {
	d := map[string]serializer.Value{}
	if ok && v.Tag == serializer.TagDict {
		for k, vv := range v.Dict {
			d[k] = vv
		}
	}
	return d
}

func (c *Client) loadChats() (map[string]*ratchet.State, error) {
	v, ok := c.store.Get(keyChats)
	if !ok {
		return map[string]*ratchet.State{}, nil
	}
	if v.Tag != serializer.TagDict {
		return nil, errMalformedLocalState
	}
	out := make(map[string]*ratchet.State, len(v.Dict))
	for peer, rv := range v.Dict {
		st, err := decodeRatchetState(rv)
		if err != nil {
			return nil, err
		}
		out[peer] = st
	}
	return out, nil
}

func (c *Client) saveChat(peer string, drs *ratchet.State) error {
	return c.store.Mutate(keyChats, func(v serializer.Value, ok bool) (serializer.Value, error) {
		d := copyDict(v, ok)
		d[peer] = encodeRatchetState(drs)
		return serializer.Dict(d), nil
	})
}

// popSharedSecret removes and returns the pending shared secret for peer,
// if any; a Chat consumes this secret exactly once, matching the source's
// "pop the shared secret out of the database when building the ratchet"
// step on both the initiator and responder paths.
func (c *Client) popSharedSecret(peer string) ([]byte, bool, error) {
	var secret []byte
	var found bool
	err := c.store.Mutate(keySharedSecrets, func(v serializer.Value, ok bool) (serializer.Value, error) {
		d := copyDict(v, ok)
		if sv, ok := d[peer]; ok && sv.Tag == serializer.TagBytes {
			secret = sv.Bytes
			found = true
			delete(d, peer)
		}
		return serializer.Dict(d), nil
	})
	return secret, found, err
}

func (c *Client) storeSharedSecret(peer string, secret []byte) error {
	return c.store.Mutate(keySharedSecrets, func(v serializer.Value, ok bool) (serializer.Value, error) {
		d := copyDict(v, ok)
		d[peer] = serializer.Bytes(secret)
		return serializer.Dict(d), nil
	})
}

func (c *Client) loadSharedSecrets() (map[string][]byte, error) {
	v, ok := c.store.Get(keySharedSecrets)
	if !ok {
		return map[string][]byte{}, nil
	}
	if v.Tag != serializer.TagDict {
		return nil, errMalformedLocalState
	}
	out := make(map[string][]byte, len(v.Dict))
	for k, vv := range v.Dict {
		if vv.Tag == serializer.TagBytes {
			out[k] = vv.Bytes
		}
	}
	return out, nil
}

// storeKeyBundle remembers a peer's signed prekey, fetched alongside a
// one-time prekey in a bundle answer or carried in a reaction forward.
// Only the SPK is kept: it is all a later Chat construction needs.
func (c *Client) storeKeyBundle(peer string, spk []byte) error {
	return c.store.Mutate(keyKeyBundles, func(v serializer.Value, ok bool) (serializer.Value, error) {
		d := copyDict(v, ok)
		d[peer] = serializer.VerKey(spk)
		return serializer.Dict(d), nil
	})
}

func (c *Client) getKeyBundleSPK(peer string) ([]byte, bool) {
	v, ok := c.store.Get(keyKeyBundles)
	if !ok || v.Tag != serializer.TagDict {
		return nil, false
	}
	sv, ok := v.Dict[peer]
	if !ok || (sv.Tag != serializer.TagVerKey && sv.Tag != serializer.TagBytes) {
		return nil, false
	}
	return sv.Bytes, true
}

func (c *Client) deletePeerEntry(key, peer string) error {
	return c.store.Mutate(key, func(v serializer.Value, ok bool) (serializer.Value, error) {
		if !ok || v.Tag != serializer.TagDict {
			return v, nil
		}
		d := map[string]serializer.Value{}
		for k, vv := range v.Dict {
			if k != peer {
				d[k] = vv
			}
		}
		return serializer.Dict(d), nil
	})
}

// clearPeerState drops every trace of peer from the local store: a
// pending shared secret, a fetched key bundle, and an established chat.
// Used both for an explicit reset and for a reset notice received about a
// peer.
func (c *Client) clearPeerState(peer string) error {
	if err := c.deletePeerEntry(keySharedSecrets, peer); err != nil {
		return err
	}
	if err := c.deletePeerEntry(keyKeyBundles, peer); err != nil {
		return err
	}
	return c.deletePeerEntry(keyChats, peer)
}

func (c *Client) hasChatOrSecret(peer string) bool {
	chats, _ := c.loadChats()
	if _, ok := chats[peer]; ok {
		return true
	}
	secrets, _ := c.loadSharedSecrets()
	_, ok := secrets[peer]
	return ok
}
