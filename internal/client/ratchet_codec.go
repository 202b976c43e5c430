package client

import (
	rcrypto "github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/ratchet"
	"github.com/relaychat/relay/internal/serializer"
)

// encodeRatchetState renders a ratchet.State as a TagRatchet value: the
// local store's on-disk shape for one peer's Double Ratchet session.
func encodeRatchetState(s *ratchet.State) serializer.Value {
	d := map[string]serializer.Value{
		"ck":          serializer.Bytes(s.CK),
		"index":       serializer.Int(int64(s.Index)),
		"last_sender": serializer.Int(int64(s.LastSender)),
	}
	if s.X != nil {
		d["x"] = serializer.SignKey(s.X.Bytes())
	} else {
		d["x"] = serializer.None()
	}
	if s.XPub != nil {
		d["xpub"] = serializer.VerKey(rcrypto.EncodePublic(s.XPub))
	} else {
		d["xpub"] = serializer.None()
	}
	if s.Y != nil {
		d["y"] = serializer.VerKey(rcrypto.EncodePublic(s.Y))
	} else {
		d["y"] = serializer.None()
	}
	return serializer.Value{Tag: serializer.TagRatchet, Dict: d}
}

func decodeRatchetState(v serializer.Value) (*ratchet.State, error) {
	if v.Tag != serializer.TagRatchet {
		return nil, errMalformedLocalState
	}
	d := v.Dict
	ck, ok := bytesField(d, "ck")
	if !ok {
		return nil, errMalformedLocalState
	}
	idxV, ok := d["index"]
	if !ok || idxV.Tag != serializer.TagInt {
		return nil, errMalformedLocalState
	}
	lsV, ok := d["last_sender"]
	if !ok || lsV.Tag != serializer.TagInt {
		return nil, errMalformedLocalState
	}

	st := &ratchet.State{CK: ck, Index: uint32(idxV.Int), LastSender: ratchet.Sender(lsV.Int)}

	if xv, ok := d["x"]; ok && xv.Tag != serializer.TagNone {
		priv, err := rcrypto.ParsePrivate(xv.Bytes)
		if err != nil {
			return nil, err
		}
		st.X = priv
	}
	if xp, ok := d["xpub"]; ok && xp.Tag != serializer.TagNone {
		pub, err := rcrypto.ParsePublic(xp.Bytes)
		if err != nil {
			return nil, err
		}
		st.XPub = pub
	}
	if y, ok := d["y"]; ok && y.Tag != serializer.TagNone {
		pub, err := rcrypto.ParsePublic(y.Bytes)
		if err != nil {
			return nil, err
		}
		st.Y = pub
	}
	return st, nil
}

func encodeRatchetMessage(msg ratchet.Message) map[string]serializer.Value {
	return map[string]serializer.Value{
		"cipher": serializer.Bytes(msg.Cipher),
		"iv":     serializer.Bytes(msg.IV),
		"tag":    serializer.Bytes(msg.Tag),
		"index":  serializer.Int(int64(msg.Index)),
		"x":      serializer.VerKey(rcrypto.EncodePublic(msg.X)),
	}
}

func decodeRatchetMessage(p map[string]serializer.Value) (ratchet.Message, error) {
	cipher, ok1 := bytesField(p, "cipher")
	iv, ok2 := bytesField(p, "iv")
	tag, ok3 := bytesField(p, "tag")
	idx, ok4 := p["index"]
	xRaw, ok5 := bytesField(p, "x")
	if !ok1 || !ok2 || !ok3 || !ok4 || idx.Tag != serializer.TagInt || !ok5 {
		return ratchet.Message{}, errMalformedPayload
	}
	x, err := rcrypto.ParsePublic(xRaw)
	if err != nil {
		return ratchet.Message{}, err
	}
	return ratchet.Message{Cipher: cipher, IV: iv, Tag: tag, Index: uint32(idx.Int), X: x}, nil
}
