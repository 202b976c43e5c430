// Package wire implements the framed Record protocol carried over the
// (externally supplied) TLS stream: the Record shape, the fixed kind enum,
// and the on-the-wire length-prefixed framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/relaychat/relay/internal/serializer"
)

// Kind is one of the fixed string constants a Record's kind field may take.
type Kind string

const (
	KindMessage        Kind = "message"
	KindRegister       Kind = "register"
	KindLogin          Kind = "login"
	KindStatusRequest  Kind = "status_request"
	KindIdentity       Kind = "identity"
	KindNotRegistered  Kind = "not_registered"
	KindRegistered     Kind = "registered"
	KindRequestSalt    Kind = "request_salt"
	KindAnswerSalt     Kind = "answer_salt"
	KindError          Kind = "error"
	KindSuccess        Kind = "success"
	KindRequest        Kind = "request"
	KindX3DHRequest    Kind = "x3dh_request"
	KindX3DHReaction   Kind = "x3dh_reaction"
	KindX3DHKeys       Kind = "x3dh_keys"
	KindReset          Kind = "reset"
)

var validKinds = map[Kind]bool{
	KindMessage: true, KindRegister: true, KindLogin: true, KindStatusRequest: true,
	KindIdentity: true, KindNotRegistered: true, KindRegistered: true, KindRequestSalt: true,
	KindAnswerSalt: true, KindError: true, KindSuccess: true, KindRequest: true,
	KindX3DHRequest: true, KindX3DHReaction: true, KindX3DHKeys: true, KindReset: true,
}

// ServerUser is the reserved receiver value meaning "the server itself".
const ServerUser = "server"

// ErrMalformedRecord covers every reason a Record fails validation: it is
// the error kind the caller must treat as "drop the connection".
var ErrMalformedRecord = errors.New("wire: malformed record")

// maxRecordBytes bounds a single frame so a malicious length prefix cannot
// force an unbounded allocation.
const maxRecordBytes = 1 << 20

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// CheckUsername reports whether s is a valid username: ASCII alphanumeric,
// 1 to 16 characters.
func CheckUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// Record is the 4-tuple carried on the wire: sender, receiver, kind, and an
// opaque payload map.
type Record struct {
	Sender   string
	Receiver string
	Kind     Kind
	Payload  map[string]serializer.Value
}

// Valid checks the structural requirements from the framing spec: non-empty
// sender/receiver/kind, a recognized kind, and sender/receiver passing
// CheckUsername (receiver may additionally be the literal "server").
func (r Record) Valid() bool {
	if r.Sender == "" || r.Receiver == "" || r.Kind == "" {
		return false
	}
	if !validKinds[r.Kind] {
		return false
	}
	if !CheckUsername(r.Sender) {
		return false
	}
	if r.Receiver != ServerUser && !CheckUsername(r.Receiver) {
		return false
	}
	return true
}

// Encode renders a Record as the record encoding of its 4-tuple: payload is
// first record-encoded to an opaque "content" blob, then the whole
// {content, sender, receiver, kind} map is record-encoded again.
func Encode(r Record) ([]byte, error) {
	payloadBlob, err := serializer.EncodeRecordMap(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	outer := map[string]serializer.Value{
		"content":  serializer.Bytes(payloadBlob),
		"sender":   serializer.String(r.Sender),
		"receiver": serializer.String(r.Receiver),
		"kind":     serializer.String(string(r.Kind)),
	}
	return serializer.EncodeRecordMap(outer)
}

// Decode parses the record encoding produced by Encode. It never panics on
// attacker-chosen input; any structural problem returns ErrMalformedRecord.
func Decode(blob []byte) (Record, error) {
	outer, err := serializer.DecodeRecordMap(blob)
	if err != nil {
		return Record{}, ErrMalformedRecord
	}

	sender, ok1 := stringField(outer, "sender")
	receiver, ok2 := stringField(outer, "receiver")
	kind, ok3 := stringField(outer, "kind")
	content, ok4 := bytesField(outer, "content")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Record{}, ErrMalformedRecord
	}

	payload, err := serializer.DecodeRecordMap(content)
	if err != nil {
		return Record{}, ErrMalformedRecord
	}

	r := Record{Sender: sender, Receiver: receiver, Kind: Kind(kind), Payload: payload}
	if !r.Valid() {
		return Record{}, ErrMalformedRecord
	}
	return r, nil
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
	if !ok || v.Tag != serializer.TagBytes {
		return nil, false
	}
	return v.Bytes, true
}

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by the encoded record. The framing spec permits (but does not
// require) length-prefixing over a bare single-recv-per-record contract;
// this implementation always length-prefixes so record boundaries never
// depend on how the underlying stream happens to segment writes.
func WriteFrame(w io.Writer, r Record) error {
	blob, err := Encode(r)
	if err != nil {
		return err
	}
	if len(blob) > maxRecordBytes {
		return fmt.Errorf("wire: record too large (%d bytes)", len(blob))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(blob)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it into a Record.
func ReadFrame(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordBytes {
		return Record{}, ErrMalformedRecord
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return Record{}, err
	}
	return Decode(blob)
}
