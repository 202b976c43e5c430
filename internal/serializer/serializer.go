// Package serializer implements the self-describing, type-tagged encoding
// shared by wire records and the on-disk store. Two grammars coexist: the
// record encoding (a JSON object of tagged strings, then zlib-compressed),
// and the nested composite encoding used inside a tagged value when that
// value is itself a dict or list.
package serializer

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Tag is one of the reserved one-letter or short-mnemonic type tags.
type Tag string

const (
	TagNone    Tag = "N"
	TagString  Tag = "S"
	TagBool    Tag = "B"
	TagInt     Tag = "I"
	TagBytes   Tag = "Y"
	TagSignKey Tag = "SK"
	TagVerKey  Tag = "VK"
	TagDict    Tag = "D"
	TagList    Tag = "L"
	TagMessage Tag = "M"
	TagRatchet Tag = "DRS"
	TagUnknown Tag = "U"
)

// ErrMalformed is returned by any decode path on attacker-controlled input
// that does not parse; callers must treat it as the malformed-record error
// kind and drop the connection, never panic.
var ErrMalformed = errors.New("serializer: malformed input")

// Value is a dynamically tagged value: exactly one of the typed fields is
// meaningful, selected by Tag.
type Value struct {
	Tag    Tag
	Str    string
	Bool   bool
	Int    int64
	Bytes  []byte
	Dict   map[string]Value
	List   []Value
	Raw    json.RawMessage // used only for TagUnknown fallback
}

// None, String, Bool, Int, Bytes, Dict, List are constructors for the
// corresponding tagged Value.
func None() Value                        { return Value{Tag: TagNone} }
func String(s string) Value               { return Value{Tag: TagString, Str: s} }
func Bool(b bool) Value                   { return Value{Tag: TagBool, Bool: b} }
func Int(i int64) Value                   { return Value{Tag: TagInt, Int: i} }
func Bytes(b []byte) Value                { return Value{Tag: TagBytes, Bytes: append([]byte{}, b...)} }
func SignKey(der []byte) Value            { return Value{Tag: TagSignKey, Bytes: der} }
func VerKey(der []byte) Value             { return Value{Tag: TagVerKey, Bytes: der} }
func Dict(m map[string]Value) Value       { return Value{Tag: TagDict, Dict: m} }
func List(l []Value) Value                { return Value{Tag: TagList, List: l} }
func Message(encodedRecord []byte) Value  { return Value{Tag: TagMessage, Bytes: encodedRecord} }

// EncodeAtom renders a single Value as its tagged-string atom
// "<TAG>:<encoded>", used both as a map value in the record encoding and as
// an element in the nested composite encoding.
func EncodeAtom(v Value) (string, error) {
	switch v.Tag {
	case TagNone:
		return string(TagNone) + ":", nil
	case TagString:
		if strings.ContainsAny(v.Str, "|;") {
			return "", fmt.Errorf("serializer: string contains forbidden delimiter")
		}
		return string(TagString) + ":" + v.Str, nil
	case TagBool:
		if v.Bool {
			return string(TagBool) + ":1", nil
		}
		return string(TagBool) + ":0", nil
	case TagInt:
		return string(TagInt) + ":" + strconv.FormatInt(v.Int, 10), nil
	case TagBytes, TagSignKey, TagVerKey, TagMessage:
		return string(v.Tag) + ":" + hex.EncodeToString(v.Bytes), nil
	case TagDict:
		enc, err := encodeNestedDict(v.Dict)
		if err != nil {
			return "", err
		}
		return string(TagDict) + ":" + enc, nil
	case TagList:
		enc, err := encodeNestedList(v.List)
		if err != nil {
			return "", err
		}
		return string(TagList) + ":" + enc, nil
	case TagRatchet:
		enc, err := encodeNestedDict(v.Dict)
		if err != nil {
			return "", err
		}
		return string(TagRatchet) + ":" + enc, nil
	case TagUnknown:
		return string(TagUnknown) + ":" + string(v.Raw), nil
	default:
		return "", fmt.Errorf("serializer: unknown tag %q", v.Tag)
	}
}

// DecodeAtom parses a tagged-string atom back into a Value. It never
// panics; any malformedness returns ErrMalformed.
func DecodeAtom(atom string) (Value, error) {
	idx := strings.Index(atom, ":")
	if idx < 0 {
		return Value{}, ErrMalformed
	}
	tag := Tag(atom[:idx])
	body := atom[idx+1:]

	switch tag {
	case TagNone:
		return None(), nil
	case TagString:
		return String(body), nil
	case TagBool:
		switch body {
		case "1":
			return Bool(true), nil
		case "0":
			return Bool(false), nil
		default:
			return Value{}, ErrMalformed
		}
	case TagInt:
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Value{}, ErrMalformed
		}
		return Int(n), nil
	case TagBytes, TagSignKey, TagVerKey, TagMessage:
		b, err := hex.DecodeString(body)
		if err != nil {
			return Value{}, ErrMalformed
		}
		return Value{Tag: tag, Bytes: b}, nil
	case TagDict:
		d, err := decodeNestedDict(body)
		if err != nil {
			return Value{}, err
		}
		return Dict(d), nil
	case TagList:
		l, err := decodeNestedList(body)
		if err != nil {
			return Value{}, err
		}
		return List(l), nil
	case TagRatchet:
		d, err := decodeNestedDict(body)
		if err != nil {
			return Value{}, err
		}
		return Value{Tag: TagRatchet, Dict: d}, nil
	default:
		return Value{Tag: TagUnknown, Raw: json.RawMessage(body)}, nil
	}
}

// encodeNestedDict renders a dict as the nested composite grammar:
// k:TAG:v|k:TAG:v|... Keys are sorted for determinism (testable property 5:
// the encoded byte sequence must be deterministic for a fixed value).
func encodeNestedDict(m map[string]Value) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.ContainsAny(k, "|;:") {
			return "", fmt.Errorf("serializer: dict key contains forbidden delimiter")
		}
		atom, err := EncodeAtom(m[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, k+":"+atom)
	}
	return strings.Join(parts, "|"), nil
}

func decodeNestedDict(s string) (map[string]Value, error) {
	out := map[string]Value{}
	if s == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, "|") {
		idx := strings.Index(entry, ":")
		if idx < 0 {
			return nil, ErrMalformed
		}
		key := entry[:idx]
		v, err := DecodeAtom(entry[idx+1:])
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func encodeNestedList(l []Value) (string, error) {
	parts := make([]string, 0, len(l))
	for _, v := range l {
		atom, err := EncodeAtom(v)
		if err != nil {
			return "", err
		}
		parts = append(parts, atom)
	}
	return strings.Join(parts, ";"), nil
}

func decodeNestedList(s string) ([]Value, error) {
	if s == "" {
		return nil, nil
	}
	entries := strings.Split(s, ";")
	out := make([]Value, 0, len(entries))
	for _, e := range entries {
		v, err := DecodeAtom(e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeRecordMap renders a map[string]Value as the record encoding: a JSON
// object of tagged-string values, UTF-8, then zlib-compressed.
func EncodeRecordMap(m map[string]Value) ([]byte, error) {
	tagged := make(map[string]string, len(m))
	for k, v := range m {
		atom, err := EncodeAtom(v)
		if err != nil {
			return nil, err
		}
		tagged[k] = atom
	}
	js, err := json.Marshal(tagged)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(js); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecordMap is the inverse of EncodeRecordMap. It never panics on
// attacker-chosen input: any structural problem returns ErrMalformed.
func DecodeRecordMap(blob []byte) (map[string]Value, error) {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, ErrMalformed
	}
	defer r.Close()

	js, err := io.ReadAll(io.LimitReader(r, 16<<20))
	if err != nil {
		return nil, ErrMalformed
	}

	var tagged map[string]string
	if err := json.Unmarshal(js, &tagged); err != nil {
		return nil, ErrMalformed
	}

	out := make(map[string]Value, len(tagged))
	for k, atom := range tagged {
		v, err := DecodeAtom(atom)
		if err != nil {
			return nil, ErrMalformed
		}
		out[k] = v
	}
	return out, nil
}
