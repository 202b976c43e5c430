package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomRoundTrip(t *testing.T) {
	cases := []Value{
		None(),
		String("alice"),
		Bool(true),
		Bool(false),
		Int(-42),
		Bytes([]byte{0xde, 0xad, 0xbe, 0xef}),
		Dict(map[string]Value{"a": Int(1), "b": String("x")}),
		List([]Value{Int(1), String("two"), Bool(true)}),
	}

	for _, v := range cases {
		atom, err := EncodeAtom(v)
		require.NoError(t, err)

		got, err := DecodeAtom(atom)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	v := Dict(map[string]Value{"z": Int(1), "a": Int(2), "m": Int(3)})

	atom1, err := EncodeAtom(v)
	require.NoError(t, err)
	atom2, err := EncodeAtom(v)
	require.NoError(t, err)
	require.Equal(t, atom1, atom2)
}

func TestRecordMapRoundTrip(t *testing.T) {
	m := map[string]Value{
		"sender":   String("alice"),
		"receiver": String("bob"),
		"index":    Int(7),
		"payload":  Dict(map[string]Value{"text": String("hello")}),
	}

	blob, err := EncodeRecordMap(m)
	require.NoError(t, err)

	got, err := DecodeRecordMap(blob)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	garbage := [][]byte{
		nil,
		{},
		[]byte("not zlib at all"),
		{0x78, 0x9c, 0x00, 0x01, 0x02},
	}
	for _, g := range garbage {
		require.NotPanics(t, func() {
			_, err := DecodeRecordMap(g)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}

	require.NotPanics(t, func() {
		_, err := DecodeAtom("not-a-valid-atom-no-colon")
		require.Error(t, err)
	})
	require.NotPanics(t, func() {
		_, err := DecodeAtom("I:not-an-int")
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUnknownTagFallback(t *testing.T) {
	atom := "Q:\"arbitrary\""
	v, err := DecodeAtom(atom)
	require.NoError(t, err)
	require.Equal(t, TagUnknown, v.Tag)

	reAtom, err := EncodeAtom(v)
	require.NoError(t, err)
	require.Equal(t, "U:\"arbitrary\"", reAtom)
}

func TestForbiddenDelimiterRejected(t *testing.T) {
	_, err := EncodeAtom(String("a|b"))
	require.Error(t, err)

	_, err = EncodeAtom(Dict(map[string]Value{"k|bad": Int(1)}))
	require.Error(t, err)
}
