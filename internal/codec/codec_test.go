package codec

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Timestamp int64               `cbor:"ts"`
	Degraded  bool                `cbor:"degraded"`
	Entries   map[string][][]byte `cbor:"entries"`
}

func TestMarshalDeterministic(t *testing.T) {
	ts := time.UnixMicro(1_700_000_000_123_456).UnixMilli()
	a := frame{Timestamp: ts, Entries: map[string][][]byte{
		"color": {{1, 2, 3}},
		"depth": {{4}},
		"audio": {{5, 6}, {7}},
	}}
	b := frame{Timestamp: ts, Entries: map[string][][]byte{
		"audio": {{5, 6}, {7}},
		"depth": {{4}},
		"color": {{1, 2, 3}},
	}}

	ea, err := Marshal(a)
	require.NoError(t, err)
	eb, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	var got frame
	require.NoError(t, Unmarshal(ea, &got))
	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, a.Entries, got.Entries)
}

func TestLZ4RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	noise := make([]byte, 4096)
	for i := range noise {
		noise[i] = byte(rng.UintN(256))
	}

	cases := map[string][]byte{
		"empty":   {},
		"zeros":   make([]byte, 64*1024),
		"pattern": bytes.Repeat([]byte{0x10, 0x20, 0x30, 0x40}, 5000),
		"noise":   noise,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			enc, err := LZ4{}.Encode(in)
			require.NoError(t, err)
			out, err := DecodeLZ4(enc)
			require.NoError(t, err)
			assert.Equal(t, len(in), len(out))
			assert.True(t, bytes.Equal(in, out))
		})
	}
}

func TestLZ4ShrinksRepetitiveData(t *testing.T) {
	in := make([]byte, 640*480*2)
	enc, err := LZ4{}.Encode(in)
	require.NoError(t, err)
	assert.Less(t, len(enc), len(in)/10)
}

func TestDecodeLZ4Corrupt(t *testing.T) {
	_, err := DecodeLZ4([]byte{1, 2})
	require.ErrorIs(t, err, ErrCorruptPayload)

	_, err = DecodeLZ4([]byte{9, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrCorruptPayload)

	_, err = DecodeLZ4([]byte{lz4Stored, 0, 0, 0, 5, 1})
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestTransformByName(t *testing.T) {
	tr, err := TransformByName("")
	require.NoError(t, err)
	assert.Equal(t, "raw", tr.Name())

	tr, err = TransformByName("lz4")
	require.NoError(t, err)
	assert.Equal(t, "lz4", tr.Name())

	_, err = TransformByName("jpeg2000")
	require.Error(t, err)
}
