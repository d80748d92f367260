package mesh

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	raw, err := encodeRequest("echo", []byte(`{"string":"hello"}`), "abcd0123abcd0123")
	require.NoError(t, err)

	env, err := decodeFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Method)
	assert.Equal(t, "echo", *env.Method)
	assert.True(t, env.HasID)
	assert.Equal(t, "abcd0123abcd0123", env.ID)
	assert.JSONEq(t, `{"string":"hello"}`, string(env.Data))
}

func TestEncodeResponseMatchesWireScenario(t *testing.T) {
	raw, err := encodeResponse("abcd0123abcd0123", []byte(`"hello"`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"__id":"abcd0123abcd0123","__data":"hello","__error":null}`, string(raw))
}

func TestEncodeResponseOmitsIDWhenAbsent(t *testing.T) {
	raw, err := encodeResponse("", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"__data":null,"__error":null}`, string(raw))
}

func TestEncodeRequestOmitsIDForFireAndForget(t *testing.T) {
	raw, err := encodeRequest("notify", []byte(`{}`), "")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "__id")
}

// TestFrameScannerRoundTrip is spec.md §8's framing round-trip
// invariant: any chunking of the same terminated byte stream yields
// the same ordered sequence of complete frames, with no trailing
// unterminated fragment.
func TestFrameScannerRoundTrip(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"a":1}`),
		[]byte(`{"b":2}`),
		[]byte(`{"c":3}`),
	}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f...)
		stream = append(stream, frameTerminator...)
	}

	chunkSizes := []int{1, 3, 7, len(stream)}
	for _, size := range chunkSizes {
		var scanner FrameScanner
		var got [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			out, err := scanner.Feed(stream[i:end])
			require.NoError(t, err)
			got = append(got, out...)
		}
		require.Len(t, got, len(frames))
		for i, f := range frames {
			assert.True(t, bytes.Equal(f, got[i]), "chunk size %d frame %d", size, i)
		}
	}
}

func TestFrameScannerDiscardsUnterminatedRemainderOnEOF(t *testing.T) {
	var scanner FrameScanner
	out, err := scanner.Feed([]byte(`{"a":1}` + frameTerminator + `{"b":2}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	scanner.Discard()
	out, err = scanner.Feed([]byte(frameTerminator))
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "", string(out[0]))
}

func TestFrameScannerOverflow(t *testing.T) {
	var scanner FrameScanner
	_, err := scanner.Feed(make([]byte, maxInboxBytes+1))
	assert.ErrorIs(t, err, ErrInboxOverflow)
}
