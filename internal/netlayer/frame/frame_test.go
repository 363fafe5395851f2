package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte(`<8'op:abort7"explode>`)
	in := Frame{Header: Header{Sequence: 42, MessageType: TypeMessage}, Payload: payload}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in, DefaultLimits()))
	require.Equal(t, int(FixedHeaderLen)+len(payload), buf.Len())

	out, err := ReadFrame(&buf, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, Magic, out.Header.Magic)
	require.Equal(t, Version, out.Header.Version)
	require.Equal(t, uint64(42), out.Header.Sequence)
	require.Equal(t, payload, out.Payload)

	_, err = ReadFrame(&buf, DefaultLimits())
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestReadFrameRejectsBadHeaders(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		h    Header
		want error
	}{
		{"magic", Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen}, ErrBadMagic},
		{"version", Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen}, ErrUnsupportedVersion},
		{"header len", Header{Magic: Magic, Version: Version, HeaderLen: 8}, ErrHeaderLenTooSmall},
		{"extension", Header{Magic: Magic, Version: Version, HeaderLen: 0xffff}, ErrExtensionTooLarge},
		{"payload", Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 1 << 40}, ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		_, err := ReadFrame(bytes.NewReader(EncodeHeader(tc.h)), DefaultLimits())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s got=%v want=%v", tc.name, err, tc.want)
		}
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, PayloadLen: 2}
	raw := append(EncodeHeader(h), 0xde, 0xad, 0xbe, 0xef, 'h', 'i')
	out, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), out.Payload)
}

func TestWriteFrameEnforcesLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	err := WriteFrame(io.Discard, Frame{Payload: []byte("too long")}, limits)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
