package ops

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/passable"
	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func TestMessageFixtures(t *testing.T) {
	testlog.Start(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	fixtures := []struct {
		name string
		msg  Message
	}{
		{"abort", Abort{Reason: "explode"}},
		{"deliver", Deliver{
			To:             Export{Position: 0},
			Args:           []any{passable.Selector("fetch"), []byte("swiss")},
			AnswerPosition: Pos(1),
			ResolveMe:      ImportObject{Position: 2},
		}},
		{"deliver-no-answer", Deliver{To: Export{Position: 1}, Args: []any{}, ResolveMe: false}},
		{"deliver-only", DeliverOnly{
			To:   Answer{Position: 3},
			Args: []any{passable.Selector("ping"), int64(-1), "x"},
		}},
		{"listen", Listen{To: ImportPromise{Position: 4}, ResolveMe: ImportObject{Position: 5}}},
		{"gc-export", GCExport{ExportPosition: 7, WireDelta: 2}},
		{"gc-answer", GCAnswer{AnswerPosition: 3}},
		{"pick", Pick{PromiseDesc: Answer{Position: 1}, SelectedIndex: 0, WantsPartial: true}},
	}
	for _, f := range fixtures {
		raw, err := Encode(f.msg)
		require.NoError(t, err, f.name)
		g.Assert(t, f.name, raw)

		got, err := Decode(raw, f.name)
		require.NoError(t, err, f.name)
		require.Equal(t, f.msg, got, f.name)

		again, err := Encode(got)
		require.NoError(t, err, f.name)
		require.Equal(t, raw, again, f.name)
	}
}

func TestDecodeUnknownOp(t *testing.T) {
	testlog.Start(t)
	_, err := Decode([]byte(`<10'op:explode>`), "inbound")
	require.ErrorIs(t, err, codec.ErrUnknownLabel)
	require.Contains(t, err.Error(), "op:explode")
	require.Contains(t, err.Error(), "inbound")
}

func TestDecodeRejectsNegativePosition(t *testing.T) {
	testlog.Start(t)
	_, err := Decode([]byte(`<12'op:gc-answer1->`), "inbound")
	require.ErrorIs(t, err, codec.ErrNegativePosition)
	_, err = Decode([]byte(`<10'op:deliver<11'desc:export2->[]ff>`), "inbound")
	require.ErrorIs(t, err, codec.ErrNegativePosition)
}

func TestLocationURI(t *testing.T) {
	testlog.Start(t)
	loc := Location{
		Designator: "alice",
		Transport:  "tcp",
		Hints:      map[string]string{"port": "4000", "host": "127.0.0.1"},
	}
	require.Equal(t, "ocapn://alice.tcp?host=127.0.0.1&port=4000", loc.String())

	parsed, err := ParseLocation(loc.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(loc))

	bare, err := ParseLocation("ocapn://bob.loopback")
	require.NoError(t, err)
	require.Equal(t, Location{Designator: "bob", Transport: "loopback"}, bare)

	for _, bad := range []string{"http://a.tcp", "ocapn://nodot", "ocapn://a.tcp/s/x"} {
		_, err := ParseLocation(bad)
		require.ErrorIs(t, err, ErrInvalidLocation, bad)
	}
}

func TestSturdyRefURI(t *testing.T) {
	testlog.Start(t)
	ref := SturdyRef{
		Location: Location{Designator: "alice", Transport: "tcp", Hints: map[string]string{"host": "h", "port": "1"}},
		SwissNum: []byte("car-factory"),
	}
	raw := ref.String()
	require.Equal(t, "ocapn://alice.tcp/s/Y2FyLWZhY3Rvcnk?host=h&port=1", raw)

	got, err := ParseSturdyRef(raw)
	require.NoError(t, err)
	require.Equal(t, ref.SwissNum, got.SwissNum)
	require.True(t, got.Location.Equal(ref.Location))

	_, err = ParseSturdyRef("ocapn://alice.tcp")
	require.ErrorIs(t, err, ErrInvalidSturdyRef)
}

func TestLocationRecord(t *testing.T) {
	testlog.Start(t)
	raw, err := codec.Encode[Location](LocationCodec, Location{Designator: "alice", Transport: "tcp"})
	require.NoError(t, err)
	require.Equal(t, `<10'ocapn-peer5"alice3'tcpf>`, string(raw))

	loc := Location{Designator: "bob", Transport: "tcp", Hints: map[string]string{"port": "9"}}
	raw, err = codec.Encode[Location](LocationCodec, loc)
	require.NoError(t, err)
	require.Equal(t, `<10'ocapn-peer3"bob3'tcp{4"port1"9}>`, string(raw))

	signed, err := MyLocationBytes(loc)
	require.NoError(t, err)
	require.Equal(t, `<11'my-location`+string(raw)+`>`, string(signed))
}

func seeded(t *testing.T, b byte) *keys.KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	kp, err := keys.NewEd25519FromSeed(seed)
	require.NoError(t, err)
	return kp
}

func TestHandoffEnvelopes(t *testing.T) {
	testlog.Start(t)
	gifter := seeded(t, 1)
	receiver := seeded(t, 2)

	give := HandoffGive{
		ReceiverKey:      receiver.Public(),
		ExporterLocation: Location{Designator: "exporter", Transport: "tcp"},
		Session:          []byte("session-ge"),
		GifterSide:       []byte("side-g"),
		GiftID:           []byte("gift-1"),
	}
	signedGive, err := Seal(give, gifter)
	require.NoError(t, err)
	require.True(t, signedGive.Verify(gifter.Public()))
	require.False(t, signedGive.Verify(receiver.Public()))

	receive := HandoffReceive{
		ReceivingSession: []byte("session-re"),
		ReceivingSide:    []byte("side-r"),
		HandoffCount:     0,
		SignedGive:       signedGive,
	}
	signedReceive, err := Seal(receive, receiver)
	require.NoError(t, err)
	require.True(t, signedReceive.Verify(receiver.Public()))

	msg := Deliver{
		To:             Export{Position: 0},
		Args:           []any{passable.Selector("withdraw-gift"), signedReceive},
		AnswerPosition: Pos(4),
		ResolveMe:      ImportObject{Position: 1},
	}
	raw, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(raw, "withdraw")
	require.NoError(t, err)

	env, ok := got.(Deliver).Args[1].(SigEnvelope)
	require.True(t, ok)
	rec, ok := env.Receive()
	require.True(t, ok)
	require.True(t, env.Verify(receiver.Public()))
	g2, ok := rec.SignedGive.Give()
	require.True(t, ok)
	require.True(t, rec.SignedGive.Verify(gifter.Public()))
	require.Equal(t, []byte("gift-1"), g2.GiftID)
	require.True(t, g2.ReceiverKey.Equal(receiver.Public()))

	tampered := env
	tr := rec
	tr.HandoffCount = 9
	tampered.Object = tr
	require.False(t, tampered.Verify(receiver.Public()))
}

func TestStartSessionRoundTrip(t *testing.T) {
	testlog.Start(t)
	kp := seeded(t, 3)
	loc := Location{Designator: "alice", Transport: "tcp"}
	msgBytes, err := MyLocationBytes(loc)
	require.NoError(t, err)
	sig, err := kp.Sign(msgBytes)
	require.NoError(t, err)

	start := StartSession{
		CaptpVersion:      CaptpVersion,
		SessionPublicKey:  kp.Public(),
		Location:          loc,
		LocationSignature: sig,
	}
	raw, err := Encode(start)
	require.NoError(t, err)
	got, err := Decode(raw, "start")
	require.NoError(t, err)
	decoded := got.(StartSession)
	require.Equal(t, CaptpVersion, decoded.CaptpVersion)
	require.True(t, decoded.SessionPublicKey.Equal(kp.Public()))
	require.True(t, decoded.SessionPublicKey.Verify(msgBytes, decoded.LocationSignature))
}
