package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/skylink/packet"
	"github.com/pithecene-io/skylink/transfer"
	"github.com/pithecene-io/skylink/transfer/transfertest"
)

var testToken = packet.ClaimToken{
	0x98, 0xa8, 0x85, 0x6b, 0xa6, 0x53, 0x4b, 0xd5,
	0x21, 0x21, 0x76, 0xb2, 0x2f, 0x3a, 0xcb, 0xb3,
}

const testSerial = 2159017985

type recorder struct {
	events []transfer.Event
}

func (r *recorder) OnTransfer(ev transfer.Event) { r.events = append(r.events, ev) }

func (r *recorder) last(t *testing.T) transfer.Event {
	t.Helper()
	if len(r.events) == 0 {
		t.Fatal("no transfer events recorded")
	}
	return r.events[len(r.events)-1]
}

func newEngine(t *testing.T, x transfer.Exchanger, obs transfer.Observer) *transfer.Engine {
	t.Helper()
	e, err := transfer.New(x, transfer.Config{
		SerialNumber:    testSerial,
		Token:           testToken,
		Observer:        obs,
		ExchangeTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestNew_Validation(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	if _, err := transfer.New(nil, transfer.Config{}); err == nil {
		t.Error("expected error for nil exchanger")
	}
	if _, err := transfer.New(peer, transfer.Config{FragmentSize: packet.MaxPayloadSize + 1}); err == nil {
		t.Error("expected error for oversized fragment")
	}
	e, err := transfer.New(peer, transfer.Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.FragmentSize() != packet.MaxPayloadSize {
		t.Errorf("FragmentSize = %d, want %d", e.FragmentSize(), packet.MaxPayloadSize)
	}
}

func TestUplink_Fragmentation(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	rec := &recorder{}
	e := newEngine(t, peer, rec)

	buf := pattern(3*packet.MaxPayloadSize + 7)
	if _, err := e.Uplink(t.Context(), buf); err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}

	reqs := peer.Requests()
	if len(reqs) != 4 {
		t.Fatalf("got %d requests, want 4", len(reqs))
	}
	for i, r := range reqs {
		wantFirst := i == 0
		wantLast := i == 3
		if r.Packet.Flags.Has(packet.FlagFirst) != wantFirst {
			t.Errorf("fragment %d: FIRST = %v, want %v", i, !wantFirst, wantFirst)
		}
		if r.Packet.Flags.Has(packet.FlagLast) != wantLast {
			t.Errorf("fragment %d: LAST = %v, want %v", i, !wantLast, wantLast)
		}
		if r.Packet.Flags.Has(packet.FlagPoll) {
			t.Errorf("fragment %d carries POLL", i)
		}
		if r.Options.RAI != wantLast {
			t.Errorf("fragment %d: RAI = %v, want %v", i, r.Options.RAI, wantLast)
		}
	}
	if got := len(reqs[3].Packet.Payload); got != 7 {
		t.Errorf("last fragment size = %d, want 7", got)
	}

	uplinks := peer.Uplinks()
	if len(uplinks) != 1 || !bytes.Equal(uplinks[0], buf) {
		t.Fatalf("peer received %d uplinks, want exactly the original buffer", len(uplinks))
	}

	ev := rec.last(t)
	if ev.Kind != transfer.UplinkOK || ev.Fragments != 4 || ev.Bytes != len(buf) {
		t.Errorf("event = %+v, want uplink_ok with 4 fragments and %d bytes", ev, len(buf))
	}
}

func TestUplink_EmptyBufferSendsOnePacket(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	e := newEngine(t, peer, nil)

	if _, err := e.Uplink(t.Context(), nil); err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}
	reqs := peer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if reqs[0].Packet.Flags != packet.FlagFirst|packet.FlagLast {
		t.Errorf("flags = %s, want [FL--]", reqs[0].Packet.Flags)
	}
}

func TestUplink_SequenceAdvances(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	e := newEngine(t, peer, nil)

	for range 3 {
		if _, err := e.Uplink(t.Context(), []byte("x")); err != nil {
			t.Fatalf("Uplink failed: %v", err)
		}
	}
	var got []uint16
	for _, r := range peer.Requests() {
		got = append(got, r.Packet.Sequence)
	}
	want := []uint16{0, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequences = %v, want %v", got, want)
		}
	}
	if st := e.State(); st.NextSequence != 6 || st.LastReceived != 5 {
		t.Errorf("State = %+v, want {6 5}", st)
	}
}

func TestUplink_ResetRestartsFromFirstFragment(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Inject(2, transfertest.FaultResetSequence)
	e := newEngine(t, peer, nil)

	buf := pattern(3*packet.MaxPayloadSize + 7)
	if _, err := e.Uplink(t.Context(), buf); err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}

	reqs := peer.Requests()
	if len(reqs) != 7 {
		t.Fatalf("got %d requests, want 7", len(reqs))
	}
	restart := reqs[3].Packet
	if !restart.Flags.Has(packet.FlagFirst) || restart.Sequence != 0 {
		t.Errorf("restart packet = seq %d %s, want seq 0 with FIRST", restart.Sequence, restart.Flags)
	}

	uplinks := peer.Uplinks()
	if len(uplinks) != 1 {
		t.Fatalf("peer received %d uplinks, want 1", len(uplinks))
	}
	if !bytes.Equal(uplinks[0], buf) {
		t.Error("delivered buffer differs from the original")
	}
}

func TestUplink_DuplicateRetransmitsIdenticalFrame(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Inject(1, transfertest.FaultDuplicate)
	e := newEngine(t, peer, nil)

	buf := pattern(packet.MaxPayloadSize + 10)
	if _, err := e.Uplink(t.Context(), buf); err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}

	reqs := peer.Requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	if !bytes.Equal(reqs[1].Frame, reqs[2].Frame) {
		t.Errorf("retransmitted frame %x differs from original %x", reqs[2].Frame, reqs[1].Frame)
	}
	if uplinks := peer.Uplinks(); len(uplinks) != 1 || !bytes.Equal(uplinks[0], buf) {
		t.Error("delivered buffer differs from the original")
	}
}

func TestUplink_ResyncOnBadResponses(t *testing.T) {
	tests := []struct {
		name  string
		fault transfertest.Fault
	}{
		{"corrupt hash", transfertest.FaultCorrupt},
		{"wrong serial", transfertest.FaultWrongSerial},
		{"unexpected sequence", transfertest.FaultBadSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := transfertest.NewPeer(testSerial, testToken)
			peer.Inject(1, tt.fault)
			e := newEngine(t, peer, nil)

			buf := pattern(2*packet.MaxPayloadSize + 1)
			if _, err := e.Uplink(t.Context(), buf); err != nil {
				t.Fatalf("Uplink failed: %v", err)
			}
			uplinks := peer.Uplinks()
			if len(uplinks) != 1 || !bytes.Equal(uplinks[0], buf) {
				t.Errorf("peer received %d uplinks, want exactly the original buffer", len(uplinks))
			}
			if first := peer.Requests()[2].Packet; !first.Flags.Has(packet.FlagFirst) || first.Sequence != 0 {
				t.Errorf("request after fault = seq %d %s, want seq 0 with FIRST", first.Sequence, first.Flags)
			}
		})
	}
}

func TestUplink_ResyncBudgetExhausted(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	for i := range 32 {
		peer.Inject(i, transfertest.FaultCorrupt)
	}
	rec := &recorder{}
	e := newEngine(t, peer, rec)

	_, err := e.Uplink(t.Context(), []byte("data"))
	if !errors.Is(err, transfer.ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
	if !errors.Is(err, transfer.ErrAuthentication) {
		t.Errorf("err = %v, want it to wrap ErrAuthentication", err)
	}
	if got := len(peer.Requests()); got != transfer.DefaultMaxResync+1 {
		t.Errorf("got %d requests, want %d", got, transfer.DefaultMaxResync+1)
	}
	if st := e.State(); st != (transfer.State{}) {
		t.Errorf("State = %+v, want reset", st)
	}
	if ev := rec.last(t); ev.Kind != transfer.UplinkError {
		t.Errorf("event = %s, want uplink_error", ev.Kind)
	}
}

func TestUplink_TransportErrorResetsState(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	e := newEngine(t, peer, nil)

	if _, err := e.Uplink(t.Context(), []byte("a")); err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}
	peer.Inject(1, transfertest.FaultDrop)

	_, err := e.Uplink(t.Context(), []byte("b"))
	if !errors.Is(err, transfer.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if st := e.State(); st != (transfer.State{}) {
		t.Errorf("State = %+v, want reset", st)
	}

	if _, err := e.Uplink(t.Context(), []byte("c")); err != nil {
		t.Fatalf("Uplink after reset failed: %v", err)
	}
	if seq := peer.Requests()[2].Packet.Sequence; seq != 0 {
		t.Errorf("sequence after reset = %d, want 0", seq)
	}
}

func TestUplink_EmptyResponseIsTransportError(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Inject(0, transfertest.FaultEmpty)
	e := newEngine(t, peer, nil)

	if _, err := e.Uplink(t.Context(), []byte("a")); !errors.Is(err, transfer.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestUplink_ReportsPendingDownlink(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Queue([]byte("pending"))
	e := newEngine(t, peer, nil)

	has, err := e.Uplink(t.Context(), []byte("a"))
	if err != nil {
		t.Fatalf("Uplink failed: %v", err)
	}
	if !has {
		t.Error("hasDownlink = false, want true")
	}
}

func TestDownlink_Reassembly(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.FragmentSize = 2
	peer.Queue([]byte("ABCD"))
	rec := &recorder{}
	e := newEngine(t, peer, rec)

	data, has, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if string(data) != "ABCD" {
		t.Errorf("data = %q, want %q", data, "ABCD")
	}
	if has {
		t.Error("hasDownlink = true, want false")
	}

	reqs := peer.Requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	if reqs[0].Packet.Flags != packet.FlagPoll || !reqs[0].Options.RAI {
		t.Errorf("first request = %s RAI %v, want [---P] with RAI", reqs[0].Packet.Flags, reqs[0].Options.RAI)
	}
	if reqs[1].Packet.Flags != packet.FlagAck || reqs[1].Options.RAI {
		t.Errorf("second request = %s RAI %v, want [--A-] without RAI", reqs[1].Packet.Flags, reqs[1].Options.RAI)
	}
	final := reqs[2]
	if final.Packet.Flags != packet.FlagAck || !final.Options.NoResponse || !final.Options.RAI {
		t.Errorf("final ack = %s %+v, want [--A-] with NoResponse and RAI", final.Packet.Flags, final.Options)
	}
	if got := len(peer.Delivered()); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}

	ev := rec.last(t)
	if ev.Kind != transfer.DownlinkOK || ev.Fragments != 2 || ev.Bytes != 4 {
		t.Errorf("event = %+v, want downlink_ok with 2 fragments and 4 bytes", ev)
	}
}

func TestDownlink_NothingPendingSkipsAck(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	rec := &recorder{}
	e := newEngine(t, peer, rec)

	data, has, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if len(data) != 0 || has {
		t.Errorf("Downlink = %q, %v; want empty, false", data, has)
	}
	if got := len(peer.Requests()); got != 1 {
		t.Errorf("got %d requests, want 1", got)
	}
	if ev := rec.last(t); ev.Kind != transfer.Poll || ev.Fragments != 0 {
		t.Errorf("event = %+v, want poll with 0 fragments", ev)
	}
}

func TestDownlink_MorePendingKeepsRadio(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Queue([]byte("one"))
	peer.Queue([]byte("two"))
	e := newEngine(t, peer, nil)

	data, has, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if string(data) != "one" || !has {
		t.Errorf("Downlink = %q, %v; want %q, true", data, has, "one")
	}
	reqs := peer.Requests()
	if final := reqs[len(reqs)-1]; final.Options.RAI {
		t.Error("final ack requested RAI while downlink is still pending")
	}

	data, has, err = e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("second Downlink failed: %v", err)
	}
	if string(data) != "two" || has {
		t.Errorf("Downlink = %q, %v; want %q, false", data, has, "two")
	}
}

func TestDownlink_FreshBufferAfterError(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.FragmentSize = 2
	peer.Queue([]byte("ABCD"))
	peer.Inject(1, transfertest.FaultDrop)
	e := newEngine(t, peer, nil)

	if _, _, err := e.Downlink(t.Context()); !errors.Is(err, transfer.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}

	data, _, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if string(data) != "ABCD" {
		t.Errorf("data = %q, want %q", data, "ABCD")
	}
}

func TestDownlink_ResetRestartsWithPoll(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.FragmentSize = 2
	peer.Queue([]byte("ABCDEF"))
	peer.Inject(1, transfertest.FaultResetSequence)
	e := newEngine(t, peer, nil)

	data, _, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if string(data) != "ABCDEF" {
		t.Errorf("data = %q, want %q", data, "ABCDEF")
	}
	if restart := peer.Requests()[2].Packet; restart.Flags != packet.FlagPoll || restart.Sequence != 0 {
		t.Errorf("restart request = seq %d %s, want seq 0 [---P]", restart.Sequence, restart.Flags)
	}
}

func TestDownlink_DuplicateRetransmitsIdenticalFrame(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.FragmentSize = 2
	peer.Queue([]byte("ABCD"))
	peer.Inject(1, transfertest.FaultDuplicate)
	e := newEngine(t, peer, nil)

	data, _, err := e.Downlink(t.Context())
	if err != nil {
		t.Fatalf("Downlink failed: %v", err)
	}
	if string(data) != "ABCD" {
		t.Errorf("data = %q, want %q", data, "ABCD")
	}
	reqs := peer.Requests()
	if !bytes.Equal(reqs[1].Frame, reqs[2].Frame) {
		t.Error("retransmitted frame differs from the original")
	}
}

func TestDownlink_Overflow(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	peer.Queue(pattern(100))
	e, err := transfer.New(peer, transfer.Config{SerialNumber: testSerial, Token: testToken, MaxDownlink: 64})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, _, err := e.Downlink(t.Context()); !errors.Is(err, transfer.ErrResource) {
		t.Errorf("err = %v, want ErrResource", err)
	}
}

func TestLock_BoundedByContext(t *testing.T) {
	peer := transfertest.NewPeer(testSerial, testToken)
	e := newEngine(t, peer, nil)

	if err := e.Lock(t.Context()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := e.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock = %v, want deadline exceeded", err)
	}
	e.Unlock()
	if err := e.Lock(t.Context()); err != nil {
		t.Errorf("Lock after Unlock failed: %v", err)
	}
	e.Unlock()
}
