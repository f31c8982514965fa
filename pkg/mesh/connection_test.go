package mesh

import (
	"testing"
	"time"

	"github.com/meshvpn/meshd/pkg/wire"
)

func TestDueForRetryGating(t *testing.T) {
	// I5/P8: a connection with no address never transitions out of
	// retry_timeout, regardless of elapsed time.
	noAddr := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	noAddr.setState(StateRetryTimeout)
	if noAddr.dueForRetry(time.Now().Add(time.Hour)) {
		t.Fatal("a no-address connection must never be due for retry")
	}

	fast := Intervals{Retry: 10 * time.Millisecond, Keepalive: time.Second, Timeout: time.Second}
	withAddr := newConnection(1, "peer:1234", 8192, 4, 4, fast, testLogger(), nil)
	withAddr.setState(StateRetryTimeout)
	withAddr.lastRetry = time.Now()

	if withAddr.dueForRetry(time.Now()) {
		t.Fatal("should not be due immediately after last_retry")
	}
	if !withAddr.dueForRetry(time.Now().Add(15 * time.Millisecond)) {
		t.Fatal("should be due once the retry interval has elapsed")
	}
}

func TestSendPingMonotonic(t *testing.T) {
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.submit = make(chan submission, 8)

	var lastID uint8
	var lastTime time.Time
	for i := 0; i < 3; i++ {
		c.sendPing()
		if i > 0 && c.sentPingID != lastID+1 {
			t.Fatalf("sentPingID = %d, want %d (P6: +1 each call)", c.sentPingID, lastID+1)
		}
		if c.sentPingTime.Before(lastTime) {
			t.Fatal("sentPingTime must be non-decreasing (P6)")
		}
		lastID, lastTime = c.sentPingID, c.sentPingTime

		select {
		case s := <-c.submit:
			h := wire.DecodeHeader(s.frame[:wire.HeaderSize])
			if h.Type != wire.TypeEchoRequest || h.Special != c.sentPingID {
				t.Fatalf("queued frame = %+v, want echo_request nonce %d", h, c.sentPingID)
			}
		default:
			t.Fatal("sendPing should enqueue an echo_request frame")
		}
	}
}

func TestHandleEchoReplyStalePongDropped(t *testing.T) {
	// Scenario 5: receiver gets echo_reply(nonce=7) while sent_ping_id=9.
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.sentPingID = 9
	c.sentPingTime = time.Now().Add(-time.Millisecond)
	route := &fakeRoute{}

	before := c.pingUS
	now := time.Now()
	c.handleEchoReply(7, now, route)

	if c.pingUS != before {
		t.Fatalf("ping = %d, want unchanged %d on stale nonce", c.pingUS, before)
	}
	if route.dirtyCalls != 0 {
		t.Fatal("route must not be marked dirty on a stale pong")
	}
	if !c.lastPing.Equal(now) {
		t.Fatal("last_ping must update regardless of nonce match")
	}
}

func TestHandleEchoReplyMatchUpdatesPing(t *testing.T) {
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.sentPingID = 5
	c.sentPingTime = time.Now().Add(-5 * time.Millisecond)
	route := &fakeRoute{}

	c.handleEchoReply(5, time.Now(), route)

	if c.pingUS < 2 {
		t.Fatalf("ping = %d, want >= 2 (the +2 bias)", c.pingUS)
	}
	if route.dirtyCalls != 1 {
		t.Fatal("route must be marked dirty on a matching pong")
	}
}

func TestHandleEchoRequestRepliesWithSameNonce(t *testing.T) {
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.submit = make(chan submission, 4)

	c.handleEchoRequest(200)

	select {
	case s := <-c.submit:
		h := wire.DecodeHeader(s.frame[:wire.HeaderSize])
		if h.Type != wire.TypeEchoReply || h.Special != 200 {
			t.Fatalf("got %+v, want echo_reply nonce 200", h)
		}
	default:
		t.Fatal("expected an echo_reply to be queued")
	}
}

func TestEnqueueEthFrameOverMTUDropped(t *testing.T) {
	// Scenario 4: over-MTU frames are silently dropped, never queued.
	c := newConnection(0, "", 100, 4, 4, DefaultIntervals, testLogger(), nil)
	c.submit = make(chan submission, 4)

	c.EnqueueEthFrame(make([]byte, 9000))

	select {
	case s := <-c.submit:
		t.Fatalf("oversized frame should not be enqueued, got %d bytes", len(s.frame))
	default:
	}
}

func TestEnqueueEthFrameUnderMTUQueued(t *testing.T) {
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.submit = make(chan submission, 4)

	c.EnqueueEthFrame([]byte("hello"))

	select {
	case s := <-c.submit:
		if s.isControl {
			t.Fatal("eth_frame must go on the data queue, not the control queue")
		}
	default:
		t.Fatal("expected the frame to be queued")
	}
}

func TestRemoteRoutesGatedByState(t *testing.T) {
	// P2: remote_routes is non-empty only in state active.
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	entries := []wire.RouteEntry{{Addr: wire.HardwareAddress{1, 2, 3, 4, 5, 6}, Ping: 10}}

	c.setState(StateConnecting)
	c.replaceRemoteRoutes(entries)
	if len(c.RemoteRoutes()) != 0 {
		t.Fatal("routes must not be installed outside state active (P2)")
	}

	c.setState(StateActive)
	c.replaceRemoteRoutes(entries)
	if len(c.RemoteRoutes()) != 1 {
		t.Fatal("routes should be installed once active")
	}
}

func TestDisconnectClearsRoutesAndNotifiesRoute(t *testing.T) {
	// I4: remote_routes is cleared on any entry to closing/reset/retry_timeout.
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.setState(StateActive)
	c.remoteRoutes[wire.HardwareAddress{9}] = 1
	route := &fakeRoute{}

	c.disconnect(route)

	if c.State() != StateClosing {
		t.Fatalf("state = %v, want closing", c.State())
	}
	if len(c.RemoteRoutes()) != 0 {
		t.Fatal("remote_routes must be cleared on disconnect (I4)")
	}
	if route.dirtyCalls != 1 {
		t.Fatal("route layer must be notified on disconnect")
	}
}

func TestResetIdempotentWithAddress(t *testing.T) {
	// P7: reset twice yields the same observable state as once.
	c := newConnection(0, "peer:1234", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.setState(StateActive)
	c.remoteRoutes[wire.HardwareAddress{1}] = 5
	c.protoQ.Push([]byte("x"))
	c.fd = 5

	c.reset()
	if c.State() != StateRetryTimeout {
		t.Fatalf("state after reset = %v, want retry_timeout (address configured)", c.State())
	}
	if c.FD() != -1 {
		t.Fatalf("fd after reset = %d, want -1", c.FD())
	}
	if len(c.RemoteRoutes()) != 0 {
		t.Fatal("routes must be cleared after reset")
	}
	if !c.protoQ.Empty() {
		t.Fatal("proto queue must be cleared after reset")
	}

	c.reset()
	if c.State() != StateRetryTimeout {
		t.Fatalf("state after second reset = %v, want retry_timeout (idempotent)", c.State())
	}
	if c.FD() != -1 {
		t.Fatal("fd must remain -1 after a second reset")
	}
}

func TestResetWithoutAddressGoesInactive(t *testing.T) {
	// I5: an inbound (no-address) connection settles to inactive, not
	// retry_timeout.
	c := newConnection(0, "", 8192, 4, 4, DefaultIntervals, testLogger(), nil)
	c.setState(StateActive)

	c.reset()
	if c.State() != StateInactive {
		t.Fatalf("state = %v, want inactive", c.State())
	}

	// idempotence via the early-return guard this time.
	c.reset()
	if c.State() != StateInactive {
		t.Fatalf("state after second reset = %v, want inactive", c.State())
	}
}
