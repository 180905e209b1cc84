package slp

import (
	"context"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-slp/slp/internal/slperr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NMax = 16
	cfg.Tolerance = 4
	cfg.RestartLimit = 2
	cfg.NackCheckDelay = 5 * time.Millisecond
	cfg.NackCheckLimit = 2
	cfg.NackRetransLimit = 10
	return cfg
}

func startRx(t *testing.T, cfg Config, ft *fakeRxTransport, consumer Consumer) (*RxCore, context.Context) {
	t.Helper()
	rx, err := NewRxCore(cfg, ft, consumer)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, true))
	t.Cleanup(cancel)
	go func() { _ = rx.Run(ctx) }()
	return rx, ctx
}

func expectDelivery(t *testing.T, c *capturingConsumer, seq Seq, payload string) {
	t.Helper()
	select {
	case d := <-c.deliveries:
		assert.Equal(t, seq, d.seq)
		assert.Equal(t, payload, string(d.payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery of seq=%d", seq)
	}
}

func expectNoDelivery(t *testing.T, c *capturingConsumer) {
	t.Helper()
	select {
	case d := <-c.deliveries:
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectAck(t *testing.T, ft *fakeRxTransport, seq Seq) ControlFrame {
	t.Helper()
	select {
	case f := <-ft.ackCh:
		assert.Equal(t, seq, f.Sub.SeqNum)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ack of seq=%d", seq)
		return ControlFrame{}
	}
}

func TestRxInOrderDeliveryAndDrain(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	ft.dataCh <- makeDataFrame(cs, 2, []byte("B"))
	expectDelivery(t, consumer, 2, "B")
	expectAck(t, ft, 2)
}

func TestRxOutOfOrderBuffersThenDrains(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	// Prime past the Fresh state.
	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	// seq 3 arrives ahead of wait_seq (2): buffered, no delivery yet.
	ft.dataCh <- makeDataFrame(cs, 3, []byte("C"))
	expectNoDelivery(t, consumer)

	// seq 2 fills the hole: both 2 and 3 drain in order.
	ft.dataCh <- makeDataFrame(cs, 2, []byte("B"))
	expectDelivery(t, consumer, 2, "B")
	expectDelivery(t, consumer, 3, "C")
}

func TestRxDuplicateIsDropped(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	rx, _ := startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A-again"))
	expectNoDelivery(t, consumer)

	require.Eventually(t, func() bool {
		return rx.Stats().DuplicatesDropped == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRxOutOfOrderDuplicateArrivalDropped(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	ft.dataCh <- makeDataFrame(cs, 3, []byte("C"))
	expectNoDelivery(t, consumer)
	ft.dataCh <- makeDataFrame(cs, 3, []byte("C-dup"))
	expectNoDelivery(t, consumer)

	ft.dataCh <- makeDataFrame(cs, 2, []byte("B"))
	expectDelivery(t, consumer, 2, "B")
	expectDelivery(t, consumer, 3, "C") // original payload, not the duplicate's
}

func TestRxResetSentinelAcceptsFirstFrameRegardlessOfSeq(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 100, []byte("A"))
	expectDelivery(t, consumer, 100, "A")
	expectAck(t, ft, 100)

	// wait_seq is now 101; the next expected frame is 101, not 0.
	ft.dataCh <- makeDataFrame(cs, 101, []byte("B"))
	expectDelivery(t, consumer, 101, "B")
}

func TestRxPeerResetSentinelOnWireBypassesOrdering(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)
	ft.dataCh <- makeDataFrame(cs, 2, []byte("B"))
	expectDelivery(t, consumer, 2, "B")
	expectAck(t, ft, 2)
	// wait_seq is now 3; a frame at seq=5 would ordinarily just buffer.

	// Peer restarted and sends the reset sentinel out of the blue.
	ft.dataCh <- makeDataFrame(cs, 0, []byte("RESTARTED"))
	expectDelivery(t, consumer, 0, "RESTARTED")
	expectAck(t, ft, 0)

	// wait_seq is now 1, not 3: the reset discarded the prior ordering state.
	ft.dataCh <- makeDataFrame(cs, 1, []byte("NEXT"))
	expectDelivery(t, consumer, 1, "NEXT")
}

func TestRxCRCMismatchDropped(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	rx, _ := startRx(t, cfg, ft, consumer)

	f := makeDataFrame(cs, 1, []byte("A"))
	f.CRC ^= 0xFF
	ft.dataCh <- f
	expectNoDelivery(t, consumer)

	require.Eventually(t, func() bool {
		return rx.Stats().CRCDropped == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRxRetransmitRequiresHeadOfLineAndNonemptyHole(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	rx, _ := startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	// wait_seq == 2 but out_of_order is empty: a retransmit for 2 must
	// still be dropped, unlike the primary path.
	ft.retransCh <- makeDataFrame(cs, 2, []byte("B"))
	expectNoDelivery(t, consumer)
	require.Eventually(t, func() bool {
		return rx.Stats().RetransDataDropped == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Open a hole, then the same retransmit is accepted.
	ft.dataCh <- makeDataFrame(cs, 3, []byte("C"))
	expectNoDelivery(t, consumer)

	ft.retransCh <- makeDataFrame(cs, 2, []byte("B"))
	expectDelivery(t, consumer, 2, "B")
	expectDelivery(t, consumer, 3, "C")
}

func TestRxOutOfOrderCapacityOverflowIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.NMax = 2
	cfg.Tolerance = 0
	cfg.RestartLimit = 0
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()

	rx, err := NewRxCore(cfg, ft, consumer)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, true))
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- rx.Run(ctx) }()

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A")) // primes wait_seq -> 2
	expectDelivery(t, consumer, 1, "A")

	ft.dataCh <- makeDataFrame(cs, 3, []byte("C"))
	ft.dataCh <- makeDataFrame(cs, 4, []byte("D"))
	ft.dataCh <- makeDataFrame(cs, 5, []byte("E")) // third hole, exceeds NMax=2

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, slperr.Is(err, slperr.Capacity))
	case <-time.After(2 * time.Second):
		t.Fatal("expected rx.Run to fail with a capacity error")
	}
}

func TestRxEmitAckSetsResetFlagWhenWaitSeqIsZero(t *testing.T) {
	cfg := testConfig()
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	rx, err := NewRxCore(cfg, ft, consumer)
	require.NoError(t, err)

	ctx := dlog.NewTestContext(t, true)
	rx.emitAck(ctx, Seq(0)) // wait_seq is still its zero value

	select {
	case f := <-ft.ackCh:
		assert.True(t, f.HasReceiverReset())
	case <-time.After(time.Second):
		t.Fatal("expected an ack to be sent")
	}
}

func TestRxNackGeneratorDebouncesThenNacksPersistentHole(t *testing.T) {
	cfg := testConfig()
	cs := newCRCState(cfg.CRCPolynomial)
	ft := newFakeRxTransport()
	consumer := newCapturingConsumer()
	_, _ = startRx(t, cfg, ft, consumer)

	ft.dataCh <- makeDataFrame(cs, 1, []byte("A"))
	expectDelivery(t, consumer, 1, "A")
	expectAck(t, ft, 1)

	ft.dataCh <- makeDataFrame(cs, 3, []byte("C")) // opens a persistent hole at wait_seq=2

	select {
	case f := <-ft.nackCh:
		assert.Equal(t, Seq(2), f.Sub.SeqNum)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a nack for the persistent hole at seq=2")
	}
}
