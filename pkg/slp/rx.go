package slp

import (
	"context"
	"sort"
	"sync"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/go-slp/slp/internal/slperr"
)

// rxEntry is one buffered out-of-order arrival, or a drained in-order
// entry in transit to delivery. payload == nil means there's nothing to
// hand the consumer: either an out-of-order POLL hole marker, or an
// in-order POLL being drained.
type rxEntry struct {
	seq     Seq
	payload []byte
}

// RxCore is the receiver half of SLP: duplicate suppression, the
// out-of-order reorder buffer, ACK/NACK scheduling, and ordered hand-off
// to the consumer.
type RxCore struct {
	cfg       Config
	transport RxTransport
	consumer  Consumer
	cs        *crcState

	mu         sync.Mutex // rx_lock
	waitSeq    Seq
	outOfOrder []rxEntry // sorted ascending by seq, all entries seq > waitSeq

	ackQueue chan Seq // single-producer/single-consumer ring, capacity cfg.NMax

	// NACK-generator debounce state; touched only by runNackGenerator, so
	// it needs no lock of its own.
	lastNackSeq            Seq
	hasLastNack            bool
	nackIteration          int
	consecutiveHoleSamples int

	statsMu sync.Mutex
	stats   RxStats
}

// RxStats is a point-in-time snapshot of receiver counters. Retransmit
// drops and poll receipt are split by kind/independent of outcome,
// mirroring the granularity of the original protocol engine's
// compiled-in debug counters (SlpRxDebug_t).
type RxStats struct {
	Delivered          uint64
	DuplicatesDropped  uint64
	CRCDropped         uint64
	RetransDataDropped uint64 // retransmit rejected (not at wait_seq, or empty reorder buffer), carried a payload
	RetransPollDropped uint64 // retransmit rejected (not at wait_seq, or empty reorder buffer), was a poll slot
	PollsReceived      uint64 // every POLL handled, accepted or not
	AcksSent           uint64
	NacksSent          uint64
}

// NewRxCore builds a receiver bound to transport and consumer, starting
// fresh (wait_seq == 0, the Fresh state: the first arrival of any
// sequence number is accepted).
func NewRxCore(cfg Config, transport RxTransport, consumer Consumer) (*RxCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, slperr.InvalidInput.New(err)
	}
	return &RxCore{
		cfg:       cfg,
		transport: transport,
		consumer:  consumer,
		cs:        newCRCState(cfg.CRCPolynomial),
		ackQueue:  make(chan Seq, cfg.NMax),
	}, nil
}

// Stats returns a snapshot of the receiver's counters.
func (rx *RxCore) Stats() RxStats {
	rx.statsMu.Lock()
	defer rx.statsMu.Unlock()
	return rx.stats
}

// Run starts the receiver's tasks (DATA, RETRANS, and POLL handlers, the
// ACK emitter, and the NACK generator) under a supervised goroutine group
// and blocks until ctx is canceled or a task fails.
func (rx *RxCore) Run(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "component", "rx")
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	g.Go("rx-data", rx.runDataHandler)
	g.Go("rx-retrans", rx.runRetransHandler)
	g.Go("rx-poll", rx.runPollHandler)
	g.Go("rx-ack-emit", rx.runAckEmitter)
	g.Go("rx-nack-gen", rx.runNackGenerator)
	return g.Wait()
}

// runDataHandler is the RX ingress DATA task (§4.2.1).
func (rx *RxCore) runDataHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-rx.transport.Data():
			if !ok {
				return nil
			}
			if !VerifyDataFrame(rx.cs, f) {
				rx.bumpCRCDropped()
				continue
			}
			if err := rx.acceptPrimary(ctx, f.Sub.SeqNum, f.Payload); err != nil {
				return err
			}
		}
	}
}

// runRetransHandler is the RX retransmit DATA task (§4.2.2): the stricter
// head-of-line-only acceptance rule.
func (rx *RxCore) runRetransHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-rx.transport.Retrans():
			if !ok {
				return nil
			}
			if !VerifyDataFrame(rx.cs, f) {
				rx.bumpCRCDropped()
				continue
			}
			if err := rx.acceptRetrans(ctx, f.Sub.SeqNum, f.Payload); err != nil {
				return err
			}
		}
	}
}

// runPollHandler is the RX POLL task (§4.2.3): a POLL is accepted under
// exactly the primary-path rule, carrying no payload.
func (rx *RxCore) runPollHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-rx.transport.Polls():
			if !ok {
				return nil
			}
			rx.bumpPollsReceived()
			if !VerifyControlFrame(rx.cs, f) {
				rx.bumpCRCDropped()
				continue
			}
			if err := rx.acceptPrimary(ctx, f.Sub.SeqNum, nil); err != nil {
				return err
			}
		}
	}
}

// acceptPrimary implements §4.2.1's three-way branch plus the
// reset-sentinel bypass, shared by the DATA and POLL handlers. Acceptance
// covers seq == waitSeq, or either side carrying the reset sentinel (0):
// in every accepted case the new wait_seq is frame.seq + 1, which reduces
// to the ordinary wait_seq + 1 when seq == wait_seq and correctly jumps
// to match the incoming frame under a reset.
func (rx *RxCore) acceptPrimary(ctx context.Context, seq Seq, payload []byte) error {
	rx.mu.Lock()
	accept := seq == rx.waitSeq || rx.waitSeq.IsReset() || seq.IsReset()
	if !accept {
		if seq > rx.waitSeq {
			err := rx.insertOutOfOrderLocked(seq, payload)
			rx.mu.Unlock()
			return err
		}
		rx.mu.Unlock()
		rx.bumpDuplicate()
		return nil
	}

	toDeliver := []rxEntry{{seq: seq, payload: payload}}
	rx.waitSeq = seq + 1
	toDeliver = append(toDeliver, rx.drainLocked()...)
	rx.mu.Unlock()

	return rx.finishAll(ctx, toDeliver)
}

// acceptRetrans implements §4.2.2: a retransmit is only useful to fill
// the head-of-line hole, so it's accepted only at exactly wait_seq with a
// nonempty reorder buffer; every other case is dropped, including the
// reset-sentinel bypass that the primary path allows.
func (rx *RxCore) acceptRetrans(ctx context.Context, seq Seq, payload []byte) error {
	rx.mu.Lock()
	if seq != rx.waitSeq || len(rx.outOfOrder) == 0 {
		rx.mu.Unlock()
		if len(payload) == 0 {
			rx.bumpRetransPollDropped()
		} else {
			rx.bumpRetransDataDropped()
		}
		return nil
	}
	toDeliver := []rxEntry{{seq: seq, payload: payload}}
	rx.waitSeq = seq + 1
	toDeliver = append(toDeliver, rx.drainLocked()...)
	rx.mu.Unlock()

	return rx.finishAll(ctx, toDeliver)
}

// drainLocked implements §4.2.4: pop the contiguous prefix of
// out_of_order starting at the current wait_seq. Caller holds rx.mu.
func (rx *RxCore) drainLocked() []rxEntry {
	var drained []rxEntry
	for len(rx.outOfOrder) > 0 && rx.outOfOrder[0].seq == rx.waitSeq {
		e := rx.outOfOrder[0]
		rx.outOfOrder = rx.outOfOrder[1:]
		rx.waitSeq = e.seq + 1
		drained = append(drained, e)
	}
	return drained
}

// insertOutOfOrderLocked buffers a future-sequence arrival. A duplicate
// of an already-buffered sequence is dropped outright: re-inserting or
// re-scheduling an ACK for it would violate the one-event-per-seq
// testable property. Caller holds rx.mu.
func (rx *RxCore) insertOutOfOrderLocked(seq Seq, payload []byte) error {
	i := sort.Search(len(rx.outOfOrder), func(i int) bool { return rx.outOfOrder[i].seq >= seq })
	if i < len(rx.outOfOrder) && rx.outOfOrder[i].seq == seq {
		rx.bumpDuplicate()
		return nil
	}
	if len(rx.outOfOrder) >= rx.cfg.NMax {
		return slperr.Capacity.Newf("out-of-order buffer overflow at seq=%d (limit %d)", seq, rx.cfg.NMax)
	}
	var cp []byte
	if payload != nil {
		cp = make([]byte, len(payload))
		copy(cp, payload)
	}
	rx.outOfOrder = append(rx.outOfOrder, rxEntry{})
	copy(rx.outOfOrder[i+1:], rx.outOfOrder[i:])
	rx.outOfOrder[i] = rxEntry{seq: seq, payload: cp}
	return nil
}

// finishAll delivers and schedules ACKs for entries accepted under
// rx.mu's release, in order, with the lock released as Consumer requires.
func (rx *RxCore) finishAll(ctx context.Context, entries []rxEntry) error {
	for _, e := range entries {
		if e.payload != nil {
			rx.consumer.Deliver(e.seq, e.payload)
			rx.bumpDelivered()
		}
		if err := rx.enqueueAck(e.seq); err != nil {
			return err
		}
	}
	return nil
}

// enqueueAck is the ack_queue producer side (§3, §4.2.1/4.2.4): a
// nonblocking send, since a full queue means the design constants are
// too small for the workload, which is a fatal configuration error.
func (rx *RxCore) enqueueAck(seq Seq) error {
	select {
	case rx.ackQueue <- seq:
		return nil
	default:
		return slperr.Capacity.Newf("ack queue overflow at seq=%d (limit %d)", seq, rx.cfg.NMax)
	}
}

// runAckEmitter is the RX ACK-emitter task (§4.2.5): the ack_queue
// consumer side.
func (rx *RxCore) runAckEmitter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case seq := <-rx.ackQueue:
			rx.emitAck(ctx, seq)
		}
	}
}

func (rx *RxCore) emitAck(ctx context.Context, seq Seq) {
	rx.mu.Lock()
	reset := rx.waitSeq.IsReset()
	rx.mu.Unlock()

	var flags uint32
	if reset {
		flags = ReceiverReset
	}
	frame := ControlFrame{Header: Header{Sub: SubHeader{AppDataLen: flags, SeqNum: seq}}}
	sub := make([]byte, SubHeaderSize)
	frame.Sub.encode(sub)
	frame.CRC = rx.cs.sum(sub)

	if err := rx.transport.SendAck(ctx, frame); err != nil {
		dlog.Errorf(fieldCtx(ctx, "ACK", seq), "rx: failed to send ack: %v", err)
		return
	}
	rx.statsMu.Lock()
	rx.stats.AcksSent++
	rx.statsMu.Unlock()
}

// runNackGenerator is the RX NACK-generator task (§4.2.6): periodic,
// debounced hole detection. Its debounce fields belong exclusively to
// this goroutine and need no lock.
func (rx *RxCore) runNackGenerator(ctx context.Context) error {
	ticker := newTicker(rx.cfg.NackCheckDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			rx.nackTick(ctx)
		}
	}
}

func (rx *RxCore) nackTick(ctx context.Context) {
	rx.mu.Lock()
	i := 0
	for i < len(rx.outOfOrder) && rx.outOfOrder[i].seq <= rx.waitSeq {
		i++
	}
	rx.outOfOrder = rx.outOfOrder[i:]
	holePresent := len(rx.outOfOrder) > 0
	waitSeq := rx.waitSeq
	rx.mu.Unlock()

	if !holePresent {
		rx.consecutiveHoleSamples = 0
		return
	}
	rx.consecutiveHoleSamples++
	if rx.consecutiveHoleSamples < rx.cfg.NackCheckLimit {
		return
	}
	// The hole has now persisted across NackCheckLimit consecutive samples:
	// this is one completed round, the equivalent of SlpNackShouldBeSent
	// returning true. The next round starts its own fresh count of
	// samples, matching the original's per-round (not per-sample) cadence
	// for clearing NACK suppression.
	rx.consecutiveHoleSamples = 0
	rx.nackIteration++
	if rx.cfg.NackRetransLimit > 0 && rx.nackIteration%rx.cfg.NackRetransLimit == 0 {
		rx.hasLastNack = false
	}

	if rx.hasLastNack && rx.lastNackSeq == waitSeq {
		return
	}
	rx.sendNack(ctx, waitSeq)
	rx.lastNackSeq = waitSeq
	rx.hasLastNack = true
}

func (rx *RxCore) sendNack(ctx context.Context, seq Seq) {
	rx.mu.Lock()
	reset := rx.waitSeq.IsReset()
	rx.mu.Unlock()

	var flags uint32
	if reset {
		flags = ReceiverReset
	}
	frame := ControlFrame{Header: Header{Sub: SubHeader{AppDataLen: flags, SeqNum: seq}}}
	sub := make([]byte, SubHeaderSize)
	frame.Sub.encode(sub)
	frame.CRC = rx.cs.sum(sub)

	if err := rx.transport.SendNack(ctx, frame); err != nil {
		dlog.Errorf(fieldCtx(ctx, "NACK", seq), "rx: failed to send nack: %v", err)
		return
	}
	rx.statsMu.Lock()
	rx.stats.NacksSent++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpDelivered() {
	rx.statsMu.Lock()
	rx.stats.Delivered++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpDuplicate() {
	rx.statsMu.Lock()
	rx.stats.DuplicatesDropped++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpCRCDropped() {
	rx.statsMu.Lock()
	rx.stats.CRCDropped++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpRetransDataDropped() {
	rx.statsMu.Lock()
	rx.stats.RetransDataDropped++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpRetransPollDropped() {
	rx.statsMu.Lock()
	rx.stats.RetransPollDropped++
	rx.statsMu.Unlock()
}

func (rx *RxCore) bumpPollsReceived() {
	rx.statsMu.Lock()
	rx.stats.PollsReceived++
	rx.statsMu.Unlock()
}
