package slp

import (
	"context"
	"sort"
	"sync"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/go-slp/slp/internal/slperr"
)

// txEntry is one window entry: a sent-but-unacknowledged sequence number,
// either a producer payload or a poll occupying the slot (Payload == nil).
type txEntry struct {
	seq        Seq
	producerID uint64
	payload    []byte // nil for a poll slot
}

func (e txEntry) isPoll() bool { return e.payload == nil }

// pollState tracks the single outstanding liveness poll.
type pollState struct {
	waiting      bool
	ackSeq       Seq
	timeoutCount uint32
}

// TxCore is the transmitter half of SLP: the windowed buffer, ACK/NACK
// handlers, retransmit, liveness poll, and flow control back to the
// producer. It owns no transport and no goroutines of its own outside of
// Run; callers drive it by calling Submit and consuming Info/State.
type TxCore struct {
	cfg       Config
	transport TxTransport
	cs        *crcState

	mu                 sync.Mutex // tx_lock
	window             []txEntry  // sorted ascending by seq; append-only + prefix-drain
	seqCounter         Seq
	primaryWait        bool
	prevPoll           pollState
	dataSendingDecided bool
	pollSendingDecided bool

	ingressCh chan *submission
	infoCh    chan AppInfo
	stateCh   chan FlowState // capacity 1, overwritten on publish

	stats TxStats
}

// submission is one producer request flowing through the ingress task, the
// concrete realization of the APP_DATA_SEND channel.
type submission struct {
	producerID uint64
	payload    []byte
	resultCh   chan submitResult
}

type submitResult struct {
	seq Seq
	err error
}

// TxStats is a point-in-time snapshot of transmitter counters, read under
// the TX lock. Retransmits and received ACKs/NACKs are split by kind and
// by outcome respectively, mirroring the granularity of the original
// protocol engine's compiled-in debug counters (SlpTxDebug_t).
type TxStats struct {
	Submitted       uint64
	Delivered       uint64 // entries completed by ACK
	RetransmitsData uint64 // NACK-triggered resend of a producer payload
	RetransmitsPoll uint64 // NACK-triggered resend of a poll slot
	PollsSent       uint64
	AcksReceived    uint64 // every ACK handled, valid or not
	NacksReceived   uint64 // every NACK handled, valid or not
	AcksDropped     uint64 // ACK referencing an unknown sequence, or failing CRC
	NacksDropped    uint64 // NACK referencing an unknown sequence, or failing CRC
}

// NewTxCore builds a transmitter bound to transport, starting sequence
// allocation at 1 (0 is the reset sentinel and is never allocated to a
// real submission or poll).
func NewTxCore(cfg Config, transport TxTransport) (*TxCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, slperr.InvalidInput.New(err)
	}
	return &TxCore{
		cfg:        cfg,
		transport:  transport,
		cs:         newCRCState(cfg.CRCPolynomial),
		seqCounter: 1,
		ingressCh:  make(chan *submission),
		infoCh:     make(chan AppInfo, 64),
		stateCh:    make(chan FlowState, 1),
	}, nil
}

// Info returns the APP_INFO event stream.
func (tx *TxCore) Info() <-chan AppInfo { return tx.infoCh }

// State returns the APP_STATE event stream (capacity 1; a new state
// overwrites any unread prior state, so the producer only ever observes
// the latest value).
func (tx *TxCore) State() <-chan FlowState { return tx.stateCh }

// Stats returns a snapshot of the transmitter's counters.
func (tx *TxCore) Stats() TxStats {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.stats
}

// Run starts the transmitter's tasks (ingress, ACK handler, NACK handler,
// poll loop) under a supervised goroutine group and blocks until ctx is
// canceled or a task fails, returning the aggregated error.
func (tx *TxCore) Run(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "component", "tx")
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	g.Go("tx-ingress", tx.runIngress)
	g.Go("tx-ack", tx.runAckHandler)
	g.Go("tx-nack", tx.runNackHandler)
	g.Go("tx-poll", tx.runPollLoop)
	return g.Wait()
}

// Submit is the APP_DATA_SEND boundary call: the producer hands a payload
// to the transmitter. It blocks until the ingress task has assigned a
// sequence number and queued the wire frame, or ctx is canceled.
func (tx *TxCore) Submit(ctx context.Context, producerID uint64, payload []byte) (Seq, error) {
	if err := ValidatePayloadLen(payload, tx.cfg.MaxPayload); err != nil {
		return 0, err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	req := &submission{producerID: producerID, payload: cp, resultCh: make(chan submitResult, 1)}
	select {
	case tx.ingressCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res.seq, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// runIngress is the TX ingress task (§4.1.1): it waits on producer
// submissions, serialized against poll's sequence allocation by the
// data/poll "decided" flags under tx_lock.
func (tx *TxCore) runIngress(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-tx.ingressCh:
			seq, err := tx.ingestOne(ctx, req.producerID, req.payload)
			req.resultCh <- submitResult{seq: seq, err: err}
		}
	}
}

func (tx *TxCore) ingestOne(ctx context.Context, producerID uint64, payload []byte) (Seq, error) {
	tx.mu.Lock()
	for tx.pollSendingDecided {
		// Mutual exclusion with the poll loop's sequence allocation:
		// wait it out before taking tx_lock actions that assume a
		// stable seqCounter.
		tx.mu.Unlock()
		tx.mu.Lock()
	}
	tx.dataSendingDecided = true

	seq := tx.seqCounter
	tx.window = append(tx.window, txEntry{seq: seq, producerID: producerID, payload: payload})
	tx.seqCounter++
	tx.dataSendingDecided = false
	tx.stats.Submitted++

	wasWaiting := tx.primaryWait
	engageWait := !wasWaiting && len(tx.window) >= tx.cfg.NMax-tx.cfg.Tolerance
	if engageWait {
		tx.primaryWait = true
	}
	tx.mu.Unlock()

	tx.publishInfo(AppInfo{Type: AppDataReceived, ProducerID: producerID, Seq: seq})
	if engageWait {
		tx.publishState(Wait)
	}

	frame := DataFrame{
		Header:  Header{Sub: SubHeader{AppDataLen: uint32(len(payload)), SeqNum: seq}},
		Payload: payload,
	}
	sub := make([]byte, SubHeaderSize)
	frame.Sub.encode(sub)
	frame.CRC = tx.cs.sum(sub, payload)
	if err := tx.transport.SendData(ctx, frame); err != nil {
		return seq, slperr.Transport.New(errors.Wrap(err, "send data frame"))
	}
	return seq, nil
}

// runAckHandler is the TX ACK-handler task (§4.1.2): cumulative closure of
// window entries up to and including the acknowledged sequence.
func (tx *TxCore) runAckHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ack, ok := <-tx.transport.Acks():
			if !ok {
				return nil
			}
			tx.handleAck(ctx, ack)
		}
	}
}

func (tx *TxCore) handleAck(ctx context.Context, ack ControlFrame) {
	tx.mu.Lock()
	tx.stats.AcksReceived++
	tx.mu.Unlock()

	ackCtx := fieldCtx(ctx, "ACK", ack.Sub.SeqNum)
	if !VerifyControlFrame(tx.cs, ack) {
		tx.mu.Lock()
		tx.stats.AcksDropped++
		tx.mu.Unlock()
		dlog.Debug(ackCtx, "tx: dropping ACK with bad CRC")
		return
	}
	reset := ack.HasReceiverReset()

	tx.mu.Lock()
	pos, found := tx.findWindowIndex(ack.Sub.SeqNum)
	if !found {
		tx.stats.AcksDropped++
		tx.mu.Unlock()
		dlog.Debug(ackCtx, "tx: ACK for unknown sequence, dropping")
		return
	}

	completed := append([]txEntry(nil), tx.window[:pos+1]...)
	tx.window = tx.window[pos+1:]
	tx.stats.Delivered += uint64(len(completed))

	if tx.prevPoll.waiting && tx.prevPoll.ackSeq <= ack.Sub.SeqNum {
		tx.prevPoll.waiting = false
	}

	releaseWait := tx.primaryWait && len(tx.window) <= tx.cfg.RestartLimit
	if releaseWait {
		tx.primaryWait = false
	}
	tx.mu.Unlock()

	for _, e := range completed {
		if !e.isPoll() {
			infoType := Done
			if reset {
				infoType = DoneAndRxReset
			}
			tx.publishInfo(AppInfo{Type: infoType, ProducerID: e.producerID, Seq: e.seq})
		} else if reset {
			tx.publishInfo(AppInfo{Type: RxReset, ProducerID: NoProducerID, Seq: e.seq})
		}
	}
	if releaseWait {
		tx.publishState(GoOn)
	}
}

// runNackHandler is the TX NACK-handler task (§4.1.3): selective
// retransmit of the named sequence number.
func (tx *TxCore) runNackHandler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case nack, ok := <-tx.transport.Nacks():
			if !ok {
				return nil
			}
			tx.handleNack(ctx, nack)
		}
	}
}

func (tx *TxCore) handleNack(ctx context.Context, nack ControlFrame) {
	tx.mu.Lock()
	tx.stats.NacksReceived++
	tx.mu.Unlock()

	nackCtx := fieldCtx(ctx, "NACK", nack.Sub.SeqNum)
	if !VerifyControlFrame(tx.cs, nack) {
		tx.mu.Lock()
		tx.stats.NacksDropped++
		tx.mu.Unlock()
		dlog.Debug(nackCtx, "tx: dropping NACK with bad CRC")
		return
	}

	tx.mu.Lock()
	pos, found := tx.findWindowIndex(nack.Sub.SeqNum)
	if !found {
		tx.stats.NacksDropped++
		tx.mu.Unlock()
		dlog.Debug(nackCtx, "tx: NACK for unknown sequence, dropping")
		return
	}
	entry := tx.window[pos]
	if entry.isPoll() {
		tx.stats.RetransmitsPoll++
	} else {
		tx.stats.RetransmitsData++
	}
	tx.mu.Unlock()

	payload := entry.payload // nil for a poll slot -> zero-length retransmit frame
	frame := DataFrame{
		Header:  Header{Sub: SubHeader{AppDataLen: uint32(len(payload)), SeqNum: entry.seq}},
		Payload: payload,
	}
	sub := make([]byte, SubHeaderSize)
	frame.Sub.encode(sub)
	frame.CRC = tx.cs.sum(sub, payload)
	if err := tx.transport.SendRetrans(ctx, frame); err != nil {
		dlog.Errorf(fieldCtx(ctx, "RETRANS", entry.seq), "tx: failed to send retransmit: %v", err)
		return
	}
	if nack.HasReceiverReset() {
		producerID := NoProducerID
		if !entry.isPoll() {
			producerID = entry.producerID
		}
		tx.publishInfo(AppInfo{Type: RxReset, ProducerID: producerID, Seq: entry.seq})
	}
}

// runPollLoop is the TX poll task (§4.1.4): the stall-detection liveness
// probe.
func (tx *TxCore) runPollLoop(ctx context.Context) error {
	ticker := newTicker(tx.cfg.PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			tx.pollTick(ctx)
		}
	}
}

func (tx *TxCore) pollTick(ctx context.Context) {
	tx.mu.Lock()
	if tx.prevPoll.waiting {
		if tx.prevPoll.timeoutCount < tx.cfg.PollAckTimeout {
			tx.prevPoll.timeoutCount++
			tx.mu.Unlock()
			return
		}
		tx.prevPoll.waiting = false
	}
	nr0, oldest0, ok0 := tx.oldestLocked()
	tx.mu.Unlock()
	if nr0 == 0 {
		return
	}

	if !sleepCtx(ctx, tx.cfg.PollCheckTime) {
		return
	}

	tx.mu.Lock()
	nr1, oldest1, ok1 := tx.oldestLocked()
	if nr1 == 0 || !ok0 || !ok1 || oldest1 != oldest0 {
		tx.mu.Unlock()
		return
	}
	if tx.dataSendingDecided {
		// Ingress is mid-insert; abandon this cycle rather than race it
		// for the next sequence number.
		tx.mu.Unlock()
		return
	}
	tx.pollSendingDecided = true
	seq := tx.seqCounter
	tx.window = append(tx.window, txEntry{seq: seq, payload: nil})
	tx.seqCounter++
	tx.pollSendingDecided = false
	tx.prevPoll = pollState{waiting: true, ackSeq: seq, timeoutCount: 0}
	tx.stats.PollsSent++
	tx.mu.Unlock()

	frame := ControlFrame{Header: Header{Sub: SubHeader{SeqNum: seq}}}
	sub := make([]byte, SubHeaderSize)
	frame.Sub.encode(sub)
	frame.CRC = tx.cs.sum(sub)
	if err := tx.transport.SendPoll(ctx, frame); err != nil {
		dlog.Errorf(fieldCtx(ctx, "POLL", seq), "tx: failed to send poll: %v", err)
	}
}

// oldestLocked returns the window size and oldest entry's sequence number.
// Caller holds tx.mu.
func (tx *TxCore) oldestLocked() (n int, oldest Seq, ok bool) {
	if len(tx.window) == 0 {
		return 0, 0, false
	}
	return len(tx.window), tx.window[0].seq, true
}

// findWindowIndex returns the index of seq in the sorted window, or
// (0, false) if absent. Caller holds tx.mu.
func (tx *TxCore) findWindowIndex(seq Seq) (int, bool) {
	i := sort.Search(len(tx.window), func(i int) bool { return tx.window[i].seq >= seq })
	if i < len(tx.window) && tx.window[i].seq == seq {
		return i, true
	}
	return 0, false
}

func (tx *TxCore) publishInfo(info AppInfo) {
	tx.infoCh <- info
}

// fieldCtx attaches the channel and sequence number a log line concerns,
// rendered in a fixed column order by slplog.Formatter.
func fieldCtx(ctx context.Context, channel string, seq Seq) context.Context {
	return dlog.WithField(dlog.WithField(ctx, "channel", channel), "seq", seq)
}

// publishState implements the "watch channel" from the design notes: a
// capacity-1 channel that's drained before each send so the reader always
// observes only the latest state, never a backlog of stale ones.
func (tx *TxCore) publishState(state FlowState) {
	select {
	case <-tx.stateCh:
	default:
	}
	tx.stateCh <- state
}
