// Package looptransport is an in-memory, injectable-loss stand-in for the
// named logical channels SLP expects between two peers. It generalizes
// the retrieved connection-pool dialer's single-channel dispatch idiom to
// the five DATA/RETRANS/POLL/ACK/NACK channels, letting tests and the
// demonstration harness exercise the protocol's loss-recovery paths
// without a real socket.
package looptransport

import (
	"context"

	"github.com/go-slp/slp/pkg/slp"
)

// LossModel decides whether a frame crossing one of the loop's channels
// should be dropped. Implementations must be safe for concurrent use;
// the five channel tasks call it independently.
type LossModel interface {
	ShouldDrop(channel string, seq slp.Seq) bool
}

// AlwaysDeliver never drops a frame; it's the default when no LossModel
// is supplied.
type AlwaysDeliver struct{}

func (AlwaysDeliver) ShouldDrop(string, slp.Seq) bool { return false }

// DropSpec names one (channel, seq) pair to drop the first time it's
// seen.
type DropSpec struct {
	Channel string
	Seq     slp.Seq
}

// Channel name constants, matching the external-interfaces naming.
const (
	ChanData    = "DATA"
	ChanRetrans = "RETRANS"
	ChanPoll    = "POLL"
	ChanAck     = "ACK"
	ChanNack    = "NACK"
)

// dropOnce drops each configured (channel, seq) pair exactly once, then
// lets subsequent frames with the same pair (e.g. a later retransmit)
// through.
type dropOnce struct {
	mu      chan struct{} // binary mutex; avoids importing sync for one field
	pending map[dropKey]bool
}

type dropKey struct {
	channel string
	seq     slp.Seq
}

// NewDropOnce builds a LossModel that drops exactly the named frames on
// their first appearance.
func NewDropOnce(specs ...DropSpec) LossModel {
	d := &dropOnce{mu: make(chan struct{}, 1), pending: make(map[dropKey]bool, len(specs))}
	d.mu <- struct{}{}
	for _, s := range specs {
		d.pending[dropKey{s.Channel, s.Seq}] = true
	}
	return d
}

func (d *dropOnce) ShouldDrop(channel string, seq slp.Seq) bool {
	<-d.mu
	defer func() { d.mu <- struct{}{} }()
	k := dropKey{channel, seq}
	if d.pending[k] {
		delete(d.pending, k)
		return true
	}
	return false
}

// Loop is a pair of peers' shared channel set. Build one Loop per
// direction of data flow; a transmitter and receiver dial into it via
// TxSide and RxSide.
type Loop struct {
	dataCh    chan slp.DataFrame
	retransCh chan slp.DataFrame
	pollCh    chan slp.ControlFrame
	ackCh     chan slp.ControlFrame
	nackCh    chan slp.ControlFrame
	loss      LossModel
}

// NewLoop builds a Loop with the given per-channel buffer depth. A nil
// loss delivers everything.
func NewLoop(bufSize int, loss LossModel) *Loop {
	if loss == nil {
		loss = AlwaysDeliver{}
	}
	return &Loop{
		dataCh:    make(chan slp.DataFrame, bufSize),
		retransCh: make(chan slp.DataFrame, bufSize),
		pollCh:    make(chan slp.ControlFrame, bufSize),
		ackCh:     make(chan slp.ControlFrame, bufSize),
		nackCh:    make(chan slp.ControlFrame, bufSize),
		loss:      loss,
	}
}

// TxSide returns the transmitter-facing view of the loop.
func (l *Loop) TxSide() slp.TxTransport { return txView{l} }

// RxSide returns the receiver-facing view of the loop.
func (l *Loop) RxSide() slp.RxTransport { return rxView{l} }

func sendFrame[T any](ctx context.Context, loss LossModel, channel string, seq slp.Seq, ch chan<- T, f T) error {
	if loss.ShouldDrop(channel, seq) {
		return nil
	}
	select {
	case ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type txView struct{ l *Loop }

func (v txView) SendData(ctx context.Context, f slp.DataFrame) error {
	return sendFrame(ctx, v.l.loss, ChanData, f.Sub.SeqNum, v.l.dataCh, f)
}

func (v txView) SendRetrans(ctx context.Context, f slp.DataFrame) error {
	return sendFrame(ctx, v.l.loss, ChanRetrans, f.Sub.SeqNum, v.l.retransCh, f)
}

func (v txView) SendPoll(ctx context.Context, f slp.ControlFrame) error {
	return sendFrame(ctx, v.l.loss, ChanPoll, f.Sub.SeqNum, v.l.pollCh, f)
}

func (v txView) Acks() <-chan slp.ControlFrame  { return v.l.ackCh }
func (v txView) Nacks() <-chan slp.ControlFrame { return v.l.nackCh }

type rxView struct{ l *Loop }

func (v rxView) Data() <-chan slp.DataFrame       { return v.l.dataCh }
func (v rxView) Retrans() <-chan slp.DataFrame    { return v.l.retransCh }
func (v rxView) Polls() <-chan slp.ControlFrame   { return v.l.pollCh }

func (v rxView) SendAck(ctx context.Context, f slp.ControlFrame) error {
	return sendFrame(ctx, v.l.loss, ChanAck, f.Sub.SeqNum, v.l.ackCh, f)
}

func (v rxView) SendNack(ctx context.Context, f slp.ControlFrame) error {
	return sendFrame(ctx, v.l.loss, ChanNack, f.Sub.SeqNum, v.l.nackCh, f)
}
