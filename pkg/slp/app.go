package slp

// InfoType enumerates the APP_INFO events the transmitter raises back to
// its producer.
type InfoType int

const (
	// AppDataReceived confirms the transmitter accepted a submission and
	// assigned it a sequence number.
	AppDataReceived InfoType = iota + 1
	// Done confirms the peer receiver has acknowledged the submission.
	Done
	// DoneAndRxReset is Done, plus notice that the acknowledgement carried
	// the ReceiverReset flag: the peer has no memory of prior state.
	DoneAndRxReset
	// RxReset notifies the producer that the peer's receiver has reset,
	// independent of any particular submission completing.
	RxReset
)

func (t InfoType) String() string {
	switch t {
	case AppDataReceived:
		return "APP_DATA_RECEIVED"
	case Done:
		return "DONE"
	case DoneAndRxReset:
		return "DONE_AND_RX_RESET"
	case RxReset:
		return "RX_RESET"
	default:
		return "UNKNOWN_INFO"
	}
}

// AppInfo is one APP_INFO event: info_type, producer_id, seq_num. For
// events not tied to a specific producer submission (RxReset raised by a
// poll-slot acknowledgement), ProducerID is NoProducerID.
type AppInfo struct {
	Type       InfoType
	ProducerID uint64
	Seq        Seq
}

// NoProducerID marks an AppInfo event with no associated producer
// submission.
const NoProducerID uint64 = 0

// FlowState is the coarse producer back-pressure signal published on
// APP_STATE.
type FlowState int

const (
	GoOn FlowState = iota
	Wait
)

func (s FlowState) String() string {
	if s == Wait {
		return "WAIT"
	}
	return "GO_ON"
}

// Consumer is the RX-side application boundary: the ordered hand-off
// target for APP_DATA_RECEIVE events. Deliver is called with the RX lock
// released, in strictly increasing Seq order with no gaps and no repeats,
// except that an acceptance through the reset sentinel (a fresh receiver,
// or seq 0 on the wire) restarts the order at the accepted frame's Seq.
type Consumer interface {
	Deliver(seq Seq, payload []byte)
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(seq Seq, payload []byte)

func (f ConsumerFunc) Deliver(seq Seq, payload []byte) { f(seq, payload) }
