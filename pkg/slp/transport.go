package slp

import "context"

// TxTransport is the transmitter's view of the named logical channels
// crossing to the peer receiver: it sends on DATA, RETRANS, and POLL, and
// receives on ACK and NACK. The physical transport behind these channels
// (queues, sockets, in-memory pipes) is an external collaborator; SLP only
// depends on this interface.
type TxTransport interface {
	SendData(ctx context.Context, f DataFrame) error
	SendRetrans(ctx context.Context, f DataFrame) error
	SendPoll(ctx context.Context, f ControlFrame) error
	Acks() <-chan ControlFrame
	Nacks() <-chan ControlFrame
}

// RxTransport is the receiver's view of the same channels: it receives on
// DATA, RETRANS, and POLL, and sends on ACK and NACK.
type RxTransport interface {
	Data() <-chan DataFrame
	Retrans() <-chan DataFrame
	Polls() <-chan ControlFrame
	SendAck(ctx context.Context, f ControlFrame) error
	SendNack(ctx context.Context, f ControlFrame) error
}
