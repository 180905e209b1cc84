package slp

import "context"

// fakeRxTransport is a hand-rolled RxTransport for white-box RX tests:
// the DATA/RETRANS/POLL channels are driven directly by the test, and
// ACK/NACK sends land in buffered channels the test can assert against.
type fakeRxTransport struct {
	dataCh    chan DataFrame
	retransCh chan DataFrame
	pollCh    chan ControlFrame
	ackCh     chan ControlFrame
	nackCh    chan ControlFrame
}

func newFakeRxTransport() *fakeRxTransport {
	return &fakeRxTransport{
		dataCh:    make(chan DataFrame, 32),
		retransCh: make(chan DataFrame, 32),
		pollCh:    make(chan ControlFrame, 32),
		ackCh:     make(chan ControlFrame, 32),
		nackCh:    make(chan ControlFrame, 32),
	}
}

func (f *fakeRxTransport) Data() <-chan DataFrame     { return f.dataCh }
func (f *fakeRxTransport) Retrans() <-chan DataFrame  { return f.retransCh }
func (f *fakeRxTransport) Polls() <-chan ControlFrame { return f.pollCh }

func (f *fakeRxTransport) SendAck(_ context.Context, fr ControlFrame) error {
	f.ackCh <- fr
	return nil
}

func (f *fakeRxTransport) SendNack(_ context.Context, fr ControlFrame) error {
	f.nackCh <- fr
	return nil
}

// fakeTxTransport is the TX-side counterpart: DATA/RETRANS/POLL sends
// land in buffered channels the test asserts against, while ACK/NACK are
// driven directly by the test.
type fakeTxTransport struct {
	dataCh    chan DataFrame
	retransCh chan DataFrame
	pollCh    chan ControlFrame
	ackCh     chan ControlFrame
	nackCh    chan ControlFrame
}

func newFakeTxTransport() *fakeTxTransport {
	return &fakeTxTransport{
		dataCh:    make(chan DataFrame, 32),
		retransCh: make(chan DataFrame, 32),
		pollCh:    make(chan ControlFrame, 32),
		ackCh:     make(chan ControlFrame, 32),
		nackCh:    make(chan ControlFrame, 32),
	}
}

func (f *fakeTxTransport) SendData(_ context.Context, fr DataFrame) error {
	f.dataCh <- fr
	return nil
}

func (f *fakeTxTransport) SendRetrans(_ context.Context, fr DataFrame) error {
	f.retransCh <- fr
	return nil
}

func (f *fakeTxTransport) SendPoll(_ context.Context, fr ControlFrame) error {
	f.pollCh <- fr
	return nil
}

func (f *fakeTxTransport) Acks() <-chan ControlFrame  { return f.ackCh }
func (f *fakeTxTransport) Nacks() <-chan ControlFrame { return f.nackCh }

func makeDataFrame(cs *crcState, seq Seq, payload []byte) DataFrame {
	sub := SubHeader{AppDataLen: uint32(len(payload)), SeqNum: seq}
	buf := make([]byte, SubHeaderSize)
	sub.encode(buf)
	crc := cs.sum(buf, payload)
	return DataFrame{Header: Header{CRC: crc, Sub: sub}, Payload: payload}
}

func makeControlFrame(cs *crcState, seq Seq, flags uint32) ControlFrame {
	sub := SubHeader{AppDataLen: flags, SeqNum: seq}
	buf := make([]byte, SubHeaderSize)
	sub.encode(buf)
	crc := cs.sum(buf)
	return ControlFrame{Header: Header{CRC: crc, Sub: sub}}
}

type capturingConsumer struct {
	deliveries chan deliveredItem
}

type deliveredItem struct {
	seq     Seq
	payload []byte
}

func newCapturingConsumer() *capturingConsumer {
	return &capturingConsumer{deliveries: make(chan deliveredItem, 64)}
}

func (c *capturingConsumer) Deliver(seq Seq, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.deliveries <- deliveredItem{seq: seq, payload: cp}
}
