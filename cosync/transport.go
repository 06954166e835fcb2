package cosync

import (
	"context"
)

const TransportBufferSize = 32

// a bidirectional message channel to one peer
// messages keep their integrity, but may be delivered out of order across reconnects
type Transport interface {
	Send(ctx context.Context, message []byte) error
	// not closed on close. Select on `Done` as well
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close()
}

type pipeTransport struct {
	ctx     context.Context
	cancel  context.CancelFunc
	send    chan<- []byte
	receive <-chan []byte
}

// two connected in-memory transports. Closing either closes both
func NewTransportPipe(ctx context.Context) (Transport, Transport) {
	cancelCtx, cancel := context.WithCancel(ctx)
	aToB := make(chan []byte, TransportBufferSize)
	bToA := make(chan []byte, TransportBufferSize)
	a := &pipeTransport{
		ctx:     cancelCtx,
		cancel:  cancel,
		send:    aToB,
		receive: bToA,
	}
	b := &pipeTransport{
		ctx:     cancelCtx,
		cancel:  cancel,
		send:    bToA,
		receive: aToB,
	}
	return a, b
}

func (self *pipeTransport) Send(ctx context.Context, message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- append([]byte{}, message...):
		return nil
	}
}

func (self *pipeTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *pipeTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *pipeTransport) Close() {
	self.cancel()
}
