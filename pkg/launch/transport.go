package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed reports that the peer closed the channel or the local
// side was shut down. The launcher treats it as stream termination.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one side of the bidirectional launch channel. Send and Recv
// must be safe for use from different goroutines; Recv delivers envelopes in
// the order the peer sent them.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// ChannelTransport is an in-process Transport half, used when the worker runs
// inside the orchestrator process and in tests.
type ChannelTransport struct {
	out      chan Envelope
	in       chan Envelope
	done     chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

// NewChannelPair returns two connected in-process transports. Envelopes sent
// on one side arrive on the other in order, surviving a close of the sending
// side until the buffer is drained.
func NewChannelPair(buffer int) (*ChannelTransport, *ChannelTransport) {
	ab := make(chan Envelope, buffer)
	ba := make(chan Envelope, buffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &ChannelTransport{out: ab, in: ba, done: aDone, peerDone: bDone}
	b := &ChannelTransport{out: ba, in: ab, done: bDone, peerDone: aDone}
	return a, b
}

// Send implements Transport.
func (t *ChannelTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-t.peerDone:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- env:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-t.peerDone:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Transport. Envelopes buffered before the peer closed are
// still delivered; only a drained channel reports ErrTransportClosed.
func (t *ChannelTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	default:
	}
	select {
	case env := <-t.in:
		return env, nil
	case <-t.peerDone:
		select {
		case env := <-t.in:
			return env, nil
		default:
		}
		return Envelope{}, ErrTransportClosed
	case <-t.done:
		return Envelope{}, ErrTransportClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close implements Transport. Closing is idempotent.
func (t *ChannelTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// WebsocketTransport carries envelopes as JSON text frames over a websocket
// connection. Writes are serialized with a mutex since the underlying
// connection allows only one concurrent writer.
type WebsocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketTransport wraps an established connection.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{conn: conn}
}

// Send implements Transport.
func (t *WebsocketTransport) Send(ctx context.Context, env Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Recv implements Transport. Any read failure, including a clean close from
// the peer, is reported as ErrTransportClosed.
func (t *WebsocketTransport) Recv(ctx context.Context) (Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	var env Envelope
	if err := t.conn.ReadJSON(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return env, nil
}

// Close implements Transport. A close frame is sent best effort before the
// connection is torn down.
func (t *WebsocketTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}
