package websocket

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Source is the read half of a split Conn (spec.md §5: duplex split).
// Only Recv may be called on it; Ping/Pong/Send live on Sink.
type Source struct {
	conn *Conn
}

// Recv reads the next Message, exactly like Conn.Recv.
func (s *Source) Recv() (*Message, error) {
	return s.conn.Recv()
}

// Sink is the write half of a split Conn. Send/Ping/Pong/Close all funnel
// through a single bounded queue so a slow or silent reader on the other
// end can't make two writer goroutines race each other onto the wire.
type Sink struct {
	conn   *Conn
	outbox chan outboundFrame
}

type outboundFrame struct {
	kind    Kind
	control byte // 0 for a data Send, opcodePing/opcodePong/opcodeClose otherwise
	data    []byte
	code    CloseCode
	reason  string
	done    chan error
}

// Split divides an open Conn into an independent read half and write half,
// so one goroutine can block in Source.Recv while another concurrently
// calls Sink.Send/Ping/Pong/Close (spec.md §5). The returned errgroup.Group
// drives the Sink's internal write-serialization loop; call Wait (or let
// ctx's cancellation stop it) once both halves are done with the
// connection.
func (c *Conn) Split(ctx context.Context) (*Source, *Sink, *errgroup.Group) {
	sink := &Sink{
		conn:   c,
		outbox: make(chan outboundFrame, 32),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case of, ok := <-sink.outbox:
				if !ok {
					return nil
				}
				of.done <- sink.write(of)
			}
		}
	})

	return &Source{conn: c}, sink, g
}

func (s *Sink) write(of outboundFrame) error {
	switch of.control {
	case opcodePing:
		return s.conn.Ping(of.data)
	case opcodePong:
		return s.conn.Pong(of.data)
	case opcodeClose:
		return s.conn.CloseWithCode(of.code, of.reason)
	default:
		return s.conn.Send(of.kind, of.data)
	}
}

// submit hands a frame to the write loop and waits for it to be written.
// The outbox is bounded, so a burst of concurrent Sends queues rather than
// races each other directly onto the wire.
func (s *Sink) submit(of outboundFrame) error {
	of.done = make(chan error, 1)
	s.outbox <- of
	return <-of.done
}

// Send queues a Text or Binary message for the write loop.
func (s *Sink) Send(kind Kind, data []byte) error {
	return s.submit(outboundFrame{kind: kind, data: data})
}

// Ping queues a ping control frame.
func (s *Sink) Ping(data []byte) error {
	return s.submit(outboundFrame{control: opcodePing, data: data})
}

// Pong queues a pong control frame.
func (s *Sink) Pong(data []byte) error {
	return s.submit(outboundFrame{control: opcodePong, data: data})
}

// Close queues the closing Close frame and, once sent, tears down the
// underlying transport. Also closes the outbox so the write loop exits.
func (s *Sink) Close(code CloseCode, reason string) error {
	err := s.submit(outboundFrame{control: opcodeClose, code: code, reason: reason})
	close(s.outbox)
	return err
}
