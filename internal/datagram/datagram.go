// Package datagram owns the raw UDP socket. A dedicated reader goroutine
// moves every received packet into a bounded queue and never touches
// engine state (spec.md §9 Design Notes: "the socket reader is an isolated
// producer to a bounded queue"); the tick loop is the sole consumer.
package datagram

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/quantarax/courier/internal/wire"
)

// DefaultQueueDepth is used when Bind is given a non-positive depth.
const DefaultQueueDepth = 1024

// Inbound is one datagram lifted off the wire, paired with its sender.
type Inbound struct {
	Payload []byte
	From    *net.UDPAddr
}

// Socket binds a UDP port and funnels received datagrams into a bounded
// channel. The channel holds at most queueDepth datagrams; once full, the
// oldest queued datagram is dropped to make room for the newest (a slow
// consumer loses history, not liveness).
type Socket struct {
	conn    *net.UDPConn
	inbound chan Inbound
	dropped uint64
	done    chan struct{}
}

// Bind opens addr (host:port, or ":port" to listen on all interfaces) and
// starts the reader goroutine.
func Bind(addr string, queueDepth int) (*Socket, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("datagram: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("datagram: listen %s: %w", addr, err)
	}

	s := &Socket{
		conn:    conn,
		inbound: make(chan Inbound, queueDepth),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// LocalAddr reports the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Inbound returns the channel of received datagrams. Only the tick loop
// should receive from it.
func (s *Socket) Inbound() <-chan Inbound {
	return s.inbound
}

// Dropped returns the number of inbound datagrams discarded because the
// queue was full and the consumer too slow to drain it.
func (s *Socket) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Send writes buf to addr, retrying once on a transient error (the local
// interface's send buffer is momentarily full). buf must already be a
// complete, MTU-bounded encoded message (see internal/wire).
func (s *Socket) Send(buf []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(buf, addr)
	if err == nil {
		return nil
	}
	if nerr, ok := err.(net.Error); !ok || !nerr.Temporary() {
		return fmt.Errorf("datagram: send to %s: %w", addr, err)
	}
	_, err = s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return fmt.Errorf("datagram: send to %s (after retry): %w", addr, err)
	}
	return nil
}

// Close stops the reader goroutine and releases the socket.
func (s *Socket) Close() error {
	close(s.done)
	return s.conn.Close()
}

func (s *Socket) readLoop() {
	buf := make([]byte, wire.MTU)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.enqueue(Inbound{Payload: payload, From: from})
	}
}

func (s *Socket) enqueue(dg Inbound) {
	select {
	case s.inbound <- dg:
		return
	default:
	}
	// Queue full: drop the oldest entry to make room for the newest.
	select {
	case <-s.inbound:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}
	select {
	case s.inbound <- dg:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}
