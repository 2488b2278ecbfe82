//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback: one goroutine per connection calls the
// read handler in a loop until the connection is removed. Nothing is read
// ahead of the handler, so frames stay intact.
type Epoll struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	onRead func(net.Conn)
	done   chan struct{}
	once   sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}, nil
}

// SetReadHandler sets the function that reads one message from a
// connection. It must be called before Add.
func (e *Epoll) SetReadHandler(fn func(net.Conn)) {
	e.onRead = fn
}

// Add starts serving reads for conn.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.serve(conn)
	return nil
}

func (e *Epoll) serve(conn net.Conn) {
	for e.watching(conn) {
		select {
		case <-e.done:
			return
		default:
		}
		if e.onRead != nil {
			e.onRead(conn)
		}
	}
}

func (e *Epoll) watching(conn net.Conn) bool {
	e.mu.Lock()
	_, ok := e.conns[conn]
	e.mu.Unlock()
	return ok
}

// Remove stops serving conn after its current read.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until Close. Reads are driven by the per-connection
// goroutines, so there is never a batch to return.
func (e *Epoll) Wait() ([]net.Conn, error) {
	<-e.done
	return nil, net.ErrClosed
}

// Close stops every serving goroutine.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[net.Conn]struct{}{}
	e.mu.Unlock()
	return nil
}

// socketFD is unused off Linux.
func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }
