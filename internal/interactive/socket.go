package interactive

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// Socket is the write side of a bidirectional connection.
// *websocket.Conn satisfies it; tests substitute in-memory fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// clientWriter serializes all data writes to one socket through a single
// goroutine so the manager never blocks on a slow client.
type clientWriter struct {
	sock        Socket
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(sock Socket, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		sock:        sock,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()
	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			_ = cw.sock.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
			if err := cw.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// trySend enqueues a frame without blocking. False means the client's
// buffer is full.
func (cw *clientWriter) trySend(msg []byte) bool {
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// ping writes a transport-level ping. Control writes are safe concurrently
// with the writer goroutine's data writes.
func (cw *clientWriter) ping() error {
	return cw.sock.WriteControl(websocket.PingMessage, nil, cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.sock.Close()
	})
	cw.wg.Wait()
}

// stopGraceful writes a close frame with reason before closing the socket.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = cw.sock.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
		_ = cw.sock.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.sock.Close()
	})
}
