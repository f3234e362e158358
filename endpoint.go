package deepstream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// endpoint is the leaf transport: it delivers ordered text frames and
// signals open/close/error back into the connection. The production
// implementation is a websocket; tests substitute a mock.
type endpoint interface {
	// open establishes the transport asynchronously. The endpoint reports
	// the outcome through the connection's onOpen/onEndpointClose hooks.
	open()

	// send writes one already-encoded frame.
	send(frame string) error

	// close shuts the transport down gracefully.
	close()

	// forceClose tears the transport down without a closing handshake.
	forceClose()
}

// endpointFactory creates endpoints for a normalized URL. Swappable so the
// connection tests can drive the state machine directly.
type endpointFactory func(uri string, conn *connection) endpoint

// websocketEndpoint is the gorilla/websocket transport.
type websocketEndpoint struct {
	uri  string
	conn *connection

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func newWebsocketEndpoint(uri string, conn *connection) endpoint {
	return &websocketEndpoint{uri: uri, conn: conn}
}

func (e *websocketEndpoint) open() {
	e.mu.Lock()
	e.closed = false
	e.mu.Unlock()

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		ws, _, err := dialer.Dial(e.uri, nil)
		if err != nil {
			e.conn.onEndpointError(err.Error())
			e.conn.onEndpointClose()
			return
		}

		e.mu.Lock()
		e.ws = ws
		e.mu.Unlock()

		e.conn.onOpen()
		e.readLoop(ws)
	}()
}

func (e *websocketEndpoint) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			e.mu.Lock()
			deliberate := e.closed
			e.mu.Unlock()
			if !deliberate {
				e.conn.onEndpointError(err.Error())
			}
			e.conn.onEndpointClose()
			return
		}
		e.conn.onMessage(string(data))
	}
}

func (e *websocketEndpoint) send(frame string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ws == nil {
		return ErrClientClosed
	}
	return e.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (e *websocketEndpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.ws != nil {
		deadline := time.Now().Add(time.Second)
		e.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		e.ws.Close()
		e.ws = nil
	}
}

func (e *websocketEndpoint) forceClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.ws != nil {
		e.ws.Close()
		e.ws = nil
	}
}
