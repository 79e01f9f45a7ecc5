package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

var _ jsonrpc2.ObjectStream = (*wsStream)(nil)

// wsStream carries one JSON-RPC object per websocket text message.
type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla allows one concurrent writer.
	mu sync.Mutex
}

func newWSStream(conn *websocket.Conn, writeTimeout time.Duration) *wsStream {
	return &wsStream{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsStream) WriteObject(obj interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(obj)
}

func (s *wsStream) ReadObject(v interface{}) error {
	return s.conn.ReadJSON(v)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
