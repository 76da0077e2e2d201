package gateway

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"IMCore/protocol"
)

// Transport 把 WS 与 QUIC 收敛成同一条读写口径：
// 入向一次给一条完整记录（含 4+1 字节头），出向一次写一条。
type Transport interface {
	ReadRecord(maxSize int) ([]byte, error)
	WriteRecord(data []byte, deadline time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// ===== WebSocket =====

type wsTransport struct {
	conn *websocket.Conn
}

func NewWSTransport(conn *websocket.Conn) Transport { return &wsTransport{conn: conn} }

func (t *wsTransport) ReadRecord(maxSize int) ([]byte, error) {
	if maxSize > 0 {
		t.conn.SetReadLimit(int64(maxSize))
	}
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// 文本帧忽略；业务记录一律二进制
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteRecord(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *wsTransport) Close() error         { return t.conn.Close() }

// ===== QUIC =====

// quicTransport 单连接单双向流；记录边界靠长度前缀
type quicTransport struct {
	sess   quic.Connection
	stream quic.Stream
}

func NewQUICTransport(sess quic.Connection, stream quic.Stream) Transport {
	return &quicTransport{sess: sess, stream: stream}
}

func (t *quicTransport) ReadRecord(maxSize int) ([]byte, error) {
	return protocol.ReadRecord(t.stream, maxSize)
}

func (t *quicTransport) WriteRecord(data []byte, deadline time.Time) error {
	if err := t.stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.stream.Write(data)
	return err
}

func (t *quicTransport) RemoteAddr() net.Addr { return t.sess.RemoteAddr() }

func (t *quicTransport) Close() error {
	_ = t.stream.Close()
	return t.sess.CloseWithError(0, "bye")
}
