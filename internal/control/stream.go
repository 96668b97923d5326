package control

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/provisr/internal/protocol"
	"github.com/loykin/provisr/internal/ratelimit"
	"github.com/loykin/provisr/internal/supervisor"
)

// handleStream mounts the framed event stream under /ws. It hijacks the
// underlying connection with the standard library instead of pulling in a
// websocket library: the wire format is the narrowed RFC 6455 subset
// implemented by internal/protocol, not full websocket negotiation, so a
// real websocket library would buy nothing here.
func (h *HTTPRouter) handleStream(c *gin.Context) {
	hj, ok := c.Writer.(http.Hijacker)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		h.log.Warn("stream: hijack failed", "error", err)
		return
	}
	defer conn.Close()

	if _, err := buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nConnection: close\r\n\r\n"); err != nil {
		return
	}
	if err := buf.Flush(); err != nil {
		return
	}

	limiter := ratelimit.New(ratelimit.StreamPolicy)
	events, cancel := h.orch.Events().Subscribe(128)
	defer cancel()

	go drainStreamReads(conn)

	for ev := range events {
		if !limiter.Check(c.ClientIP()) {
			continue
		}
		if err := writeFrame(conn, ev, h.log); err != nil {
			return
		}
	}
}

// drainStreamReads discards client frames (pings, close) so the peer's
// writes never block on a full kernel buffer; the stream is server-push
// only, so nothing the client sends changes server behavior.
func drainStreamReads(conn net.Conn) {
	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func writeFrame(conn net.Conn, ev supervisor.Event, log *slog.Logger) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn("stream: marshal event failed", "error", err)
		return nil
	}
	frame := protocol.Encode(protocol.OpText, payload)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(frame)
	return err
}
