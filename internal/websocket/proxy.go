package websocket

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kairos-proxy/kairos/internal/logging"
	"github.com/kairos-proxy/kairos/internal/transform"
)

// Proxy splices WebSocket sessions between client and backend via HTTP
// hijack. Frames of every type pass through the byte-level splice
// unchanged, including Close, so close propagation and ping/pong need no
// frame parsing. The backend is chosen once at handshake; established
// sessions are unaffected by later circuit transitions.
type Proxy struct {
	dialTimeout time.Duration
	readBufSize int
	onOpen      func()
	onClose     func()
}

// NewProxy creates a WebSocket proxy. The callbacks, when set, track the
// live session count.
func NewProxy(onOpen, onClose func()) *Proxy {
	return &Proxy{
		dialTimeout: 10 * time.Second,
		readBufSize: 4096,
		onOpen:      onOpen,
		onClose:     onClose,
	}
}

// IsUpgradeRequest checks whether the request asks for a WebSocket
// upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// ServeHTTP proxies an entire WebSocket session. backendURL is the
// backend's base URL (ws or wss scheme); internalPath is the transformed
// path the backend expects. The return value reports whether the
// handshake reached the backend, so the caller can record the outcome on
// the backend's circuit breaker.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, backendURL, internalPath string) bool {
	target, err := url.Parse(backendURL)
	if err != nil {
		http.Error(w, "Bad Gateway: invalid backend URL", http.StatusBadGateway)
		return false
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "WebSocket upgrade not supported", http.StatusInternalServerError)
		return false
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Failed to hijack connection", http.StatusInternalServerError)
		return false
	}
	defer clientConn.Close()

	backendConn, err := p.dial(target)
	if err != nil {
		logging.Warn("websocket backend dial failed",
			zap.String("backend", backendURL),
			zap.Error(err),
		)
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return false
	}
	defer backendConn.Close()

	if err := p.sendHandshake(backendConn, r, target, internalPath); err != nil {
		logging.Warn("websocket handshake write failed", zap.Error(err))
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return false
	}

	// Relay the backend's response (101 Switching Protocols on success)
	buf := make([]byte, p.readBufSize)
	n, err := backendConn.Read(buf)
	if err != nil {
		logging.Warn("websocket backend response read failed", zap.Error(err))
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return false
	}
	if _, err := clientConn.Write(buf[:n]); err != nil {
		return true
	}

	if p.onOpen != nil {
		p.onOpen()
	}
	if p.onClose != nil {
		defer p.onClose()
	}

	p.splice(clientConn, clientBuf.Reader, backendConn)
	return true
}

// dial opens the backend socket, with TLS for wss.
func (p *Proxy) dial(target *url.URL) (net.Conn, error) {
	addr := target.Host
	secure := target.Scheme == "wss" || target.Scheme == "https"
	if !strings.Contains(addr, ":") {
		if secure {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	conn, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, err
	}
	if !secure {
		return conn, nil
	}

	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// sendHandshake re-sends the client's upgrade request to the backend with
// the internal path and the backend's authority. Hop-by-hop headers other
// than the upgrade pair are dropped.
func (p *Proxy) sendHandshake(backendConn net.Conn, r *http.Request, target *url.URL, internalPath string) error {
	reqPath := internalPath
	if r.URL.RawQuery != "" {
		reqPath += "?" + r.URL.RawQuery
	}

	var sb strings.Builder
	sb.WriteString(r.Method + " " + reqPath + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + target.Host + "\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Upgrade: websocket\r\n")

	for key, values := range r.Header {
		switch {
		case strings.EqualFold(key, "Host"):
			continue
		case strings.EqualFold(key, "Connection"), strings.EqualFold(key, "Upgrade"):
			continue // re-emitted above
		case transform.IsHopByHop(key):
			continue
		}
		for _, v := range values {
			sb.WriteString(key + ": " + v + "\r\n")
		}
	}
	sb.WriteString("\r\n")

	_, err := backendConn.Write([]byte(sb.String()))
	return err
}

// splice pumps bytes both ways until either side closes or errors, then
// tears down both connections. Any bytes the client sent ahead of the
// hijack sit in clientBuf and are drained first.
func (p *Proxy) splice(clientConn net.Conn, clientBuf *bufio.Reader, backendConn net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(backendConn, clientBuf)
		// Unblock the other direction
		backendConn.SetReadDeadline(time.Now().Add(time.Second))
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(clientConn, backendConn)
		clientConn.SetReadDeadline(time.Now().Add(time.Second))
		return err
	})

	g.Wait()
}
