package wireproxy

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bdobrica/agentgate/internal/audit"
	"github.com/bdobrica/agentgate/internal/cc"
)

// upgrader accepts the agent-facing WebSocket connection. Origin checking is
// left to whatever sits in front of the proxy, the same stance
// odvcencio-buckley's observability event stream takes for its own upgrader
// (pkg/acp/observability/event_stream.go) — the teacher has no WebSocket
// upgrade path of its own to follow here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Proxy accepts agent WebSocket connections and bridges each to a freshly
// dialed upstream connection, enforcing §4.5 end to end.
type Proxy struct {
	UpstreamURL   string
	UpstreamToken string
	RequireCC     bool
	Verifier      *cc.Verifier
	Chain         *audit.Chain
	GatewayID     string
}

// ServeHTTP upgrades the incoming request to a WebSocket, dials upstream,
// and runs a Session to completion.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wireproxy: upgrade failed", "err", err)
		return
	}

	upConn, _, err := websocket.DefaultDialer.DialContext(r.Context(), p.UpstreamURL, nil)
	if err != nil {
		reject := errorResponse("0", ErrCodeUpstream, "failed to reach upstream")
		if b, merr := json.Marshal(reject); merr == nil {
			clientConn.WriteMessage(websocket.TextMessage, b)
		}
		clientConn.Close()
		slog.Error("wireproxy: upstream dial failed", "upstream", p.UpstreamURL, "err", err)
		return
	}

	session := NewSession(Config{
		GatewayID:     p.GatewayID,
		UpstreamToken: p.UpstreamToken,
		RequireCC:     p.RequireCC,
		Verifier:      p.Verifier,
		Chain:         p.Chain,
		TextMessage:   websocket.TextMessage,
	}, clientConn, upConn)

	if err := session.Run(r.Context()); err != nil {
		slog.Info("wireproxy: session ended", "err", err)
	}
}
