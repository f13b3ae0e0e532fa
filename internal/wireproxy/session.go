package wireproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bdobrica/agentgate/common/redact"
	"github.com/bdobrica/agentgate/internal/audit"
	"github.com/bdobrica/agentgate/internal/cc"
)

// wsConn is the subset of *websocket.Conn the session needs. Defining it
// lets tests drive Session.Run against an in-memory fake instead of a real
// socket pair.
type wsConn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config configures one Session.
type Config struct {
	GatewayID      string
	UpstreamToken  string
	RequireCC      bool
	Verifier       *cc.Verifier
	Chain          *audit.Chain
	TextMessage    int
}

// Session proxies one client connection to one upstream connection,
// enforcing the connect handshake and method gating of §4.5.
type Session struct {
	id     string
	cfg    Config
	client wsConn
	up     wsConn

	mu            sync.RWMutex
	authenticated bool
	scopes        []string

	requestCount atomic.Int64
}

// NewSession wraps an already-dialed upstream connection and an accepted
// client connection.
func NewSession(cfg Config, client, up wsConn) *Session {
	return &Session{id: uuid.NewString(), cfg: cfg, client: client, up: up}
}

// Run drives the session to completion: forwards the upstream challenge,
// performs the connect handshake, then pumps both directions until either
// side closes (§4.5 steps 2-6).
func (s *Session) Run(ctx context.Context) error {
	if err := s.forwardChallenge(ctx); err != nil {
		return err
	}
	if err := s.handleConnect(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.pumpClientToUpstream(ctx) }()
	go func() { errCh <- s.pumpUpstreamToClient(ctx) }()

	err := <-errCh
	s.client.Close()
	s.up.Close()
	<-errCh
	return err
}

// forwardChallenge relays the upstream's initial challenge frame to the
// client unmodified (§4.5 step 2).
func (s *Session) forwardChallenge(ctx context.Context) error {
	_, payload, err := s.up.ReadMessage()
	if err != nil {
		return fmt.Errorf("wireproxy: read upstream challenge: %w", err)
	}
	if err := s.client.WriteMessage(s.cfg.TextMessage, payload); err != nil {
		return fmt.Errorf("wireproxy: forward challenge: %w", err)
	}
	return nil
}

// handleConnect implements §4.5 steps 3-5: verify the CC (if present or
// required), rewrite auth.token, forward to upstream, relay the response.
func (s *Session) handleConnect(ctx context.Context) error {
	_, raw, err := s.client.ReadMessage()
	if err != nil {
		return fmt.Errorf("wireproxy: read connect frame: %w", err)
	}

	var req Frame
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("wireproxy: decode connect frame: %w", err)
	}

	var params ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fmt.Errorf("wireproxy: decode connect params: %w", err)
		}
	}

	s.audit(ctx, audit.EventConnect, "", nil)

	scopes := params.Scopes
	if params.Auth.CCToken != "" || s.cfg.RequireCC {
		if params.Auth.CCToken == "" {
			s.denyConnect(ctx, req.ID, ErrCodeCCRequired, "capability certificate required", params.Auth.Token)
			if err := s.writeError(req.ID, ErrCodeCCRequired, "capability certificate required"); err != nil {
				return err
			}
			return fmt.Errorf("wireproxy: connect rejected: %s", ErrCodeCCRequired)
		}
		cert, err := s.cfg.Verifier.Verify(params.Auth.CCToken)
		if err != nil {
			s.denyConnect(ctx, req.ID, ErrCodeCCInvalid, err.Error(), params.Auth.Token, params.Auth.CCToken)
			if werr := s.writeError(req.ID, ErrCodeCCInvalid, err.Error()); werr != nil {
				return werr
			}
			return fmt.Errorf("wireproxy: connect rejected: %s: %w", ErrCodeCCInvalid, err)
		}
		scopes = cert.Capabilities
	}

	params.Auth.Token = s.cfg.UpstreamToken
	rewritten := req
	rewrittenParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("wireproxy: re-marshal connect params: %w", err)
	}
	rewritten.Params = rewrittenParams

	upBytes, err := json.Marshal(rewritten)
	if err != nil {
		return fmt.Errorf("wireproxy: marshal rewritten connect: %w", err)
	}
	if err := s.up.WriteMessage(s.cfg.TextMessage, upBytes); err != nil {
		return fmt.Errorf("wireproxy: forward connect: %w", err)
	}

	_, upResp, err := s.up.ReadMessage()
	if err != nil {
		return fmt.Errorf("wireproxy: read upstream connect response: %w", err)
	}
	if err := s.client.WriteMessage(s.cfg.TextMessage, upResp); err != nil {
		return fmt.Errorf("wireproxy: forward connect response: %w", err)
	}

	var resp Frame
	if err := json.Unmarshal(upResp, &resp); err == nil && resp.OK != nil && *resp.OK {
		s.mu.Lock()
		s.authenticated = true
		s.scopes = scopes
		s.mu.Unlock()
		s.audit(ctx, audit.EventConnectAccept, "", nil)
	} else {
		s.audit(ctx, audit.EventConnectDeny, "", nil)
	}
	return nil
}

// denyConnect audits a rejected connect attempt. sensitive lists any
// presented credential values that must never reach the ledger verbatim,
// even when a verifier error happens to echo part of them back.
func (s *Session) denyConnect(ctx context.Context, id, code, message string, sensitive ...string) {
	scrubbed := redact.String(code+": "+message, append(sensitive, s.cfg.UpstreamToken)...)
	s.audit(ctx, audit.EventConnectDeny, "", strPtrOrNil(scrubbed))
}

func (s *Session) writeError(id, code, message string) error {
	frame := errorResponse(id, code, message)
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.client.WriteMessage(s.cfg.TextMessage, b)
}

// pumpClientToUpstream forwards client requests to upstream, gating any
// method present in methodScopes against the session's granted scopes.
func (s *Session) pumpClientToUpstream(ctx context.Context) error {
	for {
		_, raw, err := s.client.ReadMessage()
		if err != nil {
			return err
		}
		s.requestCount.Add(1)

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type != FrameRequest {
			if err := s.up.WriteMessage(s.cfg.TextMessage, raw); err != nil {
				return err
			}
			continue
		}

		if required, gated := RequiredScope(frame.Method); gated {
			s.mu.RLock()
			granted := s.scopes
			s.mu.RUnlock()
			if !hasScope(granted, required) {
				method := frame.Method
				s.audit(ctx, audit.EventMethodDenied, method, strPtrOrNil("missing scope "+required))
				if err := s.writeError(frame.ID, ErrCodePolicyDenied, "missing required scope"); err != nil {
					return err
				}
				continue
			}
		}

		if err := s.up.WriteMessage(s.cfg.TextMessage, raw); err != nil {
			return err
		}
	}
}

// pumpUpstreamToClient relays upstream responses and events to the client
// verbatim; the proxy does not introspect their payloads (§4.5 Audit).
func (s *Session) pumpUpstreamToClient(ctx context.Context) error {
	for {
		_, raw, err := s.up.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.client.WriteMessage(s.cfg.TextMessage, raw); err != nil {
			return err
		}
	}
}

// RequestCount returns the number of client requests forwarded so far (the
// per-session counter the audit layer reports, §4.5 Audit).
func (s *Session) RequestCount() int64 { return s.requestCount.Load() }

func (s *Session) audit(ctx context.Context, eventType audit.EventType, tool string, errMsg *string) {
	if s.cfg.Chain == nil {
		return
	}
	draft := audit.Draft{EventType: eventType, CorrelationID: &s.id, Error: errMsg}
	if tool != "" {
		draft.Tool = &tool
	}
	if _, err := s.cfg.Chain.Append(ctx, draft); err != nil {
		slog.Error("wireproxy: failed to audit session event", "event", eventType, "err", err)
	}
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
