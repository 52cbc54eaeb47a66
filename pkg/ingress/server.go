// Package ingress implements the Local Ingress Server (C4): the only
// HTTP surface this node exposes, bound to loopback and reached either
// by a remote peer over the published hidden service or by this node's
// own Outbound Sender and operator CLI. Every handler here is a pure
// mapping from a collaborator's tagged result to an HTTP status and a
// small JSON envelope — none of the trust, replay, or crypto decisions
// live in this package.
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/contacts"
	"github.com/opd-ai/hiddenwire/pkg/inbound"
	"github.com/opd-ai/hiddenwire/pkg/invite"
	"github.com/opd-ai/hiddenwire/pkg/logger"
	"github.com/opd-ai/hiddenwire/pkg/wire"
)

// MaxBodyBytes bounds every request body this server reads.
const MaxBodyBytes = 64 * 1024

// Deps wires the ingress server to its collaborators.
type Deps struct {
	Pipeline  *inbound.Pipeline
	Invite    *invite.Manager
	Contacts  *contacts.Manager
	DebugMode bool
	Log       *logger.Logger
}

// Server is the loopback HTTP API: health, message delivery, invite
// acceptance, and contact import.
type Server struct {
	deps Deps
	srv  *http.Server
	ln   net.Listener
}

// New creates a Server. It does not bind a socket; call Start for that.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.NewDefault()
	}
	return &Server{deps: deps}
}

// Start binds bindAddr (typically "127.0.0.1:0" for an ephemeral port)
// and begins serving in the background. It returns the address actually
// bound, so callers can learn the ephemeral port.
func (s *Server) Start(bindAddr string) (string, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return "", err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Log.Error("ingress server stopped", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Addr reports the bound address, or "" if Start has not been called.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the server down, waiting up to 5s for in-flight requests.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/contact_import", s.handleContactImport)
	mux.HandleFunc(invite.InvitePathPrefix, s.handleInvite)
	if s.deps.DebugMode {
		mux.HandleFunc("/v1/debug/echo", s.handleDebugEcho)
	}
	return mux
}

type envelope struct {
	V     int    `json:"v"`
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	MsgID string `json:"msg_id,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	env.V = 1
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("[ingress] JSON encode error: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{OK: true})
}

// handleMessages is the node-to-node delivery endpoint: POST an outer
// wire.Envelope, get back the Inbound Pipeline's verdict.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var env wire.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Code: "BAD_REQUEST"})
		return
	}

	outcome := s.deps.Pipeline.Process(env)
	switch o := outcome.(type) {
	case inbound.Ok:
		writeEnvelope(w, http.StatusOK, envelope{OK: true, MsgID: o.MsgID})
	case inbound.Rejected:
		writeEnvelope(w, o.Status, envelope{Code: o.Code, MsgID: o.MsgID})
	default:
		writeEnvelope(w, http.StatusInternalServerError, envelope{Code: "INTERNAL"})
	}
}

// handleInvite serves the single-use invite acceptance endpoint at
// /invite/<token>.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, invite.InvitePathPrefix)

	outcome := s.deps.Invite.Accept(token)
	switch o := outcome.(type) {
	case invite.Accepted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(o.Body); err != nil {
			log.Printf("[ingress] JSON encode error: %v", err)
		}
	case invite.NotFound:
		writeEnvelope(w, http.StatusNotFound, envelope{Code: "INVITE_NOT_FOUND"})
	case invite.AlreadyUsed:
		writeEnvelope(w, http.StatusConflict, envelope{Code: "INVITE_USED"})
	case invite.TokenExpired:
		writeEnvelope(w, http.StatusGone, envelope{Code: "INVITE_EXPIRED"})
	case invite.InvalidToken:
		writeEnvelope(w, http.StatusNotFound, envelope{Code: "INVITE_NOT_FOUND"})
	case invite.NotReady:
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{Code: o.Code})
	default:
		writeEnvelope(w, http.StatusInternalServerError, envelope{Code: "INTERNAL"})
	}
}

// contactImportRequest is the manual/file-import entry point spec.md §9
// requires to converge on the same TOFU validator as invite accept, QR
// scan, and inbound addr_update.
type contactImportRequest struct {
	Fingerprint string `json:"fingerprint"`
	Onion       string `json:"onion,omitempty"`
	PubB64      string `json:"pub_b64"`
}

func (s *Server) handleContactImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var req contactImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Code: "BAD_REQUEST"})
		return
	}
	pub, err := base64.RawURLEncoding.DecodeString(req.PubB64)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Code: "BAD_REQUEST"})
		return
	}

	result, err := s.deps.Contacts.UpsertMergeSafe(contacts.Incoming{
		Fingerprint: req.Fingerprint,
		Onion:       req.Onion,
		PubKey:      pub,
	})
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Code: "BAD_REQUEST"})
		return
	}

	status := http.StatusOK
	if _, ok := result.(contacts.PendingApproval); ok {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		V      int    `json:"v"`
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}{V: 1, OK: true, Result: result.String()})
}

// handleDebugEcho is a DebugMode-only diagnostic route, never registered
// in production: it echoes the request body back so an operator can
// confirm the ingress server is reachable end to end over the onion
// address without touching the real message pipeline.
func (s *Server) handleDebugEcho(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Code: "BAD_REQUEST"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
