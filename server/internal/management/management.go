// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package management implements the relay's HTTP management interface.
package management

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/quorum"
	"github.com/katzenpost/quorumnet/quorum/membership"
)

const (
	maxRequestSize  = 64 * 1024
	shutdownTimeout = 5 * time.Second
	readTimeout     = 10 * time.Second
)

// Status is the response to GET /status.
type Status struct {
	Identifier   string `codec:"identifier"`
	NodeID       string `codec:"node_id"`
	Epoch        uint64 `codec:"epoch"`
	QuorumMember bool   `codec:"quorum_member"`
	GroupKey     []byte `codec:"group_key,omitempty"`
	Circuits     int    `codec:"circuits"`
}

// Member is one entry of the membership response.
type Member struct {
	ID    string  `codec:"id"`
	Score float64 `codec:"score"`
}

// Membership is the response to GET /quorum/membership.
type Membership struct {
	Epoch   uint64   `codec:"epoch"`
	Members []Member `codec:"members"`
	Grace   []Member `codec:"grace,omitempty"`
}

// SignRequest is the body of POST /quorum/sign.
type SignRequest struct {
	Message []byte `codec:"message"`
}

// SignResponse is the response to a successful POST /quorum/sign.
type SignResponse struct {
	Signature []byte `codec:"signature"`
	GroupKey  []byte `codec:"group_key"`
}

// ErrorResponse is returned with every non 2xx status.
type ErrorResponse struct {
	Error     string `codec:"error"`
	Retryable bool   `codec:"retryable"`
	Have      int    `codec:"have,omitempty"`
	Need      int    `codec:"need,omitempty"`
}

// Backend is the relay state the interface exposes.
type Backend interface {
	Status() *Status
	Membership() *membership.Set
	Sign(ctx context.Context, msg []byte) ([]byte, error)
	GroupKey() []byte
}

// Config is the management interface configuration.
type Config struct {
	// Address is the host:port to listen on.
	Address string

	// Backend serves the status and quorum routes.  If nil, only the
	// metrics route is exposed.
	Backend Backend

	// Metrics serves GET /metrics, if not nil.
	Metrics http.Handler

	LogBackend *log.Backend
}

// Server is a running management interface.
type Server struct {
	worker.Worker

	cfg        Config
	log        *logging.Logger
	jsonHandle codec.JsonHandle

	ln  net.Listener
	srv *http.Server
}

// Addr returns the address the interface is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
	if s.cfg.Backend != nil {
		r.HandleFunc("/status", s.onStatus).Methods(http.MethodGet)
		r.HandleFunc("/quorum/membership", s.onMembership).Methods(http.MethodGet)
		r.HandleFunc("/quorum/sign", s.onSign).Methods(http.MethodPost)
	}
	return r
}

// Halt stops the interface, waiting briefly for in-flight requests.
func (s *Server) Halt() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warningf("Forcing shutdown: %v", err)
		s.srv.Close()
	}
	s.Worker.Halt()
}

func (s *Server) onStatus(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) onMembership(w http.ResponseWriter, r *http.Request) {
	set := s.cfg.Backend.Membership()
	if set == nil {
		s.reply(w, http.StatusNotFound, &ErrorResponse{Error: "no membership computed yet", Retryable: true})
		return
	}
	resp := &Membership{Epoch: set.Epoch}
	for _, m := range set.Members {
		resp.Members = append(resp.Members, Member{ID: m.ID.String(), Score: m.Score})
	}
	for _, m := range set.Grace {
		resp.Grace = append(resp.Grace, Member{ID: m.ID.String(), Score: m.Score})
	}
	s.reply(w, http.StatusOK, resp)
}

func (s *Server) onSign(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		s.reply(w, http.StatusRequestEntityTooLarge, &ErrorResponse{Error: err.Error()})
		return
	}
	req := new(SignRequest)
	if err = codec.NewDecoderBytes(body, &s.jsonHandle).Decode(req); err != nil || len(req.Message) == 0 {
		s.reply(w, http.StatusBadRequest, &ErrorResponse{Error: "malformed sign request"})
		return
	}

	sig, err := s.cfg.Backend.Sign(r.Context(), req.Message)
	if err != nil {
		s.log.Infof("Signing request failed: %v", err)
		s.reply(w, signStatus(err), errorResponse(err))
		return
	}
	s.reply(w, http.StatusOK, &SignResponse{Signature: sig, GroupKey: s.cfg.Backend.GroupKey()})
}

func signStatus(err error) int {
	switch {
	case errors.Is(err, quorum.ErrNoGroup):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case retry.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) *ErrorResponse {
	resp := &ErrorResponse{Error: err.Error(), Retryable: retry.IsRetryable(err)}
	var qe *quorum.QuorumUnavailableError
	if errors.As(err, &qe) {
		resp.Have, resp.Need = qe.Have, qe.Need
	}
	return resp
}

func (s *Server) reply(w http.ResponseWriter, status int, v interface{}) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, &s.jsonHandle).Encode(v); err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) worker() {
	s.log.Noticef("Listening on: %v", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("Serve failed: %v", err)
	}
}

// New binds the listener and starts serving.
func New(cfg *Config) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, errors.New("management: no log backend")
	}
	s := &Server{
		cfg: *cfg,
		log: cfg.LogBackend.GetLogger("management"),
	}
	s.jsonHandle.Canonical = true

	var err error
	if s.ln, err = net.Listen("tcp", cfg.Address); err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
		ErrorLog:          cfg.LogBackend.GetGoLogger("management", "WARNING"),
	}
	s.Go(s.worker)
	return s, nil
}
