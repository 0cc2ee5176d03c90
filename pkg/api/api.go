package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NodeView is the read-only slice of a node the API exposes.
type NodeView interface {
	Self() types.NodeInfo
	Peers() []types.NodeInfo
	LocalValue(key []byte) ([]byte, bool)
}

// Server serves the introspection endpoints.
type Server struct {
	node   NodeView
	log    logrus.FieldLogger
	router *mux.Router
	http   *http.Server
}

func New(node NodeView, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{node: node, log: logger.WithField("component", "api"), router: mux.NewRouter()}

	s.router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.peers).Methods(http.MethodGet)
	s.router.HandleFunc("/values/{key}", s.value).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks serving l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.WithField("address", l.Addr().String()).Info("Starting API")
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type peerResponse struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Reputation int    `json:"reputation"`
}

type statusResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Peers   int    `json:"peers"`
}

/*
status reports this node's identity and routing table size.
Request:    GET /status
Result:     200 with statusResponse
*/
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	self := s.node.Self()
	s.encodeJSON(w, r, statusResponse{
		ID:      self.ID.String(),
		Address: self.Address,
		Peers:   len(s.node.Peers()),
	})
}

/*
peers lists the routing table, closest buckets first.
Request:    GET /peers
Result:     200 with []peerResponse
*/
func (s *Server) peers(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Peers()
	out := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerResponse{ID: p.ID.String(), Address: p.Address, Reputation: p.Reputation})
	}
	s.encodeJSON(w, r, out)
}

/*
value returns a locally held value. Keys are hex encoded.
Request:    GET /values/{key}
Result:     200 with the raw value, 400 on a bad key, 404 if not held
*/
func (s *Server) value(w http.ResponseWriter, r *http.Request) {
	key, err := hex.DecodeString(mux.Vars(r)["key"])
	if err != nil || len(key) == 0 {
		http.Error(w, "key must be hex encoded", http.StatusBadRequest)
		return
	}
	value, ok := s.node.LocalValue(key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (s *Server) encodeJSON(w http.ResponseWriter, r *http.Request, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).WithField("route", r.URL.Path).Warn("Failed to write response")
	}
}
