// Package api exposes the daemon's status over HTTP for tooling and
// health checks.
package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/meta"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
)

// StatusSource is anything that can report the sync server's state.
type StatusSource interface {
	Status() hotsync.Status
}

// StatusResponse is the JSON body of GET /v1/status.
type StatusResponse struct {
	Version string         `json:"version"`
	Daemon  hotsync.Status `json:"daemon"`
}

// Server answers status queries about a running sync daemon.
type Server struct {
	source StatusSource
}

func NewServer(source StatusSource) *Server {
	return &Server{source: source}
}

func (s *Server) GetStatus(rw http.ResponseWriter, req *http.Request) {
	resp := StatusResponse{
		Version: meta.Version,
		Daemon:  s.source.Status(),
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(&resp); err != nil {
		logrus.WithError(err).Warn("Failed to write status response")
	}
}

// NewRouter wires the status routes with request logging.
func NewRouter(s *Server) http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Methods("GET").Path("/v1/status").HandlerFunc(s.GetStatus)
	return handlers.LoggingHandler(os.Stdout, router)
}

// Serve blocks serving the status endpoint on addr.
func Serve(addr string, source StatusSource) error {
	logrus.WithField("addr", addr).Info("Status endpoint listening")
	return http.ListenAndServe(addr, NewRouter(NewServer(source)))
}
