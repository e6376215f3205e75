// Package api exposes the lobby over HTTP.
//
// Requests that only the master can serve are answered with a 307 redirect to the master
// when this node is a follower.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danl5/golobby/pkg/common"
	"github.com/danl5/golobby/pkg/lobby"
	"github.com/danl5/golobby/pkg/notify"
	"github.com/danl5/golobby/pkg/registry"
)

// HeaderMasterNode carries the master id on redirects.
const HeaderMasterNode = "X-Master-Node"

// maximum size of a request body
const maxBodyBytes = 1 << 16

// PlayerInfo is the registration body.
type PlayerInfo struct {
	PlayerName  string `json:"playerName"`
	CallbackURL string `json:"callbackUrl"`
}

func NewServer(service *lobby.Service, logger *slog.Logger) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("new api server, service is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("new api server, logger is nil")
	}
	return &Server{
		service: service,
		logger:  logger.With("component", "api"),
	}, nil
}

type Server struct {
	service *lobby.Service
	logger  *slog.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Lobby endpoints, served by the master.
	mux.HandleFunc("POST /players/register", s.handleRegister)
	mux.HandleFunc("DELETE /players/unregister/{name}", s.handleUnregister)
	mux.HandleFunc("GET /players/all", s.handleList)
	mux.HandleFunc("POST /players/game/start", s.handleStart)
	mux.HandleFunc("POST /players/game/finish", s.handleFinish)

	// Local view, served by every node.
	mux.HandleFunc("GET /status", s.handleStatus)

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// redirect answers a request this node cannot serve, it reports whether err was handled.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, err error) bool {
	var notMaster *lobby.NotMasterError
	if !errors.As(err, &notMaster) {
		return false
	}
	if notMaster.Location == "" {
		s.writeText(w, http.StatusServiceUnavailable, common.NoMaster.String())
		return true
	}

	target := "http://" + notMaster.Location + r.URL.RequestURI()
	s.logger.Info("redirect to master", "master", notMaster.MasterID, "location", target)
	w.Header().Set(HeaderMasterNode, notMaster.MasterID)
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusTemporaryRedirect)
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req PlayerInfo
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeText(w, http.StatusBadRequest, common.BadRequest.String())
		return
	}

	err := s.service.Register(req.PlayerName, req.CallbackURL)
	switch {
	case err == nil:
		s.writeText(w, http.StatusCreated, common.Registered.String())
	case s.redirect(w, r, err):
	case errors.Is(err, registry.ErrInvalidPlayer):
		s.writeText(w, http.StatusBadRequest, common.BadRequest.String())
	default:
		s.writeText(w, http.StatusConflict, common.RegistrationFailed.String())
	}
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	err := s.service.Unregister(r.PathValue("name"))
	switch {
	case err == nil:
		s.writeText(w, http.StatusOK, common.Removed.String())
	case s.redirect(w, r, err):
	case errors.Is(err, registry.ErrLobbyStarted):
		s.writeText(w, http.StatusConflict, common.LobbyClosed.String())
	default:
		s.writeText(w, http.StatusNotFound, common.NotFound.String())
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.List()
	if err != nil {
		if !s.redirect(w, r, err) {
			s.writeText(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.service.StartGame(r.Context())

	var unreachable *notify.UnreachableError
	switch {
	case err == nil:
		s.writeText(w, http.StatusOK, common.GameStarted.String())
	case s.redirect(w, r, err):
	case errors.Is(err, lobby.ErrNotEnoughPlayers):
		s.writeText(w, http.StatusBadRequest, common.NotEnoughPlayers.String())
	case errors.Is(err, lobby.ErrAlreadyStarted):
		s.writeText(w, http.StatusConflict, common.AlreadyRunning.String())
	case errors.As(err, &unreachable):
		s.writeText(w, http.StatusServiceUnavailable, common.ClientUnreachable(unreachable.Player))
	default:
		s.writeText(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	err := s.service.FinishGame()
	switch {
	case err == nil:
		s.writeText(w, http.StatusOK, common.LobbyReset.String())
	case s.redirect(w, r, err):
	default:
		s.writeText(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Status())
}
