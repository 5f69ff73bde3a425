package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/server"
	"github.com/strayduy/chatzilla/internal/types"
)

type HealthResponse struct {
	Status string `json:"status"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("store ping failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	stored, err := s.db.FindMessagesByRoom(r.Context(), room)
	if err != nil {
		s.log.Error().Err(err).Str("room", room).Msg("failed to load history")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := lo.Map(stored, func(m database.Message, _ int) types.Message {
		return types.Message{
			Id:         m.Id,
			SenderId:   m.SenderId,
			Sender:     m.Sender,
			Room:       m.Room,
			Content:    m.Content,
			ClientSent: m.ClientSent,
			Sent:       m.Sent,
			Removed:    m.Removed,
		}
	})

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	s.cs.Connect(client)
	l := client.Logger()
	l.Debug().Str("remote_addr", r.RemoteAddr).Msg("session started")

	go client.Write()
	go client.Read()
}
