package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mahaj/marketplace-chat/pkg/auth"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ServerOptions struct {
	SendBuffer     int
	MaxMessageSize int64
}

// Server exposes the hub over HTTP.
type Server struct {
	hub    *Hub
	issuer *auth.Issuer
	opts   ServerOptions
	log    *slog.Logger
}

func NewServer(hub *Hub, issuer *auth.Issuer, opts ServerOptions, logger *slog.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Server{hub: hub, issuer: issuer, opts: opts, log: logger.With("component", "gateway")}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ServeWs).Methods(http.MethodGet)

	rooms := r.PathPrefix("/rooms/{id}").Subrouter()
	rooms.Use(s.issuer.Middleware)
	rooms.HandleFunc("/clear", s.ClearRoom).Methods(http.MethodPost)
	rooms.HandleFunc("/messages", s.RoomMessages).Methods(http.MethodGet)
	rooms.HandleFunc("/users", s.RoomPresence).Methods(http.MethodGet)
	return r
}

// ServeWs handles websocket requests from the peer. The caller's identity
// snapshot comes from the user query parameter; its id is always the token
// subject. Only the room's participants are upgraded.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	tokenString := auth.TokenFromRequest(r)
	if tokenString == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := s.issuer.ValidateToken(tokenString)
	if err != nil {
		s.log.Warn("rejecting socket with invalid token", logging.Err(err))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	var user model.ChatUser
	if raw := r.URL.Query().Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			writeError(w, http.StatusBadRequest, "user must be a JSON object")
			return
		}
	}
	user.ID = claims.UserID
	user.IsOnline = true
	user.LastSeen = nil

	if !s.authorizeRoom(r.Context(), w, roomID, user.ID) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", logging.Err(err))
		return
	}

	client := &Client{
		hub:            s.hub,
		conn:           conn,
		send:           make(chan []byte, s.opts.SendBuffer),
		user:           user,
		roomID:         roomID,
		maxMessageSize: s.opts.MaxMessageSize,
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) ClearRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID := mux.Vars(r)["id"]

	if !s.authorizeRoom(r.Context(), w, roomID, claims.UserID) {
		return
	}

	err := s.hub.Clear(r.Context(), roomID, claims.UserID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownRoom):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to clear room")
	}
}

type MessagesResponse struct {
	Messages []model.ChatMessage `json:"messages"`
}

type PresenceEntry struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

type PresenceResponse struct {
	Online []string        `json:"online"`
	Users  []PresenceEntry `json:"users,omitempty"`
}

// RoomMessages returns stored history for a room the caller participates in.
func (s *Server) RoomMessages(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	roomID := mux.Vars(r)["id"]

	limit := s.hub.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if !s.authorizeRoom(r.Context(), w, roomID, claims.UserID) {
		return
	}

	msgs := []model.ChatMessage{}
	if s.hub.history != nil {
		loaded, err := s.hub.history.Load(r.Context(), roomID, limit)
		if err != nil {
			s.log.Error("failed to load history", logging.Room(roomID), logging.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve history")
			return
		}
		msgs = append(msgs, loaded...)
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// RoomPresence lists who is connected to a room. With ?userId= repeated it
// also reports each user's last seen time.
func (s *Server) RoomPresence(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	roomID := mux.Vars(r)["id"]
	ctx := r.Context()

	if !s.authorizeRoom(ctx, w, roomID, claims.UserID) {
		return
	}

	online, err := s.hub.presence.Members(ctx, roomID)
	if err != nil {
		s.log.Error("failed to fetch presence", logging.Room(roomID), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}
	resp := PresenceResponse{Online: online}
	if resp.Online == nil {
		resp.Online = []string{}
	}

	for _, userID := range r.URL.Query()["userId"] {
		entry := PresenceEntry{UserID: userID}
		for _, id := range online {
			if id == userID {
				entry.IsOnline = true
			}
		}
		if !entry.IsOnline {
			entry.LastSeen, err = s.hub.presence.LastSeen(ctx, roomID, userID)
			if err != nil {
				s.log.Error("failed to fetch last seen", logging.Room(roomID), logging.User(userID), logging.Err(err))
				writeError(w, http.StatusInternalServerError, "failed to fetch presence")
				return
			}
		}
		resp.Users = append(resp.Users, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorizeRoom admits the room's participants. It writes the error
// response itself.
func (s *Server) authorizeRoom(ctx context.Context, w http.ResponseWriter, roomID, userID string) bool {
	ok, err := s.hub.membership.IsParticipant(ctx, roomID, userID)
	if err != nil {
		s.log.Error("failed to check room access", logging.Room(roomID), logging.User(userID), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to check room access")
		return false
	}
	if !ok {
		s.log.Warn("rejecting non-participant", logging.Room(roomID), logging.User(userID))
		writeError(w, http.StatusForbidden, ErrNotMember.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
