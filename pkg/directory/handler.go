package directory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mahaj/marketplace-chat/pkg/auth"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
)

type CreateRoomRequest struct {
	Action          string                   `json:"action"`
	Participants    []string                 `json:"participants"`
	CreatedBy       string                   `json:"createdBy,omitempty"`
	ParticipantData []model.IdentitySnapshot `json:"participantData,omitempty"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type ListRoomsResponse struct {
	Rooms []model.RoomMetadata `json:"rooms"`
}

type LoginRequest struct {
	UserID string `json:"userId"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the room directory HTTP API.
type Handler struct {
	store  Store
	issuer *auth.Issuer
	nextID func() string
	now    func() time.Time
	log    *slog.Logger
}

func NewHandler(store Store, issuer *auth.Issuer, nextID func() string, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		issuer: issuer,
		nextID: nextID,
		now:    time.Now,
		log:    logger.With("component", "directory"),
	}
}

// Router returns the full route table, CORS included.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)

	rooms := r.PathPrefix("/rooms").Subrouter()
	rooms.Use(h.issuer.Middleware)
	rooms.HandleFunc("", h.CreateRoom).Methods(http.MethodPost)
	rooms.HandleFunc("", h.ListRooms).Methods(http.MethodGet)

	return CORSMiddleware(r)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login is the development stand-in for the identity provider.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	token, err := h.issuer.GenerateToken(req.UserID)
	if err != nil {
		h.log.Error("generate token", logging.User(req.UserID), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != "create" {
		writeError(w, http.StatusBadRequest, ErrInvalidAction.Error())
		return
	}
	participants, err := validateParticipants(req.Participants)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	room, created, err := h.store.CreateOrGet(r.Context(), model.RoomMetadata{
		ID:              h.nextID(),
		Participants:    participants,
		CreatedBy:       claims.UserID,
		CreatedAt:       h.now().UTC(),
		ParticipantData: req.ParticipantData,
	})
	if err != nil {
		h.log.Error("create room", logging.User(claims.UserID), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("room created", logging.Room(room.ID), logging.User(claims.UserID), slog.Any("participants", room.Participants))
	}
	writeJSON(w, status, CreateRoomResponse{RoomID: room.ID})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}

	rooms, err := h.store.ListByUser(r.Context(), userID)
	if err != nil {
		h.log.Error("list rooms", logging.User(userID), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []model.RoomMetadata{}
	}
	writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: rooms})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeError pulls the message out of a JSON error body, falling back to the
// raw body.
func decodeError(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
