package gateway

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/pkg/json"
)

// AddUsersRequest is the body of the admin add route. roomId and the user ids
// may be strings or numbers.
type AddUsersRequest struct {
	RoomID   interface{}   `json:"roomId"`
	Users    []interface{} `json:"users"`
	RoomName string        `json:"roomName"`
}

// AddUsersResponse echoes what was applied.
type AddUsersResponse struct {
	Success bool     `json:"success"`
	Joined  []string `json:"joined"`
	Room    string   `json:"room"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// addUsersToRoom joins the users' connections to a room, then tells each user.
func (s *Server) addUsersToRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if s.cfg.InternalToken != "" {
		got := r.Header.Get("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InternalToken)) != 1 {
			s.log.Warn("Admin request with bad internal token", zap.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
	}

	var req AddUsersRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.log.Info("Admin add: invalid request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	roomID := scalar(req.RoomID)
	users := make([]string, 0, len(req.Users))
	for _, u := range req.Users {
		if id := scalar(u); id != "" {
			users = append(users, id)
		}
	}
	if roomID == "" || req.Users == nil {
		s.log.Info("Admin add: invalid request body", zap.String("room", roomID))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	ctx := r.Context()
	if err := s.lifecycle.AddUsersToRoom(ctx, users, roomID); err != nil {
		s.log.Error("Admin add failed", zap.String("room", roomID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	if err := s.router.NotifyAdded(ctx, users, roomID, req.RoomName); err != nil {
		s.log.Error("Admin add notification failed", zap.String("room", roomID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	s.log.Info("Users added to room", zap.String("room", roomID), zap.Strings("users", users))
	writeJSON(w, http.StatusOK, AddUsersResponse{Success: true, Joined: users, Room: roomID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}
