// Package server is a reference collaboration endpoint: it speaks the full
// message vocabulary over both the push binding (/ws) and the polling
// binding (/realtime/*), and persists notes through a pluggable Store.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/realtime-notes/collab/internal/protocol"
)

// User is an authenticated account known to the endpoint.
type User struct {
	ID    int64
	Name  string
	Email string
}

// Server exposes the collaboration endpoint over HTTP.
type Server struct {
	hub   *Hub
	store Store

	// users maps bearer tokens to accounts. An empty map disables
	// authenticated access; anonymous joins may still be allowed.
	users          map[string]User
	allowAnonymous bool

	shareMu sync.Mutex
	shares  map[int64]map[int64]bool // noteID → invited userIDs

	upgrader websocket.Upgrader
}

// NewServer creates a server over hub and store.
func NewServer(hub *Hub, store Store, users map[string]User, allowAnonymous bool) *Server {
	return &Server{
		hub:            hub,
		store:          store,
		users:          users,
		allowAnonymous: allowAnonymous,
		shares:         make(map[int64]map[int64]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/realtime/join", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/realtime/leave", s.handleLeave).Methods(http.MethodPost)
	r.HandleFunc("/realtime/operation", s.handleOperation).Methods(http.MethodPost)
	r.HandleFunc("/realtime/operations/{noteId}", s.handleOperations).Methods(http.MethodGet)
	r.HandleFunc("/realtime/users/{noteId}", s.handleUsers).Methods(http.MethodGet)
	r.HandleFunc("/realtime/snapshot/{noteId}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/realtime/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/realtime/undo/{noteId}", s.handleUndo).Methods(http.MethodPost)
	r.HandleFunc("/realtime/redo/{noteId}", s.handleRedo).Methods(http.MethodPost)
	r.HandleFunc("/collab/share", s.handleShare).Methods(http.MethodPost)
	r.HandleFunc("/notes/{id}", s.handleGetNote).Methods(http.MethodGet)
	r.HandleFunc("/notes/{id}", s.handlePutNote).Methods(http.MethodPut)
	r.HandleFunc("/notes/{id}/versions", s.handleVersions).Methods(http.MethodGet)
	return r
}

// authorize resolves the request's credential: bearer header first, query
// parameter fallback for the websocket handshake.
func (s *Server) authorize(r *http.Request) (User, bool) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return User{}, false
	}
	u, ok := s.users[token]
	return u, ok
}

// sessionAuthorized reports whether the request carries a valid anonymous
// session for noteID, in the query or in sessionID from the body.
func (s *Server) sessionAuthorized(r *http.Request, sessionID string, noteID int64) bool {
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	return sessionID != "" && s.hub.ValidSession(sessionID, noteID)
}

// --- polling binding ---

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var p protocol.JoinPayload
	if !decodeBody(w, r, &p) {
		return
	}
	user, authed := s.authorize(r)
	if authed {
		p.UserID = user.ID
		if user.Name != "" {
			p.UserName = user.Name
		}
		p.IsAnonymous = false
	} else {
		if !s.allowAnonymous {
			httpError(w, http.StatusUnauthorized, "credential required")
			return
		}
		p.IsAnonymous = true
	}

	joined, _ := s.hub.Join(p)
	writeJSON(w, joined)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var p protocol.LeavePayload
	if !decodeBody(w, r, &p) {
		return
	}
	if user, authed := s.authorize(r); authed {
		p.UserID = user.ID
	} else if !s.sessionAuthorized(r, p.SessionID, p.NoteID) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.Leave(p)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	var op protocol.Operation
	if !decodeBody(w, r, &op) {
		return
	}
	if user, authed := s.authorize(r); authed {
		op.UserID = user.ID
		op.IsAnonymous = false
	} else if s.sessionAuthorized(r, op.SessionID, op.NoteID) {
		op.IsAnonymous = true
	} else {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	applied, err := s.hub.ApplyOperation(op)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "version": applied.Version, "timestamp": applied.Timestamp})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	noteID, ok := pathID(w, r, "noteId")
	if !ok {
		return
	}
	if !s.readAuthorized(r, noteID) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	ops := s.hub.OperationsSince(noteID, since)
	writeJSON(w, map[string]interface{}{"operations": ops})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	noteID, ok := pathID(w, r, "noteId")
	if !ok {
		return
	}
	if !s.readAuthorized(r, noteID) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, protocol.PresencePayload{NoteID: noteID, Users: s.hub.Presence(noteID)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	noteID, ok := pathID(w, r, "noteId")
	if !ok {
		return
	}
	if !s.readAuthorized(r, noteID) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, s.hub.Snapshot(noteID))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var p protocol.HeartbeatPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if user, authed := s.authorize(r); authed {
		p.UserID = user.ID
	} else if !s.sessionAuthorized(r, p.SessionID, p.NoteID) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.Heartbeat(p)
	w.WriteHeader(http.StatusNoContent)
}

// readAuthorized gates the polling GETs: any authenticated user, or an
// anonymous session scoped to this room.
func (s *Server) readAuthorized(r *http.Request, noteID int64) bool {
	if _, authed := s.authorize(r); authed {
		return true
	}
	return s.sessionAuthorized(r, "", noteID)
}

// --- history ---

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, true)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.handleHistory(w, r, false)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, undo bool) {
	noteID, ok := pathID(w, r, "noteId")
	if !ok {
		return
	}
	// History requires an authenticated identity; anonymous sessions have
	// no access to the document's saved history.
	user, authed := s.authorize(r)
	if !authed {
		httpError(w, http.StatusUnauthorized, "credential required")
		return
	}

	var content string
	if undo {
		content, ok = s.hub.Undo(noteID, user.ID)
	} else {
		content, ok = s.hub.Redo(noteID, user.ID)
	}
	if !ok {
		verb := "undo"
		if !undo {
			verb = "redo"
		}
		httpError(w, http.StatusNotFound, "nothing to "+verb)
		return
	}
	writeJSON(w, protocol.HistoryResult{Success: true, Content: content})
}

// --- sharing ---

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var p protocol.InvitePayload
	if !decodeBody(w, r, &p) {
		return
	}
	if _, authed := s.authorize(r); !authed {
		httpError(w, http.StatusUnauthorized, "credential required")
		return
	}
	s.shareMu.Lock()
	if s.shares[p.NoteID] == nil {
		s.shares[p.NoteID] = make(map[int64]bool)
	}
	s.shares[p.NoteID][p.ToUserID] = true
	s.shareMu.Unlock()
	writeJSON(w, map[string]bool{"success": true})
}

// SharedWith reports whether noteID has been shared with userID.
func (s *Server) SharedWith(noteID, userID int64) bool {
	s.shareMu.Lock()
	defer s.shareMu.Unlock()
	return s.shares[noteID][userID]
}

// --- note persistence ---

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, authed := s.authorize(r); !authed {
		httpError(w, http.StatusUnauthorized, "credential required")
		return
	}
	n, err := s.store.GetNote(r.Context(), id)
	if err == ErrNoteNotFound {
		httpError(w, http.StatusNotFound, "note not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, n)
}

func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, authed := s.authorize(r); !authed {
		httpError(w, http.StatusUnauthorized, "credential required")
		return
	}
	var n Note
	if !decodeBody(w, r, &n) {
		return
	}
	n.ID = id
	if err := s.store.SaveNote(r.Context(), &n); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, authed := s.authorize(r); !authed {
		httpError(w, http.StatusUnauthorized, "credential required")
		return
	}
	versions, err := s.store.ListVersions(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, versions)
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("malformed payload: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorPayload{Message: message})
}
