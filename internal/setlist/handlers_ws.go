package setlist

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// Origin enforcement happens at the gateway.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWS joins a collaborator to the setlist's room. The session receives
// a full snapshot first, then every committed change in commit order; frames
// it sends are mutation envelopes fed into the same Apply path REST uses.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")

	if !s.requireAccess(w, r, setlistID, userID, false) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("setlist-service: ws upgrade: %v", err)
		return
	}

	sess, err := s.rooms.Join(r.Context(), setlistID, userID, conn)
	if err != nil {
		log.Printf("setlist-service: ws join: %v", err)
		conn.Close()
		return
	}

	go sess.writePump()
	go sess.readPump(s.handleSessionMessage, s.rooms.Leave)
}

// handleSessionMessage applies one inbound mutation envelope from a live
// session. Rejections go back to the originating session only; accepted
// changes reach everyone through the room broadcast.
func (s *Server) handleSessionMessage(sess *Session, data []byte) {
	ctx := context.Background()

	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		s.rejectSession(sess, "invalid-envelope", 0, "invalid JSON envelope")
		return
	}
	m.SetlistID = sess.SetlistID
	m.OriginSessionID = sess.ID

	allowed, err := s.sessionMayEdit(ctx, sess)
	if err != nil {
		log.Printf("setlist-service: ws edit check: %v", err)
		s.rejectSession(sess, "internal-error", 0, "try again")
		return
	}
	if !allowed {
		s.rejectSession(sess, "forbidden", 0, "no edit permission")
		return
	}

	if _, err := s.ctrl.Apply(ctx, m); err != nil {
		var conflict *ConflictError
		var invalid *ValidationError
		switch {
		case errors.As(err, &conflict):
			s.rejectSession(sess, "version-conflict", conflict.CurrentVersion, "")
		case errors.As(err, &invalid):
			s.rejectSession(sess, "invalid-operation", 0, invalid.Detail)
		case errors.Is(err, ErrNotFound):
			s.rejectSession(sess, "not-found", 0, "setlist is gone")
		default:
			log.Printf("setlist-service: ws apply: %v", err)
			s.rejectSession(sess, "internal-error", 0, "try again")
		}
	}
}

func (s *Server) sessionMayEdit(ctx context.Context, sess *Session) (bool, error) {
	ownerID, _, err := s.getSetlistAccessInfo(ctx, sess.SetlistID)
	if err != nil {
		return false, err
	}
	if sess.CollaboratorID == ownerID {
		return true, nil
	}
	return s.userIsCollaborator(ctx, sess.SetlistID, sess.CollaboratorID)
}

func (s *Server) rejectSession(sess *Session, reason string, currentVersion int, detail string) {
	data, err := json.Marshal(wireRejection{
		Type:           eventRejected,
		SetlistID:      sess.SetlistID,
		Reason:         reason,
		CurrentVersion: currentVersion,
		Detail:         detail,
	})
	if err != nil {
		return
	}
	sess.enqueue(data)
}
