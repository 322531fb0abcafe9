package setlist

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMutationError maps the controller's typed results onto HTTP. A
// version conflict answers 409 with the current version attached so the
// client can refetch and retry.
func writeMutationError(w http.ResponseWriter, err error) {
	var conflict *ConflictError
	var invalid *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "setlist not found")
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "version-conflict",
			"currentVersion": conflict.CurrentVersion,
		})
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Detail)
	default:
		log.Printf("setlist-service: apply mutation: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
	}
}

func (s *Server) getSetlistAccessInfo(ctx context.Context, setlistID string) (ownerID string, isPublic bool, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT owner_id, is_public
		FROM setlists
		WHERE id = $1 AND deleted_at IS NULL
	`, setlistID).Scan(&ownerID, &isPublic)
	return
}

func (s *Server) userIsCollaborator(ctx context.Context, setlistID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var uid string
	err := s.db.QueryRow(ctx, `
		SELECT user_id
		FROM setlist_collaborators
		WHERE setlist_id = $1 AND user_id = $2
	`, setlistID, userID).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// requireAccess gates a request to owner, collaborator, or (when forEdit is
// false) anyone for a public setlist. Writes the response itself on denial
// and reports whether the caller may proceed. The core trusts this gate and
// never re-derives authorization.
func (s *Server) requireAccess(w http.ResponseWriter, r *http.Request, setlistID, userID string, forEdit bool) bool {
	ctx := r.Context()

	ownerID, isPublic, err := s.getSetlistAccessInfo(ctx, setlistID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "setlist not found")
		return false
	}
	if err != nil {
		log.Printf("setlist-service: access check: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return false
	}

	if userID == ownerID && userID != "" {
		return true
	}

	collaborator, err := s.userIsCollaborator(ctx, setlistID, userID)
	if err != nil {
		log.Printf("setlist-service: collaborator check: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return false
	}
	if collaborator {
		return true
	}
	if !forEdit && isPublic {
		return true
	}

	writeError(w, http.StatusForbidden, "forbidden")
	return false
}

// requestUserID resolves the request-scoped caller identity. Authentication
// itself happens upstream; websocket clients can fall back to a query
// parameter since browsers cannot set headers on the upgrade request.
func requestUserID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}
