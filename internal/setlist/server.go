package setlist

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	db    DB
	rdb   *redis.Client
	store *Store
	ctrl  *Controller
	rooms *RoomManager
	bus   *EventBus
}

func NewServer(db DB, rdb *redis.Client) *Server {
	store := NewStore(db)
	rooms := NewRoomManager(store)
	bus := NewEventBus(rooms, rdb)
	ctrl := NewController(db, store, RebaseOrderingPolicy{}, bus)
	return &Server{
		db:    db,
		rdb:   rdb,
		store: store,
		ctrl:  ctrl,
		rooms: rooms,
		bus:   bus,
	}
}

// RunSubscriber relays changes committed on other instances into local
// rooms. Blocks until the Redis subscription ends.
func (s *Server) RunSubscriber(ctx context.Context) {
	s.bus.RunSubscriber(ctx)
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Get("/setlists", s.handleListSetlists)
		r.Post("/setlists", s.handleCreateSetlist)
		r.Get("/setlists/{id}", s.handleGetSetlist)
		r.Put("/setlists/{id}", s.handleSaveSetlist)
		r.Delete("/setlists/{id}", s.handleDeleteSetlist)

		r.Post("/setlists/{id}/mutations", s.handleApplyMutation)
		r.Get("/setlists/{id}/changes", s.handleListChanges)

		r.Post("/setlists/{id}/collaborators", s.handleAddCollaborator)
		r.Delete("/setlists/{id}/collaborators/{userId}", s.handleRemoveCollaborator)

		r.Get("/setlists/{id}/ws", s.handleWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "setlist-service",
	})
}
