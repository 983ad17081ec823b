package syncserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"teilen.sh/core/crr"
	"teilen.sh/core/log"
	"teilen.sh/core/syncserver/config"
)

// Sync is the server-side replica: just another peer that happens to
// sit in the middle of a star topology.
type Sync struct {
	c   *config.Config
	e   *crr.Engine
	l   *slog.Logger
	hub *hub
}

func Setup(ctx context.Context, c *config.Config, e *crr.Engine) http.Handler {
	h := Sync{
		c:   c,
		e:   e,
		l:   log.FromContext(ctx),
		hub: newHub(),
	}
	return h.Router()
}

func (h *Sync) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(h.RequestLogger)
	r.Use(h.CORS)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("This is a teilen-sql sync server."))
	})

	r.Post("/push-changes", h.PushChanges)
	r.Put("/pull-changes", h.PullChanges)
	r.Get("/start-web-socket", h.StartWebSocket)

	return r
}
