package oauthstart

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"authcore/internal/auth/oauth"
	resp "authcore/internal/lib/api/response"
	sl "authcore/internal/lib/logger"
	"authcore/internal/models"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
)

type Response struct {
	resp.Response
	AuthorizeURL string `json:"authorize_url"`
	State        string `json:"state"`
}

func New(
	log *slog.Logger,
	oauthService *oauth.Service,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.oauthstart.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		provider := models.Provider(chi.URLParam(r, "provider"))

		// Public (native) clients opt into PKCE; the verifier stays server
		// side in the handshake record.
		usePKCE := r.URL.Query().Get("pkce") == "1"

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		authz, err := oauthService.Authorize(ctx, provider, usePKCE)
		if err != nil {
			if errors.Is(err, oauth.ErrUnknownProvider) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, resp.ErrorCode("unknown_provider", "unknown oauth provider"))

				return
			}

			log.Error("failed to start oauth flow", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		log.Info("oauth flow started", slog.String("provider", string(provider)))

		render.JSON(w, r, Response{
			Response:     resp.OK(),
			AuthorizeURL: authz.URL,
			State:        authz.State,
		})
	}
}
