package oauthcallback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"authcore/internal/auth"
	"authcore/internal/auth/oauth"
	resp "authcore/internal/lib/api/response"
	sl "authcore/internal/lib/logger"
	"authcore/internal/models"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Code  string `json:"code" validate:"required"`
	State string `json:"state" validate:"required"`
}

type Response struct {
	resp.Response
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	oauthService *oauth.Service,
	authService *auth.Auth,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.oauthcallback.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		provider := models.Provider(chi.URLParam(r, "provider"))

		var req Request

		err := render.DecodeJSON(r.Body, &req)
		if err != nil {
			log.Error("Failed to decode request body", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("Failed to decode request"))

			return
		}

		log.Info("Request body decoded")

		if err := validate.Struct(req); err != nil {
			validateErr := err.(validator.ValidationErrors)

			log.Error("Invalid request", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.ValidationError(validateErr))

			return
		}

		// Provider round-trips (exchange + key fetch) get a budget above
		// the adapters' own client timeout.
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		user, err := oauthService.Exchange(ctx, provider, req.Code, req.State)
		if err != nil {
			writeExchangeError(w, r, log, err)
			return
		}

		meta := models.TokenMeta{
			UserAgent: r.UserAgent(),
			IPAddress: r.RemoteAddr,
		}

		pair, err := authService.IssueSessionPair(ctx, user, meta)
		if err != nil {
			log.Error("failed to issue session pair", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		log.Info("oauth login successful", slog.String("provider", string(provider)))

		render.JSON(w, r, Response{
			Response:     resp.OK(),
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		})
	}
}

func writeExchangeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, resp.ErrorCode("unknown_provider", "unknown oauth provider"))

	case errors.Is(err, oauth.ErrInvalidState):
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, resp.ErrorCode("invalid_oauth_state", "invalid or expired oauth state"))

	case errors.Is(err, oauth.ErrNonceMismatch):
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, resp.ErrorCode("oauth_nonce_mismatch", "id token verification failed"))

	case errors.Is(err, oauth.ErrEmailMissing):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, resp.ErrorCode("oauth_email_missing", "provider supplied no email address"))

	case errors.Is(err, oauth.ErrEmailRequiresPasswordLink):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, resp.ErrorCode("oauth_email_requires_password_link",
			"an account with this email exists, log in with password to link"))

	case errors.Is(err, oauth.ErrExchangeFailed):
		log.Error("provider exchange failed", sl.Err(err))

		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, resp.ErrorCode("oauth_exchange_failed", "provider exchange failed"))

	default:
		log.Error("oauth callback failed", sl.Err(err))

		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, resp.ErrorCode("oauth_verification_failed", "id token verification failed"))
	}
}
