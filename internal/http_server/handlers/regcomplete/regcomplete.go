package regcomplete

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"authcore/internal/auth"
	resp "authcore/internal/lib/api/response"
	sl "authcore/internal/lib/logger"
	"authcore/internal/models"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	ProofToken string `json:"proof_token" validate:"required"`
	Pass       string `json:"password" validate:"required,min=8"`
}

type Response struct {
	resp.Response
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	authService *auth.Auth,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.regcomplete.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

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

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		meta := models.TokenMeta{
			UserAgent: r.UserAgent(),
			IPAddress: r.RemoteAddr,
		}

		pair, err := authService.CompleteRegistration(ctx, req.ProofToken, req.Pass, meta)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrProofInvalid):
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.ErrorCode("proof_invalid", "registration proof invalid or expired"))

			case errors.Is(err, auth.ErrUserExists):
				render.Status(r, http.StatusConflict)
				render.JSON(w, r, resp.ErrorCode("user_already_exists", "an account with this email already exists"))

			default:
				log.Error("failed to complete registration", sl.Err(err))

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, resp.Error("Internal error"))
			}

			return
		}

		log.Info("registration completed")

		render.JSON(w, r, Response{
			Response:     resp.OK(),
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		})
	}
}
