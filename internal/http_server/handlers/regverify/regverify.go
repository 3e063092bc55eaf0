package regverify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"authcore/internal/auth/emailflow"
	resp "authcore/internal/lib/api/response"
	sl "authcore/internal/lib/logger"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type Response struct {
	resp.Response
	ProofToken string `json:"proof_token"`
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	workflow *emailflow.Workflow,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.regverify.New"

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

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		proof, err := workflow.VerifyCode(ctx, req.Email, req.Code)
		if err != nil {
			switch {
			case errors.Is(err, emailflow.ErrCodeInvalid):
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, resp.ErrorCode("verification_invalid", "invalid verification code"))

			case errors.Is(err, emailflow.ErrCodeExpired):
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, resp.ErrorCode("verification_expired", "verification code expired, request a new one"))

			case errors.Is(err, emailflow.ErrAttemptsExceeded):
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, resp.ErrorCode("verification_attempts_exceeded", "too many attempts, request a new code"))

			default:
				log.Error("failed to verify code", sl.Err(err))

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, resp.Error("Internal error"))
			}

			return
		}

		log.Info("verification code accepted")

		render.JSON(w, r, Response{
			Response:   resp.OK(),
			ProofToken: proof,
		})
	}
}
