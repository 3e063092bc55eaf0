package regresend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
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
}

type Response struct {
	resp.Response
	SecondsRemaining int `json:"seconds_remaining,omitempty"`
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	workflow *emailflow.Workflow,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.regresend.New"

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

		if err := workflow.Resend(ctx, req.Email); err != nil {
			var tooSoon *emailflow.ResendTooSoonError
			if errors.As(err, &tooSoon) {
				w.Header().Set("Retry-After", strconv.Itoa(tooSoon.SecondsRemaining))

				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, Response{
					Response:         resp.ErrorCode("resend_too_soon", tooSoon.Error()),
					SecondsRemaining: tooSoon.SecondsRemaining,
				})

				return
			}

			if errors.Is(err, emailflow.ErrUserExists) {
				render.Status(r, http.StatusConflict)
				render.JSON(w, r, resp.ErrorCode("user_already_exists", "an account with this email already exists"))

				return
			}

			if errors.Is(err, emailflow.ErrEmailSendFailed) {
				log.Error("failed to send verification email", sl.Err(err))

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, resp.ErrorCode("email_send_failed", "failed to send verification email"))

				return
			}

			log.Error("failed to resend verification code", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		log.Info("verification code resent")

		render.JSON(w, r, Response{Response: resp.OK()})
	}
}
