package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/response"
	"github.com/sakif/authcore/internal/service"
)

// noAccountMessage is what resend and reset-request answer for an unknown
// email, with status 401.
const noAccountMessage = "No account found with this email"

// VerificationHandler serves the email-verification and password-reset
// routes.
type VerificationHandler struct {
	svc    *service.VerificationService
	logger *slog.Logger
}

func NewVerificationHandler(svc *service.VerificationService, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{svc: svc, logger: logger}
}

// HandleVerifyEmail confirms an address. Repeating it while the token is
// still stored succeeds again.
//
// HTTP: GET /verify-email/{token}
func (h *VerificationHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.ConsumeVerification(r.Context(), urlParam(r, "token")); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, struct {
		Success    bool   `json:"success"`
		Message    string `json:"message"`
		IsVerified bool   `json:"isVerified"`
	}{true, "Email verified successfully", true})
}

// HandleResendVerification mails a fresh verification link.
//
// HTTP: POST /resend-verification
// BODY: {"email": "..."}
func (h *VerificationHandler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if err := h.svc.RequestVerification(r.Context(), req.Email); err != nil {
		response.Error(w, h.logger, unknownAccountIsUnauthenticated(err))
		return
	}
	response.JSON(w, http.StatusOK, messageResponse{Success: true, Message: "Verification link has been sent to your email"})
}

// HandleRequestReset mails a password-reset link.
//
// HTTP: POST /reset-password
// BODY: {"email": "..."}
func (h *VerificationHandler) HandleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		response.Error(w, h.logger, unknownAccountIsUnauthenticated(err))
		return
	}
	response.JSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password reset link has been sent to your email"})
}

// HandleVerifyResetToken lets the reset form check a link before showing
// the password fields. The token is not consumed.
//
// HTTP: GET /verify-reset-token/{token}
func (h *VerificationHandler) HandleVerifyResetToken(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.VerifyResetToken(r.Context(), urlParam(r, "token")); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, messageResponse{Success: true, Message: "Token is valid"})
}

// HandleResetPassword sets a new password with a reset token.
//
// HTTP: POST /reset-password/{token}
// BODY: {"newPassword": "..."}
func (h *VerificationHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if err := h.svc.ConsumeReset(r.Context(), urlParam(r, "token"), req.NewPassword); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "Your password has been successfully reset. Please login with your new password.",
	})
}

func unknownAccountIsUnauthenticated(err error) error {
	if errors.Is(err, apperror.ErrNotFound) {
		return apperror.Unauthenticated(noAccountMessage)
	}
	return err
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
