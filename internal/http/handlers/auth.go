package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/mybooks/server/internal/auth"
)

// AuthHandler handles the handshake and SMS OTP endpoints
type AuthHandler struct {
	service *auth.Service
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service *auth.Service) *AuthHandler {
	return &AuthHandler{service: service}
}

// HandleCreateAuthRequest handles POST /api/create-auth-request
func (h *AuthHandler) HandleCreateAuthRequest(w http.ResponseWriter, r *http.Request) {
	requestUUID, err := h.service.CreateAuthRequest(r.Context())
	if err != nil {
		log.Printf("Failed to create auth request: %v", err)
		respondWithError(w, http.StatusInternalServerError, "failed to create auth request")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"request_uuid": requestUUID})
}

// HandleCheckAuth handles GET /api/check-auth?request_uuid=...
// Idempotent and side-effect free; clients poll it once per second.
func (h *AuthHandler) HandleCheckAuth(w http.ResponseWriter, r *http.Request) {
	requestUUID := strings.TrimSpace(r.URL.Query().Get("request_uuid"))
	if requestUUID == "" {
		respondWithError(w, http.StatusBadRequest, "request_uuid is required")
		return
	}

	result, err := h.service.CheckAuthStatus(r.Context(), requestUUID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "request not found")
			return
		}
		log.Printf("Failed to check auth request %s: %v", requestUUID, err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if result.User != nil {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status": string(result.Status),
			"user":   result.User,
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
}

// requestOtpRequest is the request body for POST /api/auth/sms/request-otp
type requestOtpRequest struct {
	Phone string `json:"phone"`
}

// verifyOtpRequest is the request body for POST /api/auth/sms/verify-otp
type verifyOtpRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// HandleRequestOtp handles POST /api/auth/sms/request-otp
func (h *AuthHandler) HandleRequestOtp(w http.ResponseWriter, r *http.Request) {
	var req requestOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	issue, err := h.service.RequestSmsOtp(r.Context(), req.Phone, getClientIP(r))
	if err != nil {
		h.respondRequestOtpError(w, req.Phone, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                  true,
		"request_id":          issue.RequestID,
		"expires_in_seconds":  issue.ExpiresInSeconds,
		"retry_after_seconds": issue.RetryAfterSeconds,
	})
}

func (h *AuthHandler) respondRequestOtpError(w http.ResponseWriter, rawPhone string, err error) {
	var cooldown *auth.CooldownError
	switch {
	case errors.Is(err, auth.ErrInvalidPhone):
		respondWithError(w, http.StatusBadRequest, "invalid phone format")
	case errors.As(err, &cooldown):
		respondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "wait before requesting a new code",
			"retry_after_seconds": cooldown.RetryAfterSeconds,
		})
	case errors.Is(err, auth.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		// Gateway or storage failure; the real cause stays in the logs.
		logMaskedPhone(rawPhone, "OTP request failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "failed to send code")
	}
}

// HandleVerifyOtp handles POST /api/auth/sms/verify-otp
func (h *AuthHandler) HandleVerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.service.VerifySmsOtp(r.Context(), req.Phone, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMalformedInput):
			respondWithError(w, http.StatusBadRequest, "invalid phone or code")
		case errors.Is(err, auth.ErrNoActiveCode):
			respondWithError(w, http.StatusBadRequest, "no active code, request a new one")
		case errors.Is(err, auth.ErrCodeExpired):
			respondWithError(w, http.StatusBadRequest, "code expired")
		case errors.Is(err, auth.ErrWrongCode):
			respondWithError(w, http.StatusBadRequest, "incorrect code")
		case errors.Is(err, auth.ErrTooManyAttempts):
			respondWithError(w, http.StatusTooManyRequests, "too many attempts, request a new code")
		default:
			logMaskedPhone(req.Phone, "OTP verify failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "failed to verify code")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status": "completed",
		"user":   user,
	})
}

// HandleGetUser handles GET /api/user?id=...
func (h *AuthHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	rawID := strings.TrimSpace(r.URL.Query().Get("id"))
	if rawID == "" {
		respondWithError(w, http.StatusBadRequest, "id is required")
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		log.Printf("Failed to load user %d: %v", id, err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	return r.RemoteAddr
}

// logMaskedPhone logs a message with masked phone number
func logMaskedPhone(phone, format string, args ...interface{}) {
	log.Printf("Phone "+maskPhone(phone)+": "+format, args...)
}

// maskPhone masks a phone number for logging (e.g., +9********67)
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	prefix := phone[:2]
	suffix := phone[len(phone)-2:]
	return prefix + strings.Repeat("*", len(phone)-4) + suffix
}
