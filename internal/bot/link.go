// Package bot implements the Telegram side of the login handshake: it
// matches deep-link payloads to pending auth requests and collects the
// user's phone number before completing them.
package bot

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/mybooks/server/internal/model"
	"github.com/mybooks/server/internal/phone"
	"github.com/mybooks/server/internal/repo"
)

// Identity is the Telegram account invoking the bot.
type Identity struct {
	TelegramID string
	FirstName  string
	LastName   string
	Username   string
}

// FullName joins the first and last name the way the app displays users.
func (i Identity) FullName() string {
	return strings.TrimSpace(i.FirstName + " " + i.LastName)
}

// StartOutcome describes what a /start deep-link open resolved to.
type StartOutcome int

const (
	// StartInvalidRequest means no pending request matched the payload.
	StartInvalidRequest StartOutcome = iota
	// StartNeedPhone means the identity was linked to the request but a
	// phone number must be collected before completion.
	StartNeedPhone
	// StartCompleted means the handshake finished; the polling client
	// will observe it on its next check.
	StartCompleted
)

// ContactOutcome describes what a shared contact resolved to.
type ContactOutcome int

const (
	// ContactSaved means the phone was stored but no handshake was
	// waiting on it.
	ContactSaved ContactOutcome = iota
	// ContactCompleted means the phone was stored and the identity's
	// most recent pending handshake was completed.
	ContactCompleted
)

// LinkHandler completes handshakes by mutating the shared store. It
// holds no state between events: a crash between linking the identity
// and collecting the phone leaves the request pending with
// telegram_user_id set, and the contact event re-locates it by that
// identity alone.
type LinkHandler struct {
	users        repo.UserRepo
	authRequests repo.AuthRequestRepo
}

// NewLinkHandler creates a link handler over the shared repositories.
func NewLinkHandler(users repo.UserRepo, authRequests repo.AuthRequestRepo) *LinkHandler {
	return &LinkHandler{users: users, authRequests: authRequests}
}

// HandleStart processes a deep-link open carrying an auth request uuid.
func (h *LinkHandler) HandleStart(ctx context.Context, payload string, id Identity) (StartOutcome, error) {
	ar, err := h.authRequests.GetByUUID(ctx, payload)
	if err != nil {
		if isNotFound(err) {
			return StartInvalidRequest, nil
		}
		return StartInvalidRequest, fmt.Errorf("load auth request: %w", err)
	}
	if ar.Status != model.AuthRequestPending {
		return StartInvalidRequest, nil
	}

	user, err := h.users.GetByTelegramID(ctx, id.TelegramID)
	if err != nil {
		if !isNotFound(err) {
			return StartInvalidRequest, fmt.Errorf("lookup user: %w", err)
		}
		user, err = h.users.CreateTelegramUser(ctx, repo.NewTelegramUser{
			TelegramID: id.TelegramID,
			FullName:   id.FullName(),
			Username:   optional(id.Username),
			AvatarURL:  optional(avatarURL(id.FirstName)),
		})
		if err != nil {
			return StartInvalidRequest, fmt.Errorf("create user: %w", err)
		}
		log.Printf("bot: created user %d for telegram id %s", user.ID, id.TelegramID)
	} else {
		if err := h.users.TouchLastLogin(ctx, user.ID); err != nil {
			return StartInvalidRequest, fmt.Errorf("touch login: %w", err)
		}
	}

	if user.Phone == nil || *user.Phone == "" {
		// Phase one: remember who opened the link, keep the request
		// pending until a phone arrives.
		if err := h.authRequests.LinkIdentity(ctx, payload, id.TelegramID, user.ID); err != nil {
			return StartInvalidRequest, fmt.Errorf("link identity: %w", err)
		}
		return StartNeedPhone, nil
	}

	if err := h.authRequests.Complete(ctx, payload, id.TelegramID, user.ID); err != nil {
		return StartInvalidRequest, fmt.Errorf("complete request: %w", err)
	}
	return StartCompleted, nil
}

// HandleContact processes a shared phone number (phase two). It
// backfills the user's phone and completes the identity's most recent
// still-pending request, if any.
func (h *LinkHandler) HandleContact(ctx context.Context, id Identity, phoneNumber string) (ContactOutcome, error) {
	stored := phone.Normalize(phoneNumber)
	if stored == "" {
		// Telegram sends contacts for any country; keep the raw value
		// when it doesn't match the local pattern.
		stored = strings.TrimSpace(phoneNumber)
	}

	if err := h.users.SetPhoneByTelegramID(ctx, id.TelegramID, stored); err != nil {
		return ContactSaved, fmt.Errorf("store phone: %w", err)
	}

	user, err := h.users.GetByTelegramID(ctx, id.TelegramID)
	if err != nil {
		return ContactSaved, fmt.Errorf("reload user: %w", err)
	}

	err = h.authRequests.CompleteLatestPendingByTelegramID(ctx, id.TelegramID, user.ID)
	if err != nil {
		if isNotFound(err) {
			return ContactSaved, nil
		}
		return ContactSaved, fmt.Errorf("complete pending request: %w", err)
	}
	return ContactCompleted, nil
}

func avatarURL(firstName string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(firstName)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
