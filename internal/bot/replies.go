package bot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/spec-kit/ticketbot/internal/config"
	"github.com/spec-kit/ticketbot/internal/confirm"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/service"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

const (
	btnNewTicket = "new_ticket"
	btnCloseYes  = "close_yes"
	btnCloseNo   = "close_no"
	btnCloseAuto = "close_auto"
)

// Expected reports whether err belongs to the error taxonomy and can be
// answered with a specific message. Anything else is reported with a
// correlation id.
func Expected(err error) bool {
	for _, target := range []error{
		apperrors.ErrDuplicateTicket,
		apperrors.ErrUnauthorized,
		apperrors.ErrPermissionDenied,
		apperrors.ErrNotFound,
		apperrors.ErrStalePrompt,
		apperrors.ErrValidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ReplyFor renders err for the requester. correlationID is quoted for
// unexpected errors.
func ReplyFor(err error, correlationID string) string {
	switch {
	case errors.Is(err, apperrors.ErrDuplicateTicket):
		if de := apperrors.ToDomainError(err); de != nil {
			if id, ok := de.Details["ticket_id"].(string); ok && id != "" {
				return fmt.Sprintf("You already have an open ticket in this category (#%s).", id)
			}
		}
		return "You already have a ticket in this category being set up. Try again in a moment."
	case errors.Is(err, apperrors.ErrUnauthorized):
		return "Only the ticket creator or staff can do that."
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return "I'm not allowed to do that. Staff may need to check my permissions, or the user has blocked me."
	case errors.Is(err, apperrors.ErrNotFound):
		return "That ticket no longer exists."
	case errors.Is(err, apperrors.ErrStalePrompt):
		return "This close request was already answered."
	case errors.Is(err, apperrors.ErrValidation):
		if de := apperrors.ToDomainError(err); de != nil && de.Message != "" {
			return capitalize(de.Message) + "."
		}
		return "That request is not valid."
	default:
		return fmt.Sprintf("Something went wrong. Please contact staff with reference %s.", correlationID)
	}
}

// CloseResultText describes a close outcome.
func CloseResultText(result service.CloseOutcome, delay time.Duration) string {
	switch result {
	case service.CloseOutcomeClosed:
		return "Ticket closed. A transcript has been archived."
	case service.CloseOutcomeScheduled:
		return fmt.Sprintf("This ticket will close in %s.", delay)
	case service.CloseOutcomeAlreadyClosing:
		return "This ticket is already closing."
	case service.CloseOutcomeAlreadyClosed:
		return "This ticket is already closed."
	default:
		return ""
	}
}

// PromptResultText describes how a close prompt ended.
func PromptResultText(outcome confirm.Outcome, result service.CloseOutcome, delay time.Duration) string {
	switch outcome {
	case confirm.OutcomeCancel:
		return "Close cancelled. The ticket stays open."
	case confirm.OutcomeTimedOut:
		return "Close request expired. The ticket stays open."
	default:
		return CloseResultText(result, delay)
	}
}

// PromptMarkup builds the three close choices for promptID.
func PromptMarkup(promptID string, delay time.Duration) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(
		menu.Data("Close now", btnCloseYes, promptID),
		menu.Data(fmt.Sprintf("Close in %s", delay), btnCloseAuto, promptID),
		menu.Data("Keep open", btnCloseNo, promptID),
	))
	return menu
}

// CategoryMarkup offers one button per category.
func CategoryMarkup(cfg config.TicketConfig) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		rows = append(rows, menu.Row(menu.Data(cfg.Label(c), btnNewTicket, c.Key())))
	}
	menu.Inline(rows...)
	return menu
}

// StatsText renders lifecycle statistics.
func StatsText(stats service.Stats, cfg config.TicketConfig) string {
	var b strings.Builder
	b.WriteString("Open tickets\n")
	for _, c := range domain.Categories {
		fmt.Fprintf(&b, "  %s: %d\n", cfg.Label(c), stats.Open[c.Key()])
	}
	fmt.Fprintf(&b, "Tracked: %d\n", stats.Tracked)

	modes := make([]string, 0, len(stats.Closed))
	for mode := range stats.Closed {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	b.WriteString("Closed since start\n")
	if len(modes) == 0 {
		b.WriteString("  none\n")
	}
	for _, mode := range modes {
		fmt.Fprintf(&b, "  %s: %d\n", mode, stats.Closed[mode])
	}
	fmt.Fprintf(&b, "Renewals: %d, dropped: %d", stats.Renewals, stats.Dropped)
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
