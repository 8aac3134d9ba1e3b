package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticketbot/internal/api/dto"
	"github.com/spec-kit/ticketbot/internal/auth"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/service"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// TranscriptReader loads archived transcripts.
type TranscriptReader interface {
	Latest(ctx context.Context, ticketID string) (*domain.Transcript, error)
}

// AuditReader loads the audit trail.
type AuditReader interface {
	ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditEvent, error)
	ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// TicketsHandler exposes ticket operations to operators.
type TicketsHandler struct {
	lifecycle   *service.LifecycleService
	transcripts TranscriptReader
	audits      AuditReader
}

// NewTicketsHandler constructs handler. transcripts and audits may be nil
// when no archive database is configured.
func NewTicketsHandler(lifecycle *service.LifecycleService, transcripts TranscriptReader, audits AuditReader) *TicketsHandler {
	return &TicketsHandler{lifecycle: lifecycle, transcripts: transcripts, audits: audits}
}

// ListTickets GET /api/tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	tickets := h.lifecycle.List()
	category := c.Query("category")
	items := make([]dto.TicketResponse, 0, len(tickets))
	for _, t := range tickets {
		if category != "" && t.Category.Key() != category {
			continue
		}
		items = append(items, dto.NewTicketResponse(t))
	}
	return c.JSON(fiber.Map{"data": items})
}

// GetTicket GET /api/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, ok := h.lifecycle.Ticket(c.Params("id"))
	if !ok {
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": c.Params("id")})
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// CreateTicket POST /api/tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewDomainError(apperrors.CodeUnauthorized, "authentication required", fiber.StatusUnauthorized, nil)
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.MemberID == "" || req.Category == "" {
		return apperrors.NewValidationError("member_id, category required", nil)
	}
	category, err := domain.ParseCategory(req.Category)
	if err != nil {
		return apperrors.NewValidationError("unknown category", map[string]any{"category": req.Category})
	}

	ticket, err := h.lifecycle.CreateTicketFor(c.UserContext(), principal.SubjectID, req.MemberID, category)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewTicketResponse(*ticket)})
}

// CloseTicket POST /api/tickets/:id/close.
func (h *TicketsHandler) CloseTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewDomainError(apperrors.CodeUnauthorized, "authentication required", fiber.StatusUnauthorized, nil)
	}
	var req dto.CloseTicketRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	mode, err := parseCloseMode(req.Mode)
	if err != nil {
		return err
	}

	id := c.Params("id")
	outcome, err := h.lifecycle.CloseTicket(c.UserContext(), id, principal.SubjectID, mode, req.Reason)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if outcome == service.CloseOutcomeScheduled {
		status = http.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{"data": dto.CloseTicketResponse{TicketID: id, Outcome: string(outcome)}})
}

// AddMember POST /api/tickets/:id/members.
func (h *TicketsHandler) AddMember(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewDomainError(apperrors.CodeUnauthorized, "authentication required", fiber.StatusUnauthorized, nil)
	}
	var req dto.MemberRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.MemberID == "" {
		return apperrors.NewValidationError("member_id required", nil)
	}
	if err := h.lifecycle.AddMember(c.UserContext(), c.Params("id"), principal.SubjectID, req.MemberID); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// RemoveMember DELETE /api/tickets/:id/members/:memberId.
func (h *TicketsHandler) RemoveMember(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewDomainError(apperrors.CodeUnauthorized, "authentication required", fiber.StatusUnauthorized, nil)
	}
	if err := h.lifecycle.RemoveMember(c.UserContext(), c.Params("id"), principal.SubjectID, c.Params("memberId")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Transcript GET /api/tickets/:id/transcript.
func (h *TicketsHandler) Transcript(c *fiber.Ctx) error {
	if h.transcripts == nil {
		return apperrors.NewNotFound("transcript archive", nil)
	}
	transcript, err := h.transcripts.Latest(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTranscriptResponse(transcript)})
}

// TicketAudit GET /api/tickets/:id/audit.
func (h *TicketsHandler) TicketAudit(c *fiber.Ctx) error {
	if h.audits == nil {
		return apperrors.NewNotFound("audit archive", nil)
	}
	entries, err := h.audits.ListByTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": auditItems(entries)})
}

// RecentAudit GET /api/audit.
func (h *TicketsHandler) RecentAudit(c *fiber.Ctx) error {
	if h.audits == nil {
		return apperrors.NewNotFound("audit archive", nil)
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return apperrors.NewValidationError("limit must be a positive integer", nil)
		}
		limit = parsed
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	entries, err := h.audits.ListRecent(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": auditItems(entries)})
}

// Stats GET /api/stats.
func (h *TicketsHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.lifecycle.Stats()})
}

func auditItems(entries []domain.AuditEvent) []dto.AuditEventResponse {
	items := make([]dto.AuditEventResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, dto.NewAuditEventResponse(e))
	}
	return items
}

func parseCloseMode(raw string) (domain.CloseMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "immediate":
		return domain.CloseModeImmediate, nil
	case "deferred":
		return domain.CloseModeDeferredAuto, nil
	default:
		return "", apperrors.NewValidationError("mode must be immediate or deferred", map[string]any{"mode": raw})
	}
}
