package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticketbot/internal/api/http/handlers"
	"github.com/spec-kit/ticketbot/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	api := app.Group("/api", cfg.AuthMiddleware.Handle)

	viewer := auth.RequireRole(auth.RoleViewer, auth.RoleOperator)
	api.Get("/tickets", viewer, cfg.Tickets.ListTickets)
	api.Get("/tickets/:id", viewer, cfg.Tickets.GetTicket)
	api.Get("/tickets/:id/transcript", viewer, cfg.Tickets.Transcript)
	api.Get("/tickets/:id/audit", viewer, cfg.Tickets.TicketAudit)
	api.Get("/audit", viewer, cfg.Tickets.RecentAudit)
	api.Get("/stats", viewer, cfg.Tickets.Stats)

	operator := auth.RequireRole(auth.RoleOperator)
	api.Post("/tickets", operator, cfg.Tickets.CreateTicket)
	api.Post("/tickets/:id/close", operator, cfg.Tickets.CloseTicket)
	api.Post("/tickets/:id/members", operator, cfg.Tickets.AddMember)
	api.Delete("/tickets/:id/members/:memberId", operator, cfg.Tickets.RemoveMember)
}
