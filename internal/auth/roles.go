package auth

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// Role scopes what an ops token may do.
type Role string

const (
	// RoleViewer may read tickets, statistics and transcripts.
	RoleViewer Role = "viewer"
	// RoleOperator may also open and close tickets.
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleOperator:
		return true
	default:
		return false
	}
}

// ParseRole maps a flag or claim value to a Role.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !role.Valid() {
		return "", apperrors.NewValidationError("unknown role", map[string]any{"role": s})
	}
	return role, nil
}

// RequireRole ensures the principal holds one of the allowed roles.
func RequireRole(allowed ...Role) fiber.Handler {
	allowedSet := make(map[Role]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewDomainError(apperrors.CodeUnauthorized, "authentication required", fiber.StatusUnauthorized, nil)
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Role]; !exists {
			return apperrors.NewUnauthorized("insufficient role")
		}
		return c.Next()
	}
}
