package domain

import (
	"fmt"
	"strings"
	"time"
)

// TicketState enumerates lifecycle states for tickets.
type TicketState string

const (
	TicketStateOpen             TicketState = "OPEN"
	TicketStateClosingConfirmed TicketState = "CLOSING_CONFIRMED"
	TicketStateClosingDeferred  TicketState = "CLOSING_DEFERRED"
	TicketStateAutoClosing      TicketState = "AUTO_CLOSING"
	TicketStateClosed           TicketState = "CLOSED"
)

// IsClosing reports whether the ticket has left Open but is not yet torn down.
func (s TicketState) IsClosing() bool {
	switch s {
	case TicketStateClosingConfirmed, TicketStateClosingDeferred, TicketStateAutoClosing:
		return true
	default:
		return false
	}
}

// CloseMode selects how a close request tears a ticket down.
type CloseMode string

const (
	CloseModeImmediate    CloseMode = "IMMEDIATE"
	CloseModeConfirmed    CloseMode = "CONFIRMED"
	CloseModeDeferredAuto CloseMode = "DEFERRED_AUTO"
	// CloseModeInactivity is used only by the inactivity timer.
	CloseModeInactivity CloseMode = "INACTIVITY"
)

// ClosingState maps a close mode to the state the ticket holds while closing.
func (m CloseMode) ClosingState() TicketState {
	switch m {
	case CloseModeDeferredAuto:
		return TicketStateClosingDeferred
	case CloseModeInactivity:
		return TicketStateAutoClosing
	default:
		return TicketStateClosingConfirmed
	}
}

// Label names the mode in audit entries and counters.
func (m CloseMode) Label() string {
	switch m {
	case CloseModeImmediate:
		return "manual"
	case CloseModeConfirmed:
		return "confirmed"
	case CloseModeDeferredAuto:
		return "deferred-auto"
	case CloseModeInactivity:
		return "auto"
	default:
		return "unknown"
	}
}

// Category is the closed set of request types a ticket is opened under.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryClaims
	CategoryBoosts
	CategoryPremium
	CategoryReseller
)

// Categories lists every recognised category in display order.
var Categories = []Category{CategoryClaims, CategoryBoosts, CategoryPremium, CategoryReseller}

// Key returns the stable identifier used in persistence and commands.
func (c Category) Key() string {
	switch c {
	case CategoryClaims:
		return "claims"
	case CategoryBoosts:
		return "boosts"
	case CategoryPremium:
		return "premium"
	case CategoryReseller:
		return "reseller"
	case CategoryUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

func (c Category) String() string { return c.Key() }

// MarshalText encodes the category as its key.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.Key()), nil }

// UnmarshalText decodes a category key.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Valid reports whether c is a recognised category.
func (c Category) Valid() bool {
	switch c {
	case CategoryClaims, CategoryBoosts, CategoryPremium, CategoryReseller:
		return true
	case CategoryUnknown:
		return false
	default:
		return false
	}
}

// ParseCategory maps a category key to the enumeration.
func ParseCategory(key string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "claims":
		return CategoryClaims, nil
	case "boosts":
		return CategoryBoosts, nil
	case "premium":
		return CategoryPremium, nil
	case "reseller":
		return CategoryReseller, nil
	default:
		return CategoryUnknown, fmt.Errorf("unrecognized category %q", key)
	}
}

// Ticket is one support session bound to a provisioned resource.
type Ticket struct {
	ID             string
	Name           string
	CreatorID      string
	Category       Category
	State          TicketState
	CreatedAt      time.Time
	LastActivityAt time.Time
	Renewals       int
}

// Key returns the uniqueness key of the ticket.
func (t *Ticket) Key() TicketKey {
	return TicketKey{CreatorID: t.CreatorID, Category: t.Category}
}

// Record projects the ticket onto its persisted form.
func (t *Ticket) Record() TicketRecord {
	return TicketRecord{
		ID:        t.ID,
		Name:      t.Name,
		CreatorID: t.CreatorID,
		Category:  t.Category.Key(),
		CreatedAt: t.CreatedAt,
	}
}

// TicketKey is the (creator, category) pair at most one open ticket may hold.
type TicketKey struct {
	CreatorID string
	Category  Category
}

// TicketRecord is the durable mirror entry of an open ticket.
type TicketRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatorID string    `json:"creator_id"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket rebuilds an open ticket from the record.
func (r TicketRecord) Ticket() (*Ticket, error) {
	if r.ID == "" || r.CreatorID == "" {
		return nil, fmt.Errorf("record missing id or creator")
	}
	category, err := ParseCategory(r.Category)
	if err != nil {
		return nil, err
	}
	return &Ticket{
		ID:             r.ID,
		Name:           r.Name,
		CreatorID:      r.CreatorID,
		Category:       category,
		State:          TicketStateOpen,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.CreatedAt,
	}, nil
}
