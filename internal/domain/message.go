package domain

import (
	"strings"
	"time"
)

// Message is one entry of a ticket resource's history as reported by the
// messaging collaborator.
type Message struct {
	ID          string       `json:"id"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name,omitempty"`
	FromBot     bool         `json:"from_bot,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment references a file posted with a message.
type Attachment struct {
	FileName string `json:"file_name"`
	URL      string `json:"url,omitempty"`
}

// Embed summarises rich content attached to a message.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// HistoryOrder selects the direction of a history fetch.
type HistoryOrder int

const (
	OldestFirst HistoryOrder = iota
	NewestFirst
)

// Transcript is the rendered, ordered export of a ticket's history.
type Transcript struct {
	TicketID  string
	Ticket    string
	Lines     []string
	Body      []byte
	Digest    string
	Partial   bool
	CreatedAt time.Time
}

// JoinLines renders transcript lines into a newline-terminated body.
func JoinLines(lines []string) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// SplitLines is the inverse of JoinLines.
func SplitLines(body []byte) []string {
	text := strings.TrimSuffix(string(body), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
