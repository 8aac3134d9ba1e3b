// Package telegram implements the platform collaborators on a Telegram
// forum supergroup. Each ticket is a forum topic in the private staff
// chat; the requester talks to the bot in private and the bot relays both
// ways. The Bot API cannot read chat history, so relayed messages are kept
// in a Redis message log.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/repository"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// API is the subset of *tele.Bot the adapter calls.
type API interface {
	CreateTopic(chat *tele.Chat, topic *tele.Topic) (*tele.Topic, error)
	DeleteTopic(chat *tele.Chat, topic *tele.Topic) error
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Pin(msg tele.Editable, opts ...interface{}) error
	Notify(to tele.Recipient, action tele.ChatAction, threadID ...int) error
	ChatMemberOf(chat, user tele.Recipient) (*tele.ChatMember, error)
}

// Options configures the adapter.
type Options struct {
	StaffChatID int64
	LogChatID   int64
	OwnerIDs    []int64
}

// Platform is the Telegram-backed collaborator set.
type Platform struct {
	api       API
	staffChat *tele.Chat
	logChat   *tele.Chat
	owners    map[string]bool
	messages  repository.MessageLog
	members   repository.MemberRepository
	clock     clock.Clock
	logger    *zap.Logger
}

// New builds the adapter.
func New(api API, opts Options, messages repository.MessageLog, members repository.MemberRepository, clk clock.Clock, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Platform{
		api:       api,
		staffChat: &tele.Chat{ID: opts.StaffChatID},
		owners:    make(map[string]bool, len(opts.OwnerIDs)),
		messages:  messages,
		members:   members,
		clock:     clk,
		logger:    logger,
	}
	if opts.LogChatID != 0 {
		p.logChat = &tele.Chat{ID: opts.LogChatID}
	}
	for _, id := range opts.OwnerIDs {
		p.owners[strconv.FormatInt(id, 10)] = true
	}
	return p
}

// StaffChatID returns the forum supergroup id.
func (p *Platform) StaffChatID() int64 { return p.staffChat.ID }

// Create opens a forum topic and records the initial members.
func (p *Platform) Create(ctx context.Context, name string, acl domain.AccessSpec) (string, error) {
	topic, err := p.api.CreateTopic(p.staffChat, &tele.Topic{Name: name})
	if err != nil {
		return "", classify(err, "staff chat")
	}
	id := strconv.Itoa(topic.ThreadID)
	for _, member := range acl.Members {
		if err := p.members.Add(ctx, id, member); err != nil {
			p.logger.Warn("failed to record ticket member", zap.String("ticket_id", id), zap.String("user_id", member), zap.Error(err))
		}
	}
	return id, nil
}

// Delete removes the forum topic along with its relay state.
func (p *Platform) Delete(ctx context.Context, id, reason string) error {
	threadID, err := threadOf(id)
	if err != nil {
		return err
	}
	deleteErr := classify(p.api.DeleteTopic(p.staffChat, &tele.Topic{ThreadID: threadID}), "topic")
	if err := p.messages.Delete(ctx, id); err != nil {
		p.logger.Warn("failed to delete message log", zap.String("ticket_id", id), zap.Error(err))
	}
	if err := p.members.Drop(ctx, id); err != nil {
		p.logger.Warn("failed to drop ticket members", zap.String("ticket_id", id), zap.Error(err))
	}
	if deleteErr == nil {
		p.logger.Info("topic deleted", zap.String("ticket_id", id), zap.String("reason", reason))
	}
	return deleteErr
}

// SetMetadata posts topic as a pinned message in the thread.
func (p *Platform) SetMetadata(ctx context.Context, id, topic string) error {
	threadID, err := threadOf(id)
	if err != nil {
		return err
	}
	msg, err := p.api.Send(p.staffChat, topic, &tele.SendOptions{ThreadID: threadID})
	if err != nil {
		return classify(err, "topic")
	}
	return classify(p.api.Pin(msg, tele.Silent), "topic")
}

// Exists probes the topic with a chat action.
func (p *Platform) Exists(ctx context.Context, id string) (bool, error) {
	threadID, err := threadOf(id)
	if err != nil {
		return false, nil
	}
	err = classify(p.api.Notify(p.staffChat, tele.Typing, threadID), "topic")
	switch {
	case err == nil:
		return true, nil
	case apperrors.CodeOf(err) == apperrors.CodeNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Grant adds userID to the relay set of the ticket.
func (p *Platform) Grant(ctx context.Context, id, userID string) error {
	return p.members.Add(ctx, id, userID)
}

// Revoke removes userID from the relay set of the ticket.
func (p *Platform) Revoke(ctx context.Context, id, userID string) error {
	return p.members.Remove(ctx, id, userID)
}

// Send posts a bot message into the topic and relays it to the members.
func (p *Platform) Send(ctx context.Context, id, content string) error {
	threadID, err := threadOf(id)
	if err != nil {
		return err
	}
	sent, err := p.api.Send(p.staffChat, content, &tele.SendOptions{ThreadID: threadID})
	if err != nil {
		return classify(err, "topic")
	}
	msg := domain.Message{AuthorID: "bot", AuthorName: "bot", FromBot: true, Content: content, CreatedAt: p.clock.Now()}
	if sent != nil {
		msg.ID = strconv.Itoa(sent.ID)
	}
	p.append(ctx, id, msg)
	p.relayToMembers(ctx, id, "", content)
	return nil
}

// FetchHistory reads the relay log of the ticket.
func (p *Platform) FetchHistory(ctx context.Context, id string, limit int, order domain.HistoryOrder) ([]domain.Message, error) {
	return p.messages.List(ctx, id, limit, order)
}

// SendDirect sends a private message to userID.
func (p *Platform) SendDirect(ctx context.Context, userID, content string) error {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return apperrors.NewNotFound("user", map[string]any{"user_id": userID})
	}
	_, err = p.api.Send(&tele.User{ID: uid}, content)
	return classify(err, "user")
}

// HasCapability resolves Owner from the configured owner ids and the staff
// chat creator, and Staff from the staff chat's administrators.
func (p *Platform) HasCapability(ctx context.Context, userID string, caps ...domain.Capability) (bool, error) {
	wantStaff, wantOwner := false, false
	for _, c := range caps {
		switch c {
		case domain.CapabilityStaff:
			wantStaff = true
		case domain.CapabilityOwner:
			wantOwner = true
		}
	}
	if wantOwner && p.owners[userID] {
		return true, nil
	}
	if !wantStaff && !wantOwner {
		return false, nil
	}

	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return false, nil
	}
	member, err := p.api.ChatMemberOf(p.staffChat, &tele.User{ID: uid})
	if err != nil {
		if apperrors.CodeOf(classify(err, "user")) == apperrors.CodeNotFound {
			return false, nil
		}
		return false, classify(err, "staff chat")
	}
	switch member.Role {
	case tele.Creator:
		return true, nil
	case tele.Administrator:
		return wantStaff, nil
	default:
		return false, nil
	}
}

// Record posts an audit line to the log chat.
func (p *Platform) Record(ctx context.Context, event domain.AuditEvent) error {
	if p.logChat == nil {
		return nil
	}
	_, err := p.api.Send(p.logChat, FormatAudit(event), tele.Silent)
	return classify(err, "log chat")
}

// StoreTranscript uploads the transcript as a text document to the log chat.
func (p *Platform) StoreTranscript(ctx context.Context, transcript domain.Transcript) error {
	if p.logChat == nil {
		return nil
	}
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(transcript.Body)),
		FileName: fmt.Sprintf("transcript-%s.txt", transcript.Ticket),
		MIME:     "text/plain",
		Caption:  fmt.Sprintf("%s (#%s) %d lines, blake3 %s", transcript.Ticket, transcript.TicketID, len(transcript.Lines), shortDigest(transcript.Digest)),
	}
	_, err := p.api.Send(p.logChat, doc, tele.Silent)
	return classify(err, "log chat")
}

// RelayFromMember copies a private message from a member into the topic.
func (p *Platform) RelayFromMember(ctx context.Context, id string, msg domain.Message) error {
	threadID, err := threadOf(id)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("%s: %s", msg.AuthorName, renderContent(msg))
	if _, err := p.api.Send(p.staffChat, text, &tele.SendOptions{ThreadID: threadID}); err != nil {
		return classify(err, "topic")
	}
	p.append(ctx, id, msg)
	p.relayToMembers(ctx, id, msg.AuthorID, text)
	return nil
}

// RelayFromStaff copies a staff message posted in the topic to the members.
func (p *Platform) RelayFromStaff(ctx context.Context, id string, msg domain.Message) {
	p.append(ctx, id, msg)
	p.relayToMembers(ctx, id, msg.AuthorID, fmt.Sprintf("%s: %s", msg.AuthorName, renderContent(msg)))
}

// TicketsOf returns the ticket ids userID takes part in.
func (p *Platform) TicketsOf(ctx context.Context, userID string) ([]string, error) {
	return p.members.TicketsOf(ctx, userID)
}

func (p *Platform) relayToMembers(ctx context.Context, id, skip, text string) {
	members, err := p.members.Members(ctx, id)
	if err != nil {
		p.logger.Warn("failed to load ticket members", zap.String("ticket_id", id), zap.Error(err))
		return
	}
	for _, member := range members {
		if member == skip {
			continue
		}
		if err := p.SendDirect(ctx, member, text); err != nil {
			p.logger.Warn("relay to member failed", zap.String("ticket_id", id), zap.String("user_id", member), zap.Error(err))
		}
	}
}

func (p *Platform) append(ctx context.Context, id string, msg domain.Message) {
	if err := p.messages.Append(ctx, id, msg); err != nil {
		p.logger.Warn("failed to append message log", zap.String("ticket_id", id), zap.Error(err))
	}
}

// MessageFrom converts a Telegram message into the platform-neutral form.
func MessageFrom(m *tele.Message) domain.Message {
	msg := domain.Message{
		ID:        strconv.Itoa(m.ID),
		Content:   m.Text,
		CreatedAt: m.Time(),
	}
	if msg.Content == "" {
		msg.Content = m.Caption
	}
	if m.Sender != nil {
		msg.AuthorID = strconv.FormatInt(m.Sender.ID, 10)
		msg.AuthorName = displayName(m.Sender)
		msg.FromBot = m.Sender.IsBot
	}
	switch {
	case m.Document != nil:
		msg.Attachments = append(msg.Attachments, domain.Attachment{FileName: m.Document.FileName, URL: m.Document.FileID})
	case m.Photo != nil:
		msg.Attachments = append(msg.Attachments, domain.Attachment{FileName: "photo.jpg", URL: m.Photo.FileID})
	case m.Video != nil:
		msg.Attachments = append(msg.Attachments, domain.Attachment{FileName: m.Video.FileName, URL: m.Video.FileID})
	case m.Voice != nil:
		msg.Attachments = append(msg.Attachments, domain.Attachment{FileName: "voice.ogg", URL: m.Voice.FileID})
	}
	return msg
}

// FormatAudit renders an audit entry as one log chat line.
func FormatAudit(event domain.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", event.Kind)
	if event.Ticket != "" || event.TicketID != "" {
		fmt.Fprintf(&b, " %s (#%s)", event.Ticket, event.TicketID)
	}
	if event.Category != "" {
		fmt.Fprintf(&b, " category=%s", event.Category)
	}
	if event.ActorID != "" {
		fmt.Fprintf(&b, " by %s", event.ActorID)
	}
	if event.Detail != "" {
		fmt.Fprintf(&b, ": %s", event.Detail)
	}
	return b.String()
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

func renderContent(msg domain.Message) string {
	if len(msg.Attachments) == 0 {
		return msg.Content
	}
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.FileName)
	}
	return strings.TrimSpace(msg.Content + " [" + strings.Join(names, ", ") + "]")
}

func shortDigest(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}

func threadOf(id string) (int, error) {
	threadID, err := strconv.Atoi(id)
	if err != nil || threadID <= 0 {
		return 0, apperrors.NewNotFound("topic", map[string]any{"id": id})
	}
	return threadID, nil
}

// classify maps Bot API failures onto the domain error kinds.
func classify(err error, resource string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "topic_id_invalid"),
		strings.Contains(msg, "topic_deleted"),
		strings.Contains(msg, "user_not_participant"):
		return apperrors.NewNotFound(resource, map[string]any{"cause": err.Error()})
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "have no rights"),
		strings.Contains(msg, "blocked"),
		strings.Contains(msg, "can't initiate"):
		return apperrors.NewPermissionDenied("telegram refused the request", err)
	default:
		return fmt.Errorf("telegram: %w", err)
	}
}
