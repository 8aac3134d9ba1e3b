// Package bot maps Telegram commands, buttons and relayed messages onto
// the ticket lifecycle.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"github.com/spec-kit/ticketbot/internal/config"
	"github.com/spec-kit/ticketbot/internal/confirm"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/platform/telegram"
	"github.com/spec-kit/ticketbot/internal/service"
)

// Relay moves conversation between private chats and ticket topics.
type Relay interface {
	RelayFromMember(ctx context.Context, id string, msg domain.Message) error
	RelayFromStaff(ctx context.Context, id string, msg domain.Message)
	TicketsOf(ctx context.Context, userID string) ([]string, error)
	StaffChatID() int64
}

// Handler holds the bot's update handlers.
type Handler struct {
	lifecycle *service.LifecycleService
	relay     Relay
	cfg       config.TicketConfig
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates the handler set.
func New(lifecycle *service.LifecycleService, relay Relay, cfg config.TicketConfig, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		lifecycle: lifecycle,
		relay:     relay,
		cfg:       cfg,
		timeout:   timeout,
		logger:    logger,
	}
}

// Register wires every handler onto b.
func (h *Handler) Register(b *tele.Bot) {
	b.Use(h.Recover, h.LogUpdate)

	b.Handle("/start", h.HandleStart)
	b.Handle("/help", h.HandleStart)
	b.Handle("/new", h.HandleNew)
	b.Handle("/open_for", h.HandleOpenFor)
	b.Handle("/close", h.HandleClose)
	b.Handle("/add", h.HandleAdd)
	b.Handle("/remove", h.HandleRemove)
	b.Handle("/ping", h.HandlePing)
	b.Handle("/stats", h.HandleStats)
	b.Handle("/tickets", h.HandleTickets)

	b.Handle(&tele.Btn{Unique: btnNewTicket}, h.HandleNewButton)
	b.Handle(&tele.Btn{Unique: btnCloseYes}, h.handleChoice(confirm.ChoiceConfirm))
	b.Handle(&tele.Btn{Unique: btnCloseNo}, h.handleChoice(confirm.ChoiceCancel))
	b.Handle(&tele.Btn{Unique: btnCloseAuto}, h.handleChoice(confirm.ChoiceDeferredAuto))

	b.Handle(tele.OnText, h.HandleMessage)
	b.Handle(tele.OnPhoto, h.HandleMessage)
	b.Handle(tele.OnDocument, h.HandleMessage)
	b.Handle(tele.OnVideo, h.HandleMessage)
	b.Handle(tele.OnVoice, h.HandleMessage)
}

// HandleStart explains the bot and offers the categories.
func (h *Handler) HandleStart(c tele.Context) error {
	if !c.Message().Private() {
		return nil
	}
	text := "Need help? Pick a category to open a ticket, then write here and staff will answer.\n" +
		"/close asks to close your ticket, /tickets lists your open tickets."
	_, err := h.reply(c, text, CategoryMarkup(h.cfg))
	return err
}

// HandleNew opens a ticket: /new <category>.
func (h *Handler) HandleNew(c tele.Context) error {
	if !c.Message().Private() {
		return h.send(c, "Open tickets from a private chat with me.")
	}
	args := c.Args()
	if len(args) == 0 {
		_, err := h.reply(c, "Which category?", CategoryMarkup(h.cfg))
		return err
	}
	category, err := domain.ParseCategory(args[0])
	if err != nil {
		return h.send(c, fmt.Sprintf("Unknown category %q. Pick one below.", args[0]))
	}
	return h.openTicket(c, category)
}

// HandleNewButton opens a ticket from a category button.
func (h *Handler) HandleNewButton(c tele.Context) error {
	category, err := domain.ParseCategory(c.Data())
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Unknown category."})
	}
	_ = c.Respond()
	return h.openTicket(c, category)
}

func (h *Handler) openTicket(c tele.Context, category domain.Category) error {
	ctx, cancel := h.context()
	defer cancel()

	ticket, err := h.lifecycle.CreateTicket(ctx, senderID(c), category)
	if err != nil {
		return h.fail(c, "create_ticket", "", err)
	}
	return h.send(c, fmt.Sprintf("Ticket #%s opened for %s. Describe your issue here and staff will reply in this chat.",
		ticket.ID, h.cfg.Label(category)))
}

// HandleOpenFor opens a ticket on behalf of a user. Staff only:
// /open_for <user_id> <category>, or reply to the user's message with
// /open_for <category>.
func (h *Handler) HandleOpenFor(c tele.Context) error {
	ctx, cancel := h.context()
	defer cancel()

	memberID, categoryKey, ok := ParseOpenFor(c.Message(), c.Args())
	if !ok {
		return h.send(c, "Usage: /open_for <user_id> <category>")
	}
	category, err := domain.ParseCategory(categoryKey)
	if err != nil {
		return h.send(c, fmt.Sprintf("Unknown category %q.", categoryKey))
	}
	ticket, err := h.lifecycle.CreateTicketFor(ctx, senderID(c), memberID, category)
	if err != nil {
		return h.fail(c, "create_ticket_for", "", err)
	}
	return h.send(c, fmt.Sprintf("Ticket #%s opened for user %s.", ticket.ID, memberID))
}

// HandleClose asks for confirmation before closing: /close [reason].
func (h *Handler) HandleClose(c tele.Context) error {
	ctx, cancel := h.context()
	defer cancel()

	ticket, ok := h.currentTicket(ctx, c)
	if !ok {
		return h.send(c, "There is no open ticket here.")
	}
	prompt, err := h.lifecycle.RequestClose(ctx, ticket.ID, senderID(c), c.Message().Payload)
	if err != nil {
		return h.fail(c, "request_close", ticket.ID, err)
	}

	delay := h.cfg.DeferredCloseDelay()
	sent, err := h.reply(c, fmt.Sprintf("Close ticket #%s?", ticket.ID), PromptMarkup(prompt.ID, delay))
	if err != nil {
		return err
	}
	go h.expirePrompt(c.Bot(), sent, prompt)
	return nil
}

// expirePrompt edits the prompt message once nobody answered in time.
func (h *Handler) expirePrompt(b *tele.Bot, sent *tele.Message, prompt *confirm.Prompt) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConfirmTimeout()+h.timeout)
	defer cancel()
	outcome, err := prompt.Wait(ctx)
	if err != nil || outcome != confirm.OutcomeTimedOut {
		return
	}
	if _, err := b.Edit(sent, PromptResultText(outcome, "", 0)); err != nil {
		h.logger.Debug("failed to edit expired prompt", zap.String("prompt_id", prompt.ID), zap.Error(err))
	}
}

func (h *Handler) handleChoice(choice confirm.Choice) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := h.context()
		defer cancel()

		outcome, result, err := h.lifecycle.ResolvePrompt(ctx, c.Data(), senderID(c), choice)
		if err != nil {
			return c.Respond(&tele.CallbackResponse{Text: h.errorText(ctx, c, "resolve_prompt", "", err), ShowAlert: true})
		}
		_ = c.Respond()
		if err := c.Edit(PromptResultText(outcome, result, h.cfg.DeferredCloseDelay())); err != nil {
			// the topic is gone after an immediate close
			h.logger.Debug("failed to edit prompt", zap.String("prompt_id", c.Data()), zap.Error(err))
		}
		return nil
	}
}

// HandleAdd grants a user access: /add <user_id>, or reply to their message.
func (h *Handler) HandleAdd(c tele.Context) error {
	return h.membership(c, "add_member", h.lifecycle.AddMember, "User %s added to the ticket.")
}

// HandleRemove revokes a user's access: /remove <user_id>, or reply.
func (h *Handler) HandleRemove(c tele.Context) error {
	return h.membership(c, "remove_member", h.lifecycle.RemoveMember, "User %s removed from the ticket.")
}

func (h *Handler) membership(c tele.Context, op string, apply func(ctx context.Context, id, actorID, memberID string) error, done string) error {
	ctx, cancel := h.context()
	defer cancel()

	ticket, ok := h.currentTicket(ctx, c)
	if !ok {
		return h.send(c, "There is no open ticket here.")
	}
	memberID, ok := TargetUser(c.Message(), c.Args())
	if !ok {
		return h.send(c, "Reply to the user's message or pass their user id.")
	}
	if err := apply(ctx, ticket.ID, senderID(c), memberID); err != nil {
		return h.fail(c, op, ticket.ID, err)
	}
	return h.send(c, fmt.Sprintf(done, memberID))
}

// HandlePing sends the ticket creator a direct nudge. Staff only.
func (h *Handler) HandlePing(c tele.Context) error {
	ctx, cancel := h.context()
	defer cancel()

	ticket, ok := h.currentTicket(ctx, c)
	if !ok {
		return h.send(c, "There is no open ticket here.")
	}
	content := strings.TrimSpace(c.Message().Payload)
	if content == "" {
		content = fmt.Sprintf("Staff are waiting for your reply in ticket #%s (%s).", ticket.ID, h.cfg.Label(ticket.Category))
	}
	if err := h.lifecycle.PingCreator(ctx, ticket.ID, senderID(c), content); err != nil {
		return h.fail(c, "ping_creator", ticket.ID, err)
	}
	return h.send(c, "Creator pinged.")
}

// HandleStats reports open tickets and close counters. Staff only.
func (h *Handler) HandleStats(c tele.Context) error {
	ctx, cancel := h.context()
	defer cancel()

	staff, err := h.lifecycle.IsStaff(ctx, senderID(c))
	if err != nil {
		return h.fail(c, "stats", "", err)
	}
	if !staff {
		return h.send(c, "Only staff can see statistics.")
	}
	return h.send(c, StatsText(h.lifecycle.Stats(), h.cfg))
}

// HandleTickets lists the sender's open tickets.
func (h *Handler) HandleTickets(c tele.Context) error {
	tickets := h.lifecycle.OpenTicketsOf(senderID(c))
	if len(tickets) == 0 {
		return h.send(c, "You have no open tickets. Use /new to open one.")
	}
	var b strings.Builder
	b.WriteString("Your open tickets:\n")
	for _, t := range tickets {
		fmt.Fprintf(&b, "#%s %s, opened %s\n", t.ID, h.cfg.Label(t.Category), t.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return h.send(c, strings.TrimSuffix(b.String(), "\n"))
}

// HandleMessage relays conversation: private messages go to the sender's
// ticket topic, staff topic messages go to the ticket members.
func (h *Handler) HandleMessage(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Sender.IsBot {
		return nil
	}
	ctx, cancel := h.context()
	defer cancel()

	switch {
	case m.Private():
		ticket, ok := h.currentTicket(ctx, c)
		if !ok {
			return h.send(c, "You have no open ticket. Use /new to open one.")
		}
		if err := h.relay.RelayFromMember(ctx, ticket.ID, telegram.MessageFrom(m)); err != nil {
			return h.fail(c, "relay_member", ticket.ID, err)
		}
		h.lifecycle.RecordActivity(ticket.ID)
	case c.Chat().ID == h.relay.StaffChatID() && m.ThreadID != 0:
		id := strconv.Itoa(m.ThreadID)
		if _, ok := h.lifecycle.Ticket(id); !ok {
			return nil
		}
		h.relay.RelayFromStaff(ctx, id, telegram.MessageFrom(m))
		h.lifecycle.RecordActivity(id)
	}
	return nil
}

// currentTicket resolves the ticket a command refers to: the topic it was
// sent in, or in a private chat the sender's most recently active ticket.
func (h *Handler) currentTicket(ctx context.Context, c tele.Context) (domain.Ticket, bool) {
	m := c.Message()
	if m == nil {
		return domain.Ticket{}, false
	}
	if c.Chat() != nil && c.Chat().ID == h.relay.StaffChatID() {
		if m.ThreadID == 0 {
			return domain.Ticket{}, false
		}
		return h.lifecycle.Ticket(strconv.Itoa(m.ThreadID))
	}
	if !m.Private() {
		return domain.Ticket{}, false
	}

	user := senderID(c)
	candidates := h.lifecycle.OpenTicketsOf(user)
	ids, err := h.relay.TicketsOf(ctx, user)
	if err != nil {
		h.logger.Warn("failed to load member tickets", zap.String("user_id", user), zap.Error(err))
	}
	for _, id := range ids {
		if t, ok := h.lifecycle.Ticket(id); ok {
			candidates = append(candidates, t)
		}
	}
	return LatestTicket(candidates)
}

// LatestTicket picks the open ticket with the most recent activity.
func LatestTicket(tickets []domain.Ticket) (domain.Ticket, bool) {
	var best domain.Ticket
	found := false
	for _, t := range tickets {
		if t.State != domain.TicketStateOpen {
			continue
		}
		if !found || t.LastActivityAt.After(best.LastActivityAt) ||
			(t.LastActivityAt.Equal(best.LastActivityAt) && t.CreatedAt.After(best.CreatedAt)) {
			best = t
			found = true
		}
	}
	return best, found
}

// TargetUser finds the user a membership command names: the author of the
// replied-to message, or the first argument.
func TargetUser(m *tele.Message, args []string) (string, bool) {
	if m != nil && m.ReplyTo != nil && m.ReplyTo.Sender != nil && !m.ReplyTo.Sender.IsBot {
		return strconv.FormatInt(m.ReplyTo.Sender.ID, 10), true
	}
	if len(args) == 0 {
		return "", false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return "", false
	}
	return strconv.FormatInt(id, 10), true
}

// ParseOpenFor reads the member and category of an /open_for command.
func ParseOpenFor(m *tele.Message, args []string) (memberID, category string, ok bool) {
	if m != nil && m.ReplyTo != nil && m.ReplyTo.Sender != nil && len(args) == 1 {
		member, found := TargetUser(m, nil)
		return member, args[0], found
	}
	if len(args) != 2 {
		return "", "", false
	}
	member, found := TargetUser(nil, args[:1])
	return member, args[1], found
}

func (h *Handler) fail(c tele.Context, op, ticketID string, err error) error {
	ctx, cancel := h.context()
	defer cancel()
	return h.send(c, h.errorText(ctx, c, op, ticketID, err))
}

func (h *Handler) errorText(ctx context.Context, c tele.Context, op, ticketID string, err error) string {
	if Expected(err) {
		h.logger.Info("request refused",
			zap.String("operation", op),
			zap.String("user_id", senderID(c)),
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return ReplyFor(err, "")
	}
	return ReplyFor(err, h.lifecycle.ReportError(ctx, op, senderID(c), ticketID, err))
}

func (h *Handler) send(c tele.Context, text string) error {
	_, err := h.reply(c, text, nil)
	return err
}

// reply answers in the chat and forum thread the update came from.
func (h *Handler) reply(c tele.Context, what interface{}, markup *tele.ReplyMarkup) (*tele.Message, error) {
	opts := &tele.SendOptions{ReplyMarkup: markup}
	if m := c.Message(); m != nil && m.ThreadID != 0 {
		opts.ThreadID = m.ThreadID
	}
	return c.Bot().Send(c.Recipient(), what, opts)
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func senderID(c tele.Context) string {
	if c.Sender() == nil {
		return ""
	}
	return strconv.FormatInt(c.Sender().ID, 10)
}
