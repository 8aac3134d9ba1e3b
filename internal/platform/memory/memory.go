// Package memory is an in-process chat platform used in local mode and by
// tests. It implements every collaborator of the platform package.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/domain"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

type resource struct {
	name     string
	topic    string
	acl      domain.AccessSpec
	members  map[string]bool
	messages []domain.Message
}

// Platform keeps resources, messages and capabilities in memory. The
// exported error fields make the next matching call fail.
type Platform struct {
	clock clock.Clock

	mu           sync.Mutex
	nextID       int
	nextMsg      int
	resources    map[string]*resource
	capabilities map[string]map[domain.Capability]bool
	direct       map[string][]string
	blockedDMs   map[string]bool
	deleted      []string
	audits       []domain.AuditEvent
	transcripts  []domain.Transcript

	CreateErr  error
	HistoryErr error
	ExistsErr  error
}

// New returns an empty platform.
func New(clk clock.Clock) *Platform {
	if clk == nil {
		clk = clock.Real()
	}
	return &Platform{
		clock:        clk,
		nextID:       1000,
		resources:    make(map[string]*resource),
		capabilities: make(map[string]map[domain.Capability]bool),
		direct:       make(map[string][]string),
		blockedDMs:   make(map[string]bool),
	}
}

// SetCapabilities assigns caps to userID.
func (p *Platform) SetCapabilities(userID string, caps ...domain.Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[domain.Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	p.capabilities[userID] = set
}

// BlockDirect makes direct messages to userID fail with PermissionDenied.
func (p *Platform) BlockDirect(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockedDMs[userID] = true
}

// Create provisions a resource.
func (p *Platform) Create(ctx context.Context, name string, acl domain.AccessSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.CreateErr; err != nil {
		p.CreateErr = nil
		return "", err
	}
	p.nextID++
	id := strconv.Itoa(p.nextID)
	members := make(map[string]bool, len(acl.Members))
	for _, m := range acl.Members {
		members[m] = true
	}
	p.resources[id] = &resource{name: name, acl: acl, members: members}
	return id, nil
}

// Delete removes a resource; an unknown id is NotFound.
func (p *Platform) Delete(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resources[id]; !ok {
		return apperrors.NewNotFound("resource", map[string]any{"id": id})
	}
	delete(p.resources, id)
	p.deleted = append(p.deleted, id)
	return nil
}

// SetMetadata sets the resource topic.
func (p *Platform) SetMetadata(ctx context.Context, id, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return apperrors.NewNotFound("resource", map[string]any{"id": id})
	}
	r.topic = topic
	return nil
}

// Exists reports whether the resource is still present.
func (p *Platform) Exists(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExistsErr != nil {
		return false, p.ExistsErr
	}
	_, ok := p.resources[id]
	return ok, nil
}

// Grant adds userID to the resource.
func (p *Platform) Grant(ctx context.Context, id, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return apperrors.NewNotFound("resource", map[string]any{"id": id})
	}
	r.members[userID] = true
	return nil
}

// Revoke removes userID from the resource.
func (p *Platform) Revoke(ctx context.Context, id, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return apperrors.NewNotFound("resource", map[string]any{"id": id})
	}
	delete(r.members, userID)
	return nil
}

// Send posts a bot message to the resource.
func (p *Platform) Send(ctx context.Context, id, content string) error {
	return p.post(id, domain.Message{AuthorID: "bot", AuthorName: "bot", FromBot: true, Content: content})
}

// Post appends a user message to the resource as if the user typed it.
func (p *Platform) Post(id, authorID, content string) error {
	return p.post(id, domain.Message{AuthorID: authorID, AuthorName: authorID, Content: content})
}

// PostMessage appends msg verbatim, keeping its timestamp if set.
func (p *Platform) PostMessage(id string, msg domain.Message) error {
	return p.post(id, msg)
}

func (p *Platform) post(id string, msg domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return apperrors.NewNotFound("resource", map[string]any{"id": id})
	}
	p.nextMsg++
	if msg.ID == "" {
		msg.ID = strconv.Itoa(p.nextMsg)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = p.clock.Now()
	}
	r.messages = append(r.messages, msg)
	return nil
}

// FetchHistory returns up to limit messages in the requested order; a
// non-positive limit returns all of them.
func (p *Platform) FetchHistory(ctx context.Context, id string, limit int, order domain.HistoryOrder) ([]domain.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.HistoryErr; err != nil {
		return nil, err
	}
	r, ok := p.resources[id]
	if !ok {
		return nil, apperrors.NewNotFound("resource", map[string]any{"id": id})
	}

	msgs := append([]domain.Message(nil), r.messages...)
	if order == domain.NewestFirst {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// SendDirect delivers a direct message.
func (p *Platform) SendDirect(ctx context.Context, userID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blockedDMs[userID] {
		return apperrors.NewPermissionDenied("user does not accept direct messages", nil)
	}
	p.direct[userID] = append(p.direct[userID], content)
	return nil
}

// HasCapability reports whether userID holds any of caps.
func (p *Platform) HasCapability(ctx context.Context, userID string, caps ...domain.Capability) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.capabilities[userID]
	for _, c := range caps {
		if held[c] {
			return true, nil
		}
	}
	return false, nil
}

// Record stores an audit entry.
func (p *Platform) Record(ctx context.Context, event domain.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audits = append(p.audits, event)
	return nil
}

// StoreTranscript stores an archived transcript.
func (p *Platform) StoreTranscript(ctx context.Context, transcript domain.Transcript) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, transcript)
	return nil
}

// Vanish removes a resource behind the core's back.
func (p *Platform) Vanish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, id)
}

// ResourceIDs returns the ids of live resources in ascending order.
func (p *Platform) ResourceIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members returns the members of a resource in ascending order.
func (p *Platform) Members(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// ACL returns the access spec a resource was created with.
func (p *Platform) ACL(id string) (domain.AccessSpec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[id]
	if !ok {
		return domain.AccessSpec{}, false
	}
	return r.acl, true
}

// Topic returns the metadata set on a resource.
func (p *Platform) Topic(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[id]; ok {
		return r.topic
	}
	return ""
}

// Deleted returns every resource id torn down through Delete, in order.
func (p *Platform) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// Direct returns the direct messages sent to userID.
func (p *Platform) Direct(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.direct[userID]...)
}

// Audits returns every recorded audit entry.
func (p *Platform) Audits() []domain.AuditEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.AuditEvent(nil), p.audits...)
}

// Transcripts returns every stored transcript.
func (p *Platform) Transcripts() []domain.Transcript {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Transcript(nil), p.transcripts...)
}

// Messages returns the history of a resource oldest first.
func (p *Platform) Messages(id string) []domain.Message {
	msgs, _ := p.FetchHistory(context.Background(), id, 0, domain.OldestFirst)
	return msgs
}
