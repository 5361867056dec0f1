package pathfinder

import (
	"context"
	"fmt"
	"sync"
)

const (
	DefaultPageSize = 30

	// LoadOlderThreshold is the distance from the top, in pixels, at which
	// the next older page is requested.
	LoadOlderThreshold = 200.0

	// NearBottomThreshold is how close to the bottom the user must be for
	// appended messages to auto-scroll.
	NearBottomThreshold = 150.0
)

// ============================================================================
// Viewport
// ============================================================================

// ScrollMetrics is a snapshot of the message list's scroll container.
type ScrollMetrics struct {
	Top          float64
	Height       float64
	ClientHeight float64
}

// Viewport is implemented by the UI's scroll container. Metrics must reflect
// the rendered list, so the UI re-renders synchronously in its
// messages.changed handler.
type Viewport interface {
	Metrics() ScrollMetrics
	ScrollTo(top float64)
	ScrollToBottom()
}

// ShouldLoadOlder applies the top threshold, the in-flight guard and hasMore.
func ShouldLoadOlder(m ScrollMetrics, loading, hasMore bool) bool {
	return !loading && hasMore && m.Top <= LoadOlderThreshold
}

// AnchorScrollTop keeps the first visible row in place after rows were
// prepended: top_new = top_old + (height_new - height_old).
func AnchorScrollTop(before, after ScrollMetrics) float64 {
	return before.Top + (after.Height - before.Height)
}

// ShouldAutoScroll decides whether an append at the bottom scrolls to the
// bottom. Prepends never use this path.
func ShouldAutoScroll(m ScrollMetrics, own bool) bool {
	if own {
		return true
	}
	return m.Height-m.Top-m.ClientHeight <= NearBottomThreshold
}

// ============================================================================
// Paginator
// ============================================================================

// Page is the result of a history load.
type Page struct {
	Messages   []*Message
	HasMore    bool
	NextCursor string
	Raw        *MessagesPage
}

// Paginator loads history for the open conversation: one initial page,
// then strictly older pages by cursor. It keeps the in-flight and
// scroll-adjustment guards.
type Paginator struct {
	api      ChatAPI
	pageSize int

	mu             sync.Mutex
	conversationID string
	hasMore        bool
	cursor         string
	loading        bool
	adjusting      bool
}

// NewPaginator creates a paginator. pageSize <= 0 uses DefaultPageSize.
func NewPaginator(api ChatAPI, pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator{api: api, pageSize: pageSize}
}

// LoadInitial fetches the newest page and resets cursor state.
func (p *Paginator) LoadInitial(ctx context.Context, conversationID string) (*Page, error) {
	p.mu.Lock()
	p.conversationID = conversationID
	p.hasMore = false
	p.cursor = ""
	p.loading = true
	p.adjusting = false
	p.mu.Unlock()

	page, err := p.fetch(ctx, conversationID, "")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conversationID == conversationID {
		p.loading = false
		if err == nil {
			p.hasMore = page.HasMore
			p.cursor = page.NextCursor
		}
	}
	return page, err
}

// LoadOlder fetches the page before cursor. An empty cursor falls back to
// the cursor remembered from the previous load.
func (p *Paginator) LoadOlder(ctx context.Context, conversationID, cursor string) (*Page, error) {
	p.mu.Lock()
	if cursor == "" && p.conversationID == conversationID {
		cursor = p.cursor
	}
	p.mu.Unlock()

	page, err := p.fetch(ctx, conversationID, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil && p.conversationID == conversationID {
		p.hasMore = page.HasMore
		if page.NextCursor != "" {
			p.cursor = page.NextCursor
		} else if len(page.Messages) > 0 {
			p.cursor = page.Messages[0].ID
		}
	}
	return page, err
}

// Begin claims the in-flight guard for a backward load. It returns false if
// a load or an anchor adjustment is already running, or nothing is left.
func (p *Paginator) Begin(conversationID string, m ScrollMetrics) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conversationID != conversationID || p.adjusting {
		return false
	}
	if !ShouldLoadOlder(m, p.loading, p.hasMore) {
		return false
	}
	p.loading = true
	p.adjusting = true
	return true
}

// End releases the guards taken by Begin.
func (p *Paginator) End(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conversationID == conversationID {
		p.loading = false
		p.adjusting = false
	}
}

// Cursor returns the cursor for the next older page.
func (p *Paginator) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Paginator) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

func (p *Paginator) fetch(ctx context.Context, conversationID, before string) (*Page, error) {
	raw, err := p.api.GetMessages(ctx, conversationID, MessageQuery{Limit: p.pageSize, Before: before})
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", conversationID, err)
	}
	page := &Page{HasMore: raw.HasMore, NextCursor: raw.NextCursor, Raw: raw}
	for _, m := range raw.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}
