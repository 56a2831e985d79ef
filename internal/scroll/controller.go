// Package scroll keeps a message viewport following new content while respecting the user scrolling back.
package scroll

import (
	"slices"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
)

const (
	// ManualScrollDelta is the scroll distance above which a scroll event counts as manual intervention.
	ManualScrollDelta = 5
	// FollowDistance is the distance from the bottom within which streamed content is followed.
	FollowDistance = 20
	// PollInterval is how often Tick should be called while an answer is streaming.
	PollInterval = 100 * time.Millisecond
)

// Viewport is a scrollable container of rendered messages. Units are whatever the container measures in,
// pixels or lines.
type Viewport interface {
	ScrollTop() int
	ScrollHeight() int
	ClientHeight() int
	// ScrollTo moves the viewport to top. Implementations may apply the move immediately or report it later
	// through scroll events.
	ScrollTo(top int, smooth bool)
}

// Controller is the auto-scroll state machine of one viewport. It is either following the bottom of the
// content or locked by the user, and starts following.
//
// Controller is not safe for concurrent use; drive it from the UI event loop.
type Controller struct {
	vp Viewport

	locked       bool
	userScrolled bool

	lastTop      int
	lastHeight   int
	lastCount    int
	lastThinking bool

	// forcing is set while a programmatic scroll towards forceTarget is still being reported.
	forcing     bool
	forceTarget int
}

// NewController creates a following controller for vp.
func NewController(vp Viewport) *Controller {
	return &Controller{
		vp:      vp,
		lastTop: vp.ScrollTop(),
	}
}

// Following reports whether the viewport currently follows new content.
func (c *Controller) Following() bool {
	return !c.locked
}

// ShowIndicator reports whether a "new messages" affordance should be visible.
func (c *Controller) ShowIndicator(streaming bool) bool {
	return streaming && c.locked
}

// OnScroll must be called after every scroll event of the viewport. Any upward move, or a move larger than
// ManualScrollDelta, locks the controller unless it is part of a programmatic scroll in progress.
func (c *Controller) OnScroll() {
	top := c.vp.ScrollTop()
	defer func() { c.lastTop = top }()

	if c.forcing {
		if top >= c.lastTop && top <= c.forceTarget {
			if top == c.forceTarget {
				c.forcing = false
			}
			return
		}
		c.forcing = false
	}

	delta := top - c.lastTop
	if delta < 0 || delta > ManualScrollDelta {
		c.userScrolled = true
		c.locked = true
	}
}

// OnMessages must be called whenever the message list changes. A newly appended message sent by the user
// always resumes following and jumps to the bottom. Changes may be reported coalesced, so every message
// appended since the previous call is considered.
func (c *Controller) OnMessages(msgs []models.Message) {
	from := c.lastCount
	c.lastCount = len(msgs)
	if from >= len(msgs) {
		return
	}
	if !slices.ContainsFunc(msgs[from:], func(m models.Message) bool { return m.Sender == models.SenderUser }) {
		return
	}

	c.locked = false
	c.userScrolled = false
	c.scrollToBottom(true)
}

// OnThinking must be called with the thinking indicator whenever it may have changed. When the assistant
// starts thinking and the controller follows, the viewport scrolls smoothly to the bottom.
func (c *Controller) OnThinking(thinking bool) {
	started := thinking && !c.lastThinking
	c.lastThinking = thinking
	if started && !c.locked {
		c.scrollToBottom(false)
	}
}

// Tick must be called every PollInterval. While streaming and following, it scrolls smoothly to the new
// bottom if the content grew and the viewport is close to the bottom.
func (c *Controller) Tick(streaming bool) {
	if !streaming || c.locked || c.userScrolled {
		return
	}

	height := c.vp.ScrollHeight()
	distance := height - c.vp.ScrollTop() - c.vp.ClientHeight()
	if distance < FollowDistance && height > c.lastHeight {
		c.scrollToBottom(false)
	}
}

// ResetScrollFollow returns to following and jumps to the bottom. It backs the "new messages" affordance.
func (c *Controller) ResetScrollFollow() {
	c.locked = false
	c.userScrolled = false
	c.scrollToBottom(true)
}

func (c *Controller) scrollToBottom(force bool) {
	if !force && c.locked {
		return
	}

	height := c.vp.ScrollHeight()
	c.lastHeight = height
	target := max(height-c.vp.ClientHeight(), 0)

	c.forcing = true
	c.forceTarget = target
	c.vp.ScrollTo(target, !force)

	// Viewports that move synchronously produce no scroll event for the jump.
	if c.vp.ScrollTop() == target {
		c.forcing = false
		c.lastTop = target
	}
}
