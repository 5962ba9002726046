package client

import "sync"

// ScrollState enumerates the states of a scrollable message view.
type ScrollState int

const (
	// StateInitializing means the view has opened but not settled yet.
	StateInitializing ScrollState = iota
	// StateIdle means confirmed at the very bottom: arrivals are
	// appended directly by the ledger and the machine need not react.
	StateIdle
	// StateBrowsing means the user scrolled away from the bottom.
	StateBrowsing
	// StateHasNewMessages means arrivals are queued behind an
	// indicator instead of reflowing content under the user.
	StateHasNewMessages
	// StateLoadingMore means an older/newer page fetch is in flight.
	StateLoadingMore
	// StateJumpingToLatest means remaining pages are being drained
	// before declaring "caught up" at the bottom.
	StateJumpingToLatest
)

func (s ScrollState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBrowsing:
		return "browsing"
	case StateHasNewMessages:
		return "hasNewMessages"
	case StateLoadingMore:
		return "loadingMore"
	case StateJumpingToLatest:
		return "jumpingToLatest"
	default:
		return "unknown"
	}
}

// ScrollEvent drives a scroll machine.
type ScrollEvent int

const (
	EventScrollToBottom ScrollEvent = iota
	EventScrollAway
	EventNewArrival
	EventLoadMore
	EventLoadComplete
	EventJumpToLatest
	EventRefreshComplete
	EventReset
)

func (e ScrollEvent) String() string {
	switch e {
	case EventScrollToBottom:
		return "SCROLL_TO_BOTTOM"
	case EventScrollAway:
		return "SCROLL_AWAY"
	case EventNewArrival:
		return "NEW_ARRIVAL"
	case EventLoadMore:
		return "LOAD_MORE"
	case EventLoadComplete:
		return "LOAD_COMPLETE"
	case EventJumpToLatest:
		return "JUMP_TO_LATEST"
	case EventRefreshComplete:
		return "REFRESH_COMPLETE"
	case EventReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// ScrollContext is the per-view context carried alongside the state.
type ScrollContext struct {
	NewArrivalCount   int
	HasMorePagesBelow bool
}

// ScrollMachine governs one live message view: whether new arrivals
// auto-append or queue behind a "new messages" indicator. The machine
// lives as long as the view; there is no terminal state. Every
// (state, event) pair yields a defined next state; pairs outside the
// transition table keep the current state.
type ScrollMachine struct {
	mu    sync.Mutex
	state ScrollState
	ctx   ScrollContext
}

// NewScrollMachine creates a machine in the initializing state.
func NewScrollMachine() *ScrollMachine {
	return &ScrollMachine{state: StateInitializing}
}

// Send applies an event and returns the resulting state.
func (m *ScrollMachine) Send(event ScrollEvent) ScrollState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventReset {
		m.state = StateInitializing
		m.ctx = ScrollContext{}
		return m.state
	}

	switch m.state {
	case StateInitializing:
		switch event {
		case EventScrollToBottom:
			m.state = StateIdle
		case EventScrollAway:
			m.state = StateBrowsing
		case EventNewArrival:
			m.ctx.NewArrivalCount++
			m.state = StateHasNewMessages
		case EventLoadMore:
			m.state = StateLoadingMore
		}

	case StateIdle:
		switch event {
		case EventScrollToBottom:
			// stay idle
		case EventScrollAway:
			m.state = StateBrowsing
		case EventNewArrival:
			// no-op: the caller auto-appends at the bottom
		case EventLoadMore:
			m.state = StateLoadingMore
		}

	case StateBrowsing:
		switch event {
		case EventScrollToBottom:
			if !m.ctx.HasMorePagesBelow {
				if m.ctx.NewArrivalCount == 0 {
					m.state = StateIdle
				} else {
					m.state = StateJumpingToLatest
				}
			}
			// more pages below: stay browsing, the caller issues LOAD_MORE
		case EventScrollAway:
			// stay browsing
		case EventNewArrival:
			m.ctx.NewArrivalCount++
			m.state = StateHasNewMessages
		case EventLoadMore:
			m.state = StateLoadingMore
		}

	case StateHasNewMessages:
		switch event {
		case EventScrollToBottom:
			if !m.ctx.HasMorePagesBelow {
				m.state = StateJumpingToLatest
			}
		case EventScrollAway:
			// stay
		case EventNewArrival:
			m.ctx.NewArrivalCount++
		case EventLoadMore:
			m.state = StateLoadingMore
		case EventJumpToLatest:
			m.state = StateJumpingToLatest
		}

	case StateLoadingMore:
		switch event {
		case EventNewArrival:
			m.ctx.NewArrivalCount++
		case EventLoadComplete:
			if m.ctx.NewArrivalCount > 0 {
				m.state = StateHasNewMessages
			} else {
				m.state = StateBrowsing
			}
		}

	case StateJumpingToLatest:
		switch event {
		case EventNewArrival:
			// folded into the refresh that is draining pages
		case EventRefreshComplete:
			m.ctx.NewArrivalCount = 0
			m.state = StateIdle
		}
	}

	return m.state
}

// State returns the current state.
func (m *ScrollMachine) State() ScrollState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current context.
func (m *ScrollMachine) Context() ScrollContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// SetHasMorePagesBelow updates the pagination flag after a page fetch.
func (m *ScrollMachine) SetHasMorePagesBelow(more bool) {
	m.mu.Lock()
	m.ctx.HasMorePagesBelow = more
	m.mu.Unlock()
}

// ShouldShowIndicator reports whether the view should display the
// "new messages" badge.
func (m *ScrollMachine) ShouldShowIndicator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateHasNewMessages && m.ctx.NewArrivalCount > 0
}

// AtBottom reports whether the view is confirmed at the very bottom.
func (m *ScrollMachine) AtBottom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle
}
