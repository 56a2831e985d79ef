// Package chat implements the conversation core of the widget: the state store, the session manager, the
// send orchestrator, and the dispatcher that applies stream events to the state.
package chat

import (
	"sync"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
)

// State is a snapshot of one chat widget. Snapshots returned by Store must be treated as read-only.
type State struct {
	Messages []models.Message
	Input    string

	// Thinking is true from the moment a question is sent until the first text or function call of the
	// answer arrives.
	Thinking bool
	// Streaming is true while text of the answer is arriving.
	Streaming bool

	SessionID string

	// ToolAction is the tool invocation most recently handed to the client, nil if none.
	ToolAction *models.ToolAction
}

// PendingToolAction returns the tool action whose function call still waits for a tool response, nil if
// there is none. The tool action stays in the state after its outputs arrive, so it is only pending while
// its call is.
func (s State) PendingToolAction() *models.ToolAction {
	ta := s.ToolAction
	if ta == nil {
		return nil
	}
	for _, msg := range s.Messages {
		for _, fc := range msg.FunctionCalls {
			if fc.CallID == ta.ID && fc.Status == models.FunctionCallPending {
				return ta
			}
		}
	}
	return nil
}

// Reducer derives the next state from the current one. Reducers must not modify the slices or pointers
// reachable from their argument.
type Reducer func(State) State

// Store owns the state of one chat widget. Every mutation replaces the state with the result of a
// Reducer, so independent widgets can hold independent stores.
type Store struct {
	mu    sync.Mutex
	state State
	epoch uint64
	subs  map[chan struct{}]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		subs: make(map[chan struct{}]struct{}),
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Epoch returns the reset generation of the store. It increases every time Reset is called.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epoch
}

// Update applies r to the current state.
func (s *Store) Update(r Reducer) {
	s.mu.Lock()
	s.state = r(s.state)
	s.mu.Unlock()

	s.notify()
}

// UpdateAt applies r only if the store has not been reset since epoch was observed. It reports whether
// the reducer was applied.
func (s *Store) UpdateAt(epoch uint64, r Reducer) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.state = r(s.state)
	s.mu.Unlock()

	s.notify()
	return true
}

// Reset clears the whole state and starts a new epoch, so updates still in flight for the previous epoch
// are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	s.state = State{}
	s.epoch++
	s.mu.Unlock()

	s.notify()
}

// Subscribe returns a channel that receives a value after state changes, and a function to stop the
// subscription. Notifications are coalesced: a slow reader sees one pending notification for any number
// of changes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
