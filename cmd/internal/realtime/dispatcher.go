package realtime

import "sync"

// Dispatcher decides where relay work for a conversation runs. Dispatch reports false when
// the work was refused and will not run.
type Dispatcher interface {
	Dispatch(conversationID string, fn func()) bool
}

// Inline runs work on the caller's goroutine. Submissions from one connection are handled
// in order; submissions from different connections to the same room race.
type Inline struct{}

// Dispatch runs fn immediately.
func (Inline) Dispatch(_ string, fn func()) bool {
	fn()
	return true
}

// DefaultSequencerMaxPending caps the work queued behind a running item in one conversation.
const DefaultSequencerMaxPending = 1024


// Sequencer runs work for each conversation on its own lane, one item at a time, in
// dispatch order. Lanes are created on demand and exit when idle, so an unused
// conversation costs nothing. Dispatch never blocks on the work itself.
type Sequencer struct {
	// OnPanic, when set, is told about work that panicked. The lane keeps running either way.
	OnPanic func(conversationID string, v any)
	// MaxPending bounds each conversation's queue; Dispatch refuses work beyond it.
	// Zero or negative means unbounded.
	MaxPending int

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []func()
}

// NewSequencer constructs a Sequencer with DefaultSequencerMaxPending.
func NewSequencer() *Sequencer {
	return &Sequencer{lanes: make(map[string]*lane), MaxPending: DefaultSequencerMaxPending}
}

// Dispatch queues fn behind earlier work for the same conversation. It returns false when
// the conversation already has MaxPending items waiting.
func (s *Sequencer) Dispatch(conversationID string, fn func()) bool {
	s.mu.Lock()
	if l, ok := s.lanes[conversationID]; ok {
		if s.MaxPending > 0 && len(l.queue) >= s.MaxPending {
			s.mu.Unlock()
			return false
		}
		l.queue = append(l.queue, fn)
		s.mu.Unlock()
		return true
	}
	l := &lane{queue: []func(){fn}}
	s.lanes[conversationID] = l
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(conversationID, l)
	return true
}

func (s *Sequencer) run(conversationID string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, conversationID)
			s.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()

		s.call(conversationID, fn)
	}
}

func (s *Sequencer) call(conversationID string, fn func()) {
	defer func() {
		if v := recover(); v != nil && s.OnPanic != nil {
			s.OnPanic(conversationID, v)
		}
	}()
	fn()
}

// Wait blocks until every lane has drained.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// Lanes returns the number of conversations with pending or running work.
func (s *Sequencer) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
