package store

import (
	"log/slog"
	"sync"
	"time"
)

// Save delay tiers. Short is used after user-visible mutations, long for
// background bookkeeping like last-seen updates.
const (
	SaveDelayShort = 3 * time.Second
	SaveDelayLong  = 30 * time.Second
)

// FlushFunc writes all dirty records of one kind to the store.
type FlushFunc func() error

// Saver coalesces save requests per record kind. Repeated QueueSave calls
// within the delay window collapse into a single flush; a request with a
// shorter delay moves an already scheduled flush forward, never back.
type Saver struct {
	logger *slog.Logger

	mu      sync.Mutex
	flush   map[Kind]FlushFunc
	due     map[Kind]time.Time
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSaver creates a saver. Register flush funcs before Start.
func NewSaver(logger *slog.Logger) *Saver {
	return &Saver{
		logger: logger.With("component", "saver"),
		flush:  make(map[Kind]FlushFunc),
		due:    make(map[Kind]time.Time),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Register sets the flush func for a kind.
func (s *Saver) Register(kind Kind, fn FlushFunc) {
	s.mu.Lock()
	s.flush[kind] = fn
	s.mu.Unlock()
}

// QueueSave schedules a flush of the kind after the delay.
func (s *Saver) QueueSave(kind Kind, delay time.Duration) {
	due := time.Now().Add(delay)
	s.mu.Lock()
	if prev, ok := s.due[kind]; !ok || due.Before(prev) {
		s.due[kind] = due
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until Stop is called.
func (s *Saver) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop flushes everything still pending and stops the loop.
func (s *Saver) Stop() {
	s.stopped.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.flushDue(true)
	})
}

func (s *Saver) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.nextDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
			s.flushDue(false)
		}
	}
}

func (s *Saver) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range s.due {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}

func (s *Saver) flushDue(all bool) {
	now := time.Now()

	s.mu.Lock()
	var kinds []Kind
	for kind, t := range s.due {
		if all || !t.After(now) {
			kinds = append(kinds, kind)
			delete(s.due, kind)
		}
	}
	fns := make(map[Kind]FlushFunc, len(kinds))
	for _, kind := range kinds {
		fns[kind] = s.flush[kind]
	}
	s.mu.Unlock()

	for kind, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			s.logger.Error("flush", "kind", kind, "err", err)
		}
	}
}
