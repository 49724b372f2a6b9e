// Package reminder fires local check-in reminders at a fixed time of day,
// indefinitely, without any server involvement.
package reminder

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Message is the default reminder text.
const Message = "Time for your daily wellness check-in!"

// ErrInvalidTime is returned for reminder times not in HH:MM form.
var ErrInvalidTime = errors.New("invalid reminder time")

// TimeOfDay is a wall-clock time in the local zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTime parses an "HH:MM" string.
func ParseTime(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// Next returns the first occurrence of t strictly after now.
func Next(now time.Time, t TimeOfDay) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextDelay returns how long to wait from now until the next occurrence of t.
func NextDelay(now time.Time, t TimeOfDay) time.Duration {
	return Next(now, t).Sub(now)
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so chains can be driven without real waits.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Reminder describes one firing of a chain.
type Reminder struct {
	ID    string
	Time  TimeOfDay
	Fired time.Time
	Count int // firings so far in this chain, starting at 1
}

// chain is one self-rearming reminder. Drift from late timers is not
// compensated; each re-arm targets the next occurrence after firing.
type chain struct {
	id      string
	at      TimeOfDay
	fire    func(Reminder)
	clock   Clock
	mu      sync.Mutex
	timer   Timer
	count   int
	stopped bool
}

func (c *chain) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.timer = c.clock.AfterFunc(NextDelay(c.clock.Now(), c.at), c.run)
}

func (c *chain) run() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.count++
	r := Reminder{ID: c.id, Time: c.at, Fired: c.clock.Now(), Count: c.count}
	c.mu.Unlock()

	c.fire(r)
	c.arm()
}

func (c *chain) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Scheduler owns a set of independent reminder chains keyed by id.
type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	chains map[string]*chain
}

// NewScheduler creates a scheduler. A nil clock uses the system clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock, chains: map[string]*chain{}}
}

// Schedule arms a chain that calls fire at t every day. Scheduling an id
// that is already armed replaces it.
func (s *Scheduler) Schedule(id string, t TimeOfDay, fire func(Reminder)) {
	c := &chain{id: id, at: t, fire: fire, clock: s.clock}

	s.mu.Lock()
	if old, ok := s.chains[id]; ok {
		old.stop()
	}
	s.chains[id] = c
	s.mu.Unlock()

	c.arm()
}

// NextFire reports when the chain id will next fire.
func (s *Scheduler) NextFire(id string) (time.Time, bool) {
	s.mu.Lock()
	c, ok := s.chains[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return Next(s.clock.Now(), c.at), true
}

// Stop disarms the chain id. It reports whether the chain existed.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	c, ok := s.chains[id]
	delete(s.chains, id)
	s.mu.Unlock()
	if ok {
		c.stop()
	}
	return ok
}

// StopAll disarms every chain.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	chains := s.chains
	s.chains = map[string]*chain{}
	s.mu.Unlock()
	for _, c := range chains {
		c.stop()
	}
}

// LogNotifier presents reminders as log lines.
func LogNotifier(logger *log.Logger) func(Reminder) {
	return func(r Reminder) {
		logger.Printf("%s (%s reminder)", Message, r.Time)
	}
}
