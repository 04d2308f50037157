package locks

import (
	"fmt"
	"sort"
	"sync"
)

// Access mode of a lock.
type Mode string

const (
	// At most one holder.
	Exclusive Mode = "exclusive"
	// At most MaxCount holders.
	Counting Mode = "counting"
)

// Outcome of an acquisition attempt.
type Grant int

const (
	Granted Grant = iota
	Queued
)

func (g Grant) String() string {
	if g == Granted {
		return "granted"
	}
	return "queued"
}

// Static definition of a lock.
type Definition struct {
	Name     string `mapstructure:"name"`
	Mode     Mode   `mapstructure:"mode"`
	MaxCount int    `mapstructure:"max_count"`
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("lock has no name")
	}

	switch d.Mode {
	case Exclusive, "":
	case Counting:
		if d.MaxCount < 1 {
			return fmt.Errorf("lock %s: counting lock requires max_count >= 1", d.Name)
		}
	default:
		return fmt.Errorf("lock %s: unknown mode %q", d.Name, d.Mode)
	}

	return nil
}

// Capacity of the lock.
func (d *Definition) Capacity() int {
	if d.Mode == Counting {
		return d.MaxCount
	}
	return 1
}

// Queued holder. Tickets are handed out by the registry, once per holder,
// so waiters are in the same relative order on every lock.
type waiter struct {
	holder string
	ticket uint64
}

// State of one lock. Guarded by its own mutex.
type lock struct {
	sync.Mutex

	def      Definition
	holders  map[string]struct{}
	waiters  []waiter
	inactive bool
}

func newLock(def Definition) *lock {
	return &lock{
		def:     def,
		holders: map[string]struct{}{},
	}
}

func (l *lock) free() int {
	return l.def.Capacity() - len(l.holders)
}

func (l *lock) waiterIndex(holder string) int {
	for i, w := range l.waiters {
		if w.holder == holder {
			return i
		}
	}
	return -1
}

// Returns true if holder may take the lock now.
// Queued waiters are served first: only the first free() waiters
// are allowed through, anyone else must wait behind them.
func (l *lock) available(holder string) bool {
	if _, ok := l.holders[holder]; ok {
		return true
	}

	free := l.free()
	if free <= 0 {
		return false
	}

	if len(l.waiters) == 0 {
		return true
	}

	i := l.waiterIndex(holder)
	return i >= 0 && i < free
}

func (l *lock) grant(holder string) {
	l.holders[holder] = struct{}{}
	l.dequeue(holder)
}

// Queues holder in ticket order. Holders already queued or granted
// keep their place.
func (l *lock) enqueue(holder string, ticket uint64) {
	if _, ok := l.holders[holder]; ok {
		return
	}
	if l.waiterIndex(holder) >= 0 {
		return
	}

	i := sort.Search(len(l.waiters), func(i int) bool {
		return l.waiters[i].ticket > ticket
	})
	l.waiters = append(l.waiters, waiter{})
	copy(l.waiters[i+1:], l.waiters[i:])
	l.waiters[i] = waiter{holder: holder, ticket: ticket}
}

func (l *lock) waiterNames() []string {
	names := make([]string, 0, len(l.waiters))
	for _, w := range l.waiters {
		names = append(names, w.holder)
	}
	return names
}

func (l *lock) dequeue(holder string) bool {
	if i := l.waiterIndex(holder); i >= 0 {
		l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
		return true
	}
	return false
}

func (l *lock) release(holder string) bool {
	if _, ok := l.holders[holder]; !ok {
		return false
	}
	delete(l.holders, holder)
	return true
}
