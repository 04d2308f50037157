package locks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/utils"
)

// Registry of master locks.
//
// Lock state lives in memory only. A master restart drops all holders,
// and locks are not shared between masters.
type Registry struct {
	mu        sync.RWMutex
	locks     map[string]*lock
	onRelease []func(id string)

	// Taken after lock mutexes, never before.
	ticketMu   sync.Mutex
	nextTicket uint64
	tickets    map[string]uint64
}

// Snapshot of a lock for reporting.
type Status struct {
	Name     string
	Mode     Mode
	Capacity int
	Holders  []string
	Waiters  []string
}

func NewRegistry() *Registry {
	return &Registry{
		locks:   map[string]*lock{},
		tickets: map[string]uint64{},
	}
}

// Defines a lock, or updates the definition of an existing one.
// Current holders keep their grant even if the capacity shrinks.
func (r *Registry) Define(def Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrConfig, err)
	}
	if def.Mode == "" {
		def.Mode = Exclusive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[def.Name]; ok {
		l.Lock()
		l.def = def
		l.inactive = false
		l.Unlock()
		return nil
	}

	r.locks[def.Name] = newLock(def)
	log.Debugf("new - lock - id: %s, mode: %s, capacity: %d", def.Name, def.Mode, def.Capacity())
	return nil
}

// Replaces the set of defined locks. Locks missing from defs can no
// longer be acquired; they disappear once their last holder releases them.
func (r *Registry) Configure(defs []Definition) error {
	for i := range defs {
		if err := r.Define(defs[i]); err != nil {
			return err
		}
	}

	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, l := range r.locks {
		if names[name] {
			continue
		}
		l.Lock()
		if len(l.holders) == 0 {
			delete(r.locks, name)
		} else {
			l.inactive = true
		}
		l.Unlock()
	}

	return nil
}

// Registers a function called after a lock was released.
func (r *Registry) OnRelease(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRelease = append(r.onRelease, fn)
}

func (r *Registry) get(id string) (*lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.locks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnknownLock, id)
	}
	return l, nil
}

// Acquires a single lock for holder, or queues holder behind earlier waiters.
func (r *Registry) Acquire(id, holder string) (Grant, error) {
	l, err := r.get(id)
	if err != nil {
		return Queued, err
	}

	l.Lock()
	defer l.Unlock()

	if l.inactive {
		return Queued, fmt.Errorf("%w: %s", utils.ErrUnknownLock, id)
	}

	if l.available(holder) {
		l.grant(holder)
		log.Tracef("acq - lock - id: %s, holder: %s", id, holder)
		return Granted, nil
	}

	l.enqueue(holder, r.ticket(holder))
	return Queued, nil
}

// Acquires all locks for holder, or none of them.
//
// Lock mutexes are taken in name order, so concurrent attempts cannot
// deadlock. If any lock is unavailable, nothing is granted and holder is
// queued on every requested lock. Waiters are ordered by ticket on all
// locks, so the oldest waiter heads the queue of each lock it needs.
func (r *Registry) AcquireAll(holder string, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	names := append([]string(nil), ids...)
	sort.Strings(names)

	// Resolve everything before taking any lock mutex; the registry
	// mutex is always taken before a lock mutex, never after.
	locks := make([]*lock, 0, len(names))
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}

		l, err := r.get(name)
		if err != nil {
			return false, err
		}
		locks = append(locks, l)
	}

	held := make([]*lock, 0, len(locks))
	defer func() {
		for _, l := range held {
			l.Unlock()
		}
	}()

	for _, l := range locks {
		l.Lock()
		held = append(held, l)

		if l.inactive {
			return false, fmt.Errorf("%w: %s", utils.ErrUnknownLock, l.def.Name)
		}
	}

	blocked := false
	for _, l := range held {
		if !l.available(holder) {
			blocked = true
			break
		}
	}

	if blocked {
		ticket := r.ticket(holder)
		for _, l := range held {
			l.enqueue(holder, ticket)
		}
		return false, nil
	}

	for _, l := range held {
		l.grant(holder)
		log.Tracef("acq - lock - id: %s, holder: %s", l.def.Name, holder)
	}
	r.dropTicket(holder)

	return true, nil
}

// Releases a lock held by holder.
// Releasing a lock that is not held is logged and otherwise ignored.
func (r *Registry) Release(id, holder string) {
	l, err := r.get(id)
	if err != nil {
		log.Warnf("rel - lock - anomaly, unknown lock - id: %s, holder: %s", id, holder)
		return
	}

	l.Lock()
	released := l.release(holder)
	l.Unlock()

	if !released {
		log.Warnf("rel - lock - anomaly, not held - id: %s, holder: %s", id, holder)
		return
	}

	log.Tracef("rel - lock - id: %s, holder: %s", id, holder)
	r.released(id)
}

// Releases every lock held by holder and removes it from all wait queues.
// Returns the names of the released locks.
func (r *Registry) ReleaseAll(holder string) []string {
	released := []string{}

	for _, l := range r.all() {
		l.Lock()
		l.dequeue(holder)
		if l.release(holder) {
			released = append(released, l.def.Name)
		}
		l.Unlock()
	}

	r.dropTicket(holder)

	for _, id := range released {
		log.Tracef("rel - lock - id: %s, holder: %s", id, holder)
		r.released(id)
	}

	return released
}

// Removes holder from all wait queues without touching grants.
func (r *Registry) Forget(holder string) {
	for _, l := range r.all() {
		l.Lock()
		l.dequeue(holder)
		l.Unlock()
	}
	r.dropTicket(holder)
}

// Drops every queued waiter for which keep returns false.
func (r *Registry) RetainWaiters(keep func(holder string) bool) {
	dropped := map[string]bool{}

	for _, l := range r.all() {
		l.Lock()
		waiters := l.waiters[:0]
		for _, w := range l.waiters {
			if keep(w.holder) {
				waiters = append(waiters, w)
			} else {
				dropped[w.holder] = true
			}
		}
		l.waiters = waiters
		l.Unlock()
	}

	for holder := range dropped {
		r.dropTicket(holder)
	}
}

// Returns the holders of a lock.
func (r *Registry) Holders(id string) []string {
	l, err := r.get(id)
	if err != nil {
		return nil
	}

	l.Lock()
	defer l.Unlock()

	holders := make([]string, 0, len(l.holders))
	for h := range l.holders {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return holders
}

// Returns the state of all locks, ordered by name.
func (r *Registry) Snapshot() []Status {
	locks := r.all()
	status := make([]Status, 0, len(locks))

	for _, l := range locks {
		l.Lock()
		s := Status{
			Name:     l.def.Name,
			Mode:     l.def.Mode,
			Capacity: l.def.Capacity(),
			Waiters:  l.waiterNames(),
		}
		for h := range l.holders {
			s.Holders = append(s.Holders, h)
		}
		l.Unlock()

		sort.Strings(s.Holders)
		status = append(status, s)
	}

	sort.Slice(status, func(i, j int) bool {
		return status[i].Name < status[j].Name
	})
	return status
}

// Returns the ticket of holder, handing out a new one on first use.
func (r *Registry) ticket(holder string) uint64 {
	r.ticketMu.Lock()
	defer r.ticketMu.Unlock()

	t, ok := r.tickets[holder]
	if !ok {
		r.nextTicket++
		t = r.nextTicket
		r.tickets[holder] = t
	}
	return t
}

func (r *Registry) dropTicket(holder string) {
	r.ticketMu.Lock()
	delete(r.tickets, holder)
	r.ticketMu.Unlock()
}

func (r *Registry) all() []*lock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	locks := make([]*lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	return locks
}

func (r *Registry) released(id string) {
	r.mu.Lock()
	if l, ok := r.locks[id]; ok {
		l.Lock()
		if l.inactive && len(l.holders) == 0 {
			delete(r.locks, id)
		}
		l.Unlock()
	}
	callbacks := append([]func(string){}, r.onRelease...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(id)
	}
}
