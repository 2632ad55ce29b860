package telemetry

import "sync"

// Listeners is a set of callbacks keyed by registration. Every Add hands back its own
// remove func; calling it more than once is harmless.
type Listeners[T any] struct {
	mu     sync.RWMutex
	fns    map[int]func(T)
	nextID int
}

func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Emit calls every registered listener with v. Listeners run outside the lock so they
// may add or remove registrations.
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
