package web

import (
	"sync"
	"time"
)

// RotationSnapshot is one rendered camera rotation.
type RotationSnapshot struct {
	Valid  bool   `json:"valid"`
	Source string `json:"source"`
	State  string `json:"state"`
	// Rotation is x, y, z, w.
	Rotation      [4]float64 `json:"rotation"`
	Forward       [3]float64 `json:"forward"`
	Version       uint64     `json:"version"`
	LastUpdateUTC string     `json:"last_update_utc,omitempty"`
}

// RotationBroadcaster fans rendered rotations out to stream clients. It keeps the most
// recent value so new subscribers get an immediate sample. Slow subscribers miss frames
// rather than block the render loop.
type RotationBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan RotationSnapshot
	nextID   int
	last     RotationSnapshot
	haveLast bool
}

func NewRotationBroadcaster() *RotationBroadcaster {
	return &RotationBroadcaster{
		subs: make(map[int]chan RotationSnapshot),
	}
}

func (b *RotationBroadcaster) Subscribe(buffer int) (int, <-chan RotationSnapshot) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan RotationSnapshot, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *RotationBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *RotationBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish skips the fan-out when the snapshot carries the same version as the last one,
// so an idle render loop does not flood clients.
func (b *RotationBroadcaster) Publish(snap RotationSnapshot) {
	if b == nil {
		return
	}
	if snap.LastUpdateUTC == "" {
		snap.LastUpdateUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.mu.Lock()
	if b.haveLast && b.last.Version == snap.Version && b.last.State == snap.State && b.last.Valid == snap.Valid {
		b.mu.Unlock()
		return
	}
	b.last = snap
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()
}

// Last returns the latest published snapshot.
func (b *RotationBroadcaster) Last() (RotationSnapshot, bool) {
	if b == nil {
		return RotationSnapshot{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}
