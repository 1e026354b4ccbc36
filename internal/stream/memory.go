package stream

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same observable semantics as
// the Redis implementation. Tests and single-process tooling run on it.
type MemoryStore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string][]Message
	seq     map[string]int64
	groups  map[string]*memGroup
	keys    map[string]memKey
	delayed map[string][]memDelayed
}

type memGroup struct {
	cursor  int
	pending map[string]string // msgID → consumer
}

type memKey struct {
	value   string
	expires time.Time
}

type memDelayed struct {
	payload []byte
	at      time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		streams: make(map[string][]Message),
		seq:     make(map[string]int64),
		groups:  make(map[string]*memGroup),
		keys:    make(map[string]memKey),
		delayed: make(map[string][]memDelayed),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func groupKey(stream, group string) string { return stream + "\x00" + group }

// Publish implements Store.
func (s *MemoryStore) Publish(ctx context.Context, stream string, payload []byte, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[stream]++
	id := fmt.Sprintf("%d-0", s.seq[stream])
	s.streams[stream] = append(s.streams[stream], Message{ID: id, Payload: payload})

	if maxLen > 0 && int64(len(s.streams[stream])) > maxLen {
		drop := int64(len(s.streams[stream])) - maxLen
		s.streams[stream] = s.streams[stream][drop:]
		for _, g := range s.groupsFor(stream) {
			g.cursor -= int(drop)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}

	s.cond.Broadcast()
	return id, nil
}

func (s *MemoryStore) groupsFor(stream string) []*memGroup {
	var out []*memGroup
	prefix := stream + "\x00"
	for k, g := range s.groups {
		if strings.HasPrefix(k, prefix) {
			out = append(out, g)
		}
	}
	return out
}

// CreateGroup implements Store.
func (s *MemoryStore) CreateGroup(ctx context.Context, stream, group, start string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(stream, group)
	if _, ok := s.groups[key]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]string)}
	if start == GroupStartNew {
		g.cursor = len(s.streams[stream])
	}
	s.groups[key] = g
	return nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	timer := time.AfterFunc(block, func() { s.cond.Broadcast() })
	defer timer.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		g, ok := s.groups[groupKey(stream, group)]
		if !ok {
			return nil, fmt.Errorf("no such group %s on %s", group, stream)
		}

		entries := s.streams[stream]
		if g.cursor < len(entries) {
			end := len(entries)
			if count > 0 && g.cursor+int(count) < end {
				end = g.cursor + int(count)
			}
			claimed := make([]Message, end-g.cursor)
			copy(claimed, entries[g.cursor:end])
			for _, m := range claimed {
				g.pending[m.ID] = consumer
			}
			g.cursor = end
			return claimed, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, nil
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		s.cond.Wait()
	}
}

// Ack implements Store.
func (s *MemoryStore) Ack(ctx context.Context, stream, group, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupKey(stream, group)]; ok {
		delete(g.pending, msgID)
	}
	return nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(ctx context.Context, stream, group string) (PendingStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := PendingStats{Consumers: make(map[string]int64)}
	g, ok := s.groups[groupKey(stream, group)]
	if !ok {
		return stats, nil
	}
	ids := make([]string, 0, len(g.pending))
	for id, consumer := range g.pending {
		ids = append(ids, id)
		stats.Consumers[consumer]++
	}
	stats.Count = int64(len(ids))
	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
		stats.MinID = ids[0]
		stats.MaxID = ids[len(ids)-1]
	}
	return stats, nil
}

func idSeq(id string) int64 {
	n, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return n
}

func idLess(a, b string) bool { return idSeq(a) < idSeq(b) }

// ReadRange implements Store.
func (s *MemoryStore) ReadRange(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lo, hi int64 = 0, 1<<62 - 1
	if start != "" && start != "-" {
		lo = idSeq(start)
	}
	if end != "" && end != "+" {
		hi = idSeq(end)
	}

	var out []Message
	for _, m := range s.streams[stream] {
		seq := idSeq(m.ID)
		if seq < lo || seq > hi {
			continue
		}
		out = append(out, m)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// LockAcquire implements Store.
func (s *MemoryStore) LockAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[key]; ok && time.Now().Before(k.expires) {
		return false, nil
	}
	s.keys[key] = memKey{value: "1", expires: time.Now().Add(ttl)}
	return true, nil
}

// Heartbeat implements Store.
func (s *MemoryStore) Heartbeat(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = memKey{
		value:   time.Now().UTC().Format(time.RFC3339),
		expires: time.Now().Add(ttl),
	}
	return nil
}

// LiveKeys implements Store.
func (s *MemoryStore) LiveKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []string
	for k, v := range s.keys {
		if !now.Before(v.expires) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DelayAdd implements Store.
func (s *MemoryStore) DelayAdd(ctx context.Context, set string, payload []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[set] = append(s.delayed[set], memDelayed{payload: payload, at: at})
	return nil
}

// DrainDelayed implements Store.
func (s *MemoryStore) DrainDelayed(ctx context.Context, set, stream string, maxLen int64) (int, error) {
	s.mu.Lock()
	now := time.Now()
	var due [][]byte
	var remaining []memDelayed
	for _, d := range s.delayed[set] {
		if !d.at.After(now) {
			due = append(due, d.payload)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.delayed[set] = remaining
	s.mu.Unlock()

	for i, payload := range due {
		if _, err := s.Publish(ctx, stream, payload, maxLen); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// Len reports the number of entries currently retained on stream.
func (s *MemoryStore) Len(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}
