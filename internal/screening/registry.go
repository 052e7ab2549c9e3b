package screening

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const registryShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry tracks live sessions. Sessions in different shards never contend.
type Registry struct {
	deps   Deps
	opts   Options
	shards [registryShards]*shard
}

func NewRegistry(deps Deps, opts Options) *Registry {
	r := &Registry{deps: deps, opts: opts}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: map[string]*Session{}}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%registryShards]
}

// Open creates, registers and starts a session for a new transport.
// The session removes itself from the registry once it has ended.
func (r *Registry) Open(ctx context.Context, transport Transport) *Session {
	return r.OpenWithOptions(ctx, transport, r.opts)
}

func (r *Registry) OpenWithOptions(ctx context.Context, transport Transport, opts Options) *Session {
	id := uuid.NewString()
	s := newSession(ctx, id, transport, r.deps, opts, func(s *Session) { r.remove(s.ID()) })

	sh := r.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = s
	sh.mu.Unlock()

	s.start()
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

func (r *Registry) remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (r *Registry) all() []*Session {
	var out []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// List returns snapshots of live sessions, optionally filtered by owner, oldest first.
func (r *Registry) List(ownerID string) []Snapshot {
	out := make([]Snapshot, 0)
	for _, s := range r.all() {
		snap := s.Snapshot()
		if ownerID != "" && snap.OwnerID != ownerID {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown ends every live session and waits for cleanup or ctx expiry.
func (r *Registry) Shutdown(ctx context.Context) error {
	sessions := r.all()
	for _, s := range sessions {
		s.requestEnd("shutdown")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
