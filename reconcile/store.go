package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/kv"
)

// KV store names.
const (
	ConversationsStore = "conversations"
	ProjectsStore      = "projects"
)

// EventKind names a store change.
type EventKind string

const (
	ConversationUpserted EventKind = "conversation.upserted"
	ConversationDeleted  EventKind = "conversation.deleted"
	ProjectUpserted      EventKind = "project.upserted"
	ProjectDeleted       EventKind = "project.deleted"
)

// Event is sent to subscribers once per changed record.
type Event struct {
	Kind EventKind
	ID   string
}

// Snapshot is a batch of records from the sync service.
type Snapshot struct {
	Conversations        []core.Conversation `json:"conversations,omitempty"`
	Projects             []core.Project      `json:"projects,omitempty"`
	DeletedConversations []string            `json:"deletedConversations,omitempty"`
	DeletedProjects      []string            `json:"deletedProjects,omitempty"`
}

// Summary counts what a snapshot changed.
type Summary struct {
	Applied int
	Skipped int
	Deleted int
}

// Store holds conversations and projects in memory and persists them to a
// KV store in the background. Reads never wait for persistence; the
// in-memory state is authoritative until the next Load.
type Store struct {
	kv       kv.Store
	resolver *Resolver
	logger   *zap.Logger

	mu            sync.RWMutex
	conversations map[string]core.Conversation
	projects      map[string]core.Project

	subMu       sync.RWMutex
	subscribers []func(Event)

	// persistMu orders background writes. Each write stores the record's
	// state at the time it runs, so the last one always wins.
	persistMu sync.Mutex
	pending   sync.WaitGroup
}

// NewStore creates an empty store. Call Load to read persisted records.
func NewStore(store kv.Store, opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		kv:            store,
		resolver:      NewResolver(opts...),
		logger:        o.logger.Named("reconcile.store"),
		conversations: make(map[string]core.Conversation),
		projects:      make(map[string]core.Project),
	}
}

// Load replaces the in-memory state with the persisted records.
func (s *Store) Load(ctx context.Context) error {
	convs, err := kv.GetAllJSON[core.Conversation](ctx, s.kv, ConversationsStore)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	projects, err := kv.GetAllJSON[core.Project](ctx, s.kv, ProjectsStore)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]core.Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	s.projects = make(map[string]core.Project, len(projects))
	for _, p := range projects {
		s.projects[p.ID] = p
	}
	return nil
}

// Subscribe registers fn for change events. fn runs on the writing
// goroutine and must not block.
func (s *Store) Subscribe(fn func(Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Conversation returns a conversation by id.
func (s *Store) Conversation(id string) (core.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Conversations returns all conversations, most recently updated first.
func (s *Store) Conversations() []core.Conversation {
	s.mu.RLock()
	out := make([]core.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Project returns a project by id.
func (s *Store) Project(id string) (core.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

// Projects returns all projects ordered by name.
func (s *Store) Projects() []core.Project {
	s.mu.RLock()
	out := make([]core.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PutConversation stores a locally written conversation as is.
func (s *Store) PutConversation(ctx context.Context, c core.Conversation) {
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()

	s.persistConversation(ctx, c.ID)
	s.emit(Event{Kind: ConversationUpserted, ID: c.ID})
}

// PutProject stores a locally written project as is.
func (s *Store) PutProject(ctx context.Context, p core.Project) {
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()

	s.persistProject(ctx, p.ID)
	s.emit(Event{Kind: ProjectUpserted, ID: p.ID})
}

// DeleteConversation removes a conversation. Missing ids are ignored.
func (s *Store) DeleteConversation(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.persistConversation(ctx, id)
	s.emit(Event{Kind: ConversationDeleted, ID: id})
	return true
}

// DeleteProject removes a project. Missing ids are ignored.
func (s *Store) DeleteProject(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.projects[id]
	delete(s.projects, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.persistProject(ctx, id)
	s.emit(Event{Kind: ProjectDeleted, ID: id})
	return true
}

// MergeConversation applies one incoming conversation through the resolver.
func (s *Store) MergeConversation(ctx context.Context, incoming core.Conversation) Decision {
	s.mu.Lock()
	var local *core.Conversation
	if c, ok := s.conversations[incoming.ID]; ok {
		local = &c
	}
	merged, d := s.resolver.Conversation(local, incoming)
	if d.Applied() {
		s.conversations[merged.ID] = merged
	}
	s.mu.Unlock()

	if d.Applied() {
		s.persistConversation(ctx, merged.ID)
		s.emit(Event{Kind: ConversationUpserted, ID: merged.ID})
	}
	return d
}

// MergeProject applies one incoming project through the resolver.
func (s *Store) MergeProject(ctx context.Context, incoming core.Project) Decision {
	s.mu.Lock()
	var local *core.Project
	if p, ok := s.projects[incoming.ID]; ok {
		local = &p
	}
	merged, d := s.resolver.Project(local, incoming)
	if d.Applied() {
		s.projects[merged.ID] = merged
	}
	s.mu.Unlock()

	if d.Applied() {
		s.persistProject(ctx, merged.ID)
		s.emit(Event{Kind: ProjectUpserted, ID: merged.ID})
	}
	return d
}

// ApplySnapshot merges every record of snap. Projects go first so that
// conversations never reference a project the store has not seen.
func (s *Store) ApplySnapshot(ctx context.Context, snap Snapshot) Summary {
	var sum Summary
	count := func(d Decision) {
		if d.Applied() {
			sum.Applied++
		} else {
			sum.Skipped++
		}
	}
	for _, p := range snap.Projects {
		count(s.MergeProject(ctx, p))
	}
	for _, c := range snap.Conversations {
		count(s.MergeConversation(ctx, c))
	}
	for _, id := range snap.DeletedConversations {
		if s.DeleteConversation(ctx, id) {
			sum.Deleted++
		}
	}
	for _, id := range snap.DeletedProjects {
		if s.DeleteProject(ctx, id) {
			sum.Deleted++
		}
	}

	s.logger.Debug("Applied snapshot",
		zap.Int("applied", sum.Applied),
		zap.Int("skipped", sum.Skipped),
		zap.Int("deleted", sum.Deleted),
	)
	return sum
}

// Wait blocks until background persistence has finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

func (s *Store) persistConversation(ctx context.Context, id string) {
	s.persist(ctx, ConversationsStore, id, func() (any, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		c, ok := s.conversations[id]
		return c, ok
	})
}

func (s *Store) persistProject(ctx context.Context, id string) {
	s.persist(ctx, ProjectsStore, id, func() (any, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		p, ok := s.projects[id]
		return p, ok
	})
}

// persist writes the current value of id in the background, or deletes it
// when current reports it gone. Failures are logged.
func (s *Store) persist(ctx context.Context, store, id string, current func() (any, bool)) {
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		var err error
		if v, ok := current(); ok {
			err = kv.PutJSON(ctx, s.kv, store, id, v)
		} else {
			err = s.kv.Delete(ctx, store, id)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Failed to persist record",
				zap.String("store", store),
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}()
}

func (s *Store) emit(e Event) {
	s.subMu.RLock()
	subs := make([]func(Event), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
