package memory

import (
	"errors"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/model"
)

var (
	ErrNameTaken       = errors.New("username is taken")
	ErrInvalidName     = errors.New("username is invalid")
	ErrAlreadyBound    = errors.New("session already has a username")
	ErrSessionNotFound = errors.New("session is not found")

	validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,16}$`)
)

// MemStore holds viewer sessions and the display name namespace.
type MemStore struct {
	mx       *sync.Mutex
	sessions map[string]*model.Session
	names    map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		sessions: make(map[string]*model.Session),
		names:    make(map[string]string),
	}
}

// Add registers a new session. Fresh sessions always need a full frame.
func (ms *MemStore) Add(id string, now time.Time) model.Session {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	s := &model.Session{
		ID:             id,
		NeedsFullFrame: true,
		ConnectedAt:    now,
	}
	ms.sessions[id] = s
	return *s
}

// Remove deletes a session and releases its name.
func (ms *MemStore) Remove(id string) (model.Session, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	s, ok := ms.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	delete(ms.sessions, id)
	if s.Username != "" {
		delete(ms.names, s.Username)
	}
	return *s, true
}

func (ms *MemStore) Get(id string) (model.Session, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	s, ok := ms.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// BindName gives a session its display name. Names are unique and can be bound once.
func (ms *MemStore) BindName(id, name string) error {
	if !validName.MatchString(name) {
		return ErrInvalidName
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	s, ok := ms.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Username != "" {
		return ErrAlreadyBound
	}
	if _, taken := ms.names[name]; taken {
		return ErrNameTaken
	}
	s.Username = name
	ms.names[name] = id
	return nil
}

// Authenticated returns ids of sessions with a bound name, oldest first.
func (ms *MemStore) Authenticated() []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	list := make([]*model.Session, 0, len(ms.sessions))
	for _, s := range ms.sessions {
		if s.Authenticated() {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

func (ms *MemStore) MarkNeedsFullFrame(id string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if s, ok := ms.sessions[id]; ok {
		s.NeedsFullFrame = true
	}
}

// TakeNeedsFullFrame reports whether any session waits for a baseline image
// and clears every flag in the same critical section.
func (ms *MemStore) TakeNeedsFullFrame() bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	needs := false
	for _, s := range ms.sessions {
		if s.NeedsFullFrame {
			needs = true
			s.NeedsFullFrame = false
		}
	}
	return needs
}

func (ms *MemStore) Count() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.sessions)
}
