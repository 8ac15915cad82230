package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pairKey struct{ tutor, student string }

// memStore keeps every table in maps guarded by one mutex.
type memStore struct {
	mu     sync.Mutex
	closed bool

	conns       map[string]Connection
	assignments map[pairKey]Assignment
	profiles    map[string]Profile
	activity    map[pairKey]Activity
	queue       map[string]QueueMessage
}

// NewMemory returns an empty process-local Store.
func NewMemory() Store {
	return &memStore{
		conns:       map[string]Connection{},
		assignments: map[pairKey]Assignment{},
		profiles:    map[string]Profile{},
		activity:    map[pairKey]Activity{},
		queue:       map[string]QueueMessage{},
	}
}

func (s *memStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *memStore) Ping(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return ctx.Err()
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) PutConnection(_ context.Context, c Connection) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.conns[c.ID] = c
	return nil
}

func (s *memStore) DeleteConnection(_ context.Context, id string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	return ok, nil
}

func (s *memStore) ConnectionsByUser(_ context.Context, userEmail string) ([]Connection, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []Connection
	for _, c := range s.conns {
		if c.UserEmail == userEmail {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (s *memStore) AllConnections(_ context.Context) ([]Connection, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sortConnections(out)
	return out, nil
}

func (s *memStore) DeleteExpiredConnections(_ context.Context, now time.Time) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.conns {
		if c.Expired(now) {
			delete(s.conns, id)
			n++
		}
	}
	return n, nil
}

func sortConnections(cs []Connection) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].ConnectedAt.Equal(cs[j].ConnectedAt) {
			return cs[i].ConnectedAt.Before(cs[j].ConnectedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *memStore) PutAssignment(_ context.Context, a Assignment) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.assignments[pairKey{a.TutorEmail, a.StudentEmail}] = a
	return nil
}

func (s *memStore) AssignmentsByTutor(_ context.Context, tutorEmail string) ([]Assignment, error) {
	return s.assignmentsWhere(func(a Assignment) bool { return a.TutorEmail == tutorEmail })
}

func (s *memStore) AssignmentsByStudent(_ context.Context, studentEmail string) ([]Assignment, error) {
	return s.assignmentsWhere(func(a Assignment) bool { return a.StudentEmail == studentEmail })
}

func (s *memStore) assignmentsWhere(match func(Assignment) bool) ([]Assignment, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []Assignment
	for _, a := range s.assignments {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TutorEmail != out[j].TutorEmail {
			return out[i].TutorEmail < out[j].TutorEmail
		}
		return out[i].StudentEmail < out[j].StudentEmail
	})
	return out, nil
}

func (s *memStore) PutProfile(_ context.Context, p Profile) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.profiles[p.Email] = p
	return nil
}

func (s *memStore) GetProfile(_ context.Context, email string) (Profile, bool, error) {
	if err := s.lock(); err != nil {
		return Profile{}, false, err
	}
	defer s.mu.Unlock()
	p, ok := s.profiles[email]
	return p, ok, nil
}

func (s *memStore) ProfilesByRole(_ context.Context, role string) ([]Profile, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []Profile
	for _, p := range s.profiles {
		if p.Role == role {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *memStore) PutActivity(_ context.Context, a Activity) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.activity[pairKey{a.TutorEmail, a.StudentEmail}] = a
	return nil
}

func (s *memStore) GetActivity(_ context.Context, tutorEmail, studentEmail string) (Activity, bool, error) {
	if err := s.lock(); err != nil {
		return Activity{}, false, err
	}
	defer s.mu.Unlock()
	a, ok := s.activity[pairKey{tutorEmail, studentEmail}]
	return a, ok, nil
}

func (s *memStore) EnqueueMessage(_ context.Context, m QueueMessage) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	m.Body = append([]byte(nil), m.Body...)
	s.queue[m.ID] = m
	return nil
}

func (s *memStore) ClaimMessages(_ context.Context, now time.Time, visibility time.Duration, limit int) ([]QueueMessage, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var ready []QueueMessage
	for _, m := range s.queue {
		if !m.VisibleAt.After(now) {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].EnqueuedAt.Equal(ready[j].EnqueuedAt) {
			return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		ready[i].VisibleAt = now.Add(visibility)
		ready[i].Attempts++
		s.queue[ready[i].ID] = ready[i]
		ready[i].Body = append([]byte(nil), ready[i].Body...)
	}
	return ready, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.queue, id)
	return nil
}

func (s *memStore) ReleaseMessage(_ context.Context, id string, visibleAt time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	m, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	m.VisibleAt = visibleAt
	s.queue[id] = m
	return nil
}
