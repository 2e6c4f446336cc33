package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Records are copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]*Project
	secrets  map[string]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*Project),
		secrets:  make(map[string]string),
		now:      time.Now,
	}
}

func (m *Memory) Find(_ context.Context, projectID string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) FindBySecretCode(_ context.Context, code string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.secrets[code]
	if !ok {
		return nil, ErrNotFound
	}
	return m.projects[id].Clone(), nil
}

func (m *Memory) Create(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return ErrProjectExists
	}
	if p.SecretCode != "" {
		if _, ok := m.secrets[p.SecretCode]; ok {
			return ErrSecretCodeTaken
		}
	}
	c := p.Clone()
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.projects[c.ID] = c
	if c.SecretCode != "" {
		m.secrets[c.SecretCode] = c.ID
	}
	p.CreatedAt, p.UpdatedAt = c.CreatedAt, c.UpdatedAt
	return nil
}

func (m *Memory) Save(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	if p.SecretCode != old.SecretCode && p.SecretCode != "" {
		if _, taken := m.secrets[p.SecretCode]; taken {
			return ErrSecretCodeTaken
		}
	}
	delete(m.secrets, old.SecretCode)
	c := p.Clone()
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = m.now()
	m.projects[c.ID] = c
	if c.SecretCode != "" {
		m.secrets[c.SecretCode] = c.ID
	}
	p.UpdatedAt = c.UpdatedAt
	return nil
}

func (m *Memory) UpdateFiles(_ context.Context, projectID string, files []File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.Files = slices.Clone(files)
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Delete(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	delete(m.secrets, p.SecretCode)
	delete(m.projects, projectID)
	return nil
}

func (m *Memory) ListByMember(_ context.Context, identity string) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Project
	for _, p := range m.projects {
		if p.HasMember(identity) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
