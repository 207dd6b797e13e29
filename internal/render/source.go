package render

import (
	"context"
	"sync"
)

// StaticSource serves templates from a fixed in-memory set. Used by
// tests and by the standalone client's bundled template pack.
type StaticSource struct {
	templates map[string]Template
}

func NewStaticSource(templates ...Template) *StaticSource {
	m := make(map[string]Template, len(templates))
	for _, t := range templates {
		m[t.ID] = t
	}
	return &StaticSource{templates: m}
}

func (s *StaticSource) Template(_ context.Context, templateID string) (Template, error) {
	t, ok := s.templates[templateID]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return t, nil
}

// CachedSource wraps a slower provider with an in-memory cache so
// templates stay available when the upstream is unreachable. A stale
// copy is preferred over a fetch error.
type CachedSource struct {
	upstream TemplateSource

	mu    sync.RWMutex
	cache map[string]Template
}

func NewCachedSource(upstream TemplateSource) *CachedSource {
	return &CachedSource{
		upstream: upstream,
		cache:    make(map[string]Template),
	}
}

func (s *CachedSource) Template(ctx context.Context, templateID string) (Template, error) {
	t, err := s.upstream.Template(ctx, templateID)
	if err == nil {
		s.mu.Lock()
		s.cache[templateID] = t
		s.mu.Unlock()
		return t, nil
	}

	s.mu.RLock()
	cached, ok := s.cache[templateID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return Template{}, err
}
