package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slopmasterai/maestro/core"
)

// StoreConfig tunes the template store
type StoreConfig struct {
	// MaxTemplates caps how many templates may exist
	MaxTemplates int
	// MaxVersions caps retained version records per template
	MaxVersions int
}

// DefaultStoreConfig returns the template store defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxTemplates: 1000,
		MaxVersions:  10,
	}
}

// ListOptions filters and paginates template listings
type ListOptions struct {
	Offset   int
	Limit    int
	Category string
	Tags     []string // every tag must be present
	Search   string   // case-insensitive substring over name/description/tags
}

// Store is the prompt-template store. Templates live in memory for fast
// rendering and are mirrored to the shared store; on startup persisted
// templates are hydrated back, so user overrides of built-ins survive
// restarts.
type Store struct {
	mu        sync.RWMutex
	templates map[string]*Template

	store  core.Store
	logger core.Logger
	config StoreConfig
}

func templateKey(id string) string { return "prompt:template:" + id }
func versionsKey(id string) string { return "prompt:template:versions:" + id }

// NewStore creates the template store, hydrates persisted templates, and
// installs the built-in templates where no override exists. On first start
// against a fresh shared store the built-ins are persisted too.
func NewStore(ctx context.Context, backing core.Store, logger core.Logger, config StoreConfig) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.MaxTemplates <= 0 {
		config.MaxTemplates = DefaultStoreConfig().MaxTemplates
	}
	if config.MaxVersions <= 0 {
		config.MaxVersions = DefaultStoreConfig().MaxVersions
	}

	s := &Store{
		templates: make(map[string]*Template),
		store:     backing,
		logger:    logger,
		config:    config,
	}

	// Hydrate persisted templates (including user overrides of built-ins)
	keys, err := backing.Scan(ctx, "prompt:template:")
	if err != nil {
		logger.Warn("Template hydration scan failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	for _, key := range keys {
		if strings.HasPrefix(key, "prompt:template:versions:") {
			continue
		}
		raw, err := backing.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var t Template
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			logger.Warn("Skipping corrupt template record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		s.templates[t.ID] = &t
	}

	for _, builtin := range builtinTemplates() {
		if _, exists := s.templates[builtin.ID]; exists {
			continue
		}
		s.templates[builtin.ID] = builtin
		s.persist(ctx, builtin)
	}

	return s, nil
}

// IsBuiltin reports whether an ID belongs to a built-in template
func IsBuiltin(id string) bool {
	switch id {
	case BuiltinCritiqueEvaluation, BuiltinCritiqueImprovement,
		BuiltinDiscussionParticipant, BuiltinDiscussionFacilitator:
		return true
	}
	return false
}

func (s *Store) persist(ctx context.Context, t *Template) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, templateKey(t.ID), string(data), 0); err != nil {
		s.logger.Warn("Failed to persist template", map[string]interface{}{
			"template_id": t.ID,
			"error":       err.Error(),
		})
	}
}

// Create validates and stores a new template. A missing ID is generated.
func (s *Store) Create(ctx context.Context, t *Template) (*Template, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID]; exists {
		return nil, &core.EngineError{Op: "prompt.Create", Kind: core.KindValidation, ID: t.ID, Message: "template already exists", Err: core.ErrInvalidConfiguration}
	}
	if len(s.templates) >= s.config.MaxTemplates {
		return nil, &core.EngineError{Op: "prompt.Create", Kind: core.KindCapacity, Message: fmt.Sprintf("template limit %d reached", s.config.MaxTemplates), Err: core.ErrQueueFull}
	}

	now := time.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	stored := *t
	s.templates[t.ID] = &stored
	s.persist(ctx, &stored)

	s.logger.Info("Template created", map[string]interface{}{
		"template_id": t.ID,
		"name":        t.Name,
		"category":    t.Category,
	})
	result := stored
	return &result, nil
}

// Update replaces mutable fields. A change to content or variables bumps the
// version and archives the previous revision; old revisions beyond the cap
// are pruned.
func (s *Store) Update(ctx context.Context, id string, update *Template) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[id]
	if !ok {
		return nil, &core.EngineError{Op: "prompt.Update", Kind: core.KindNotFound, ID: id, Err: core.ErrTemplateNotFound}
	}

	candidate := *existing
	if update.Name != "" {
		candidate.Name = update.Name
	}
	if update.Description != "" {
		candidate.Description = update.Description
	}
	if update.Category != "" {
		candidate.Category = update.Category
	}
	if update.Tags != nil {
		candidate.Tags = update.Tags
	}
	contentChanged := false
	if update.Content != "" && update.Content != existing.Content {
		candidate.Content = update.Content
		contentChanged = true
	}
	if update.Variables != nil && !reflect.DeepEqual(update.Variables, existing.Variables) {
		candidate.Variables = update.Variables
		contentChanged = true
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	if contentChanged {
		s.archiveVersion(ctx, existing)
		candidate.Version = existing.Version + 1
	}
	candidate.UpdatedAt = time.Now()

	s.templates[id] = &candidate
	s.persist(ctx, &candidate)

	result := candidate
	return &result, nil
}

// archiveVersion appends the outgoing revision to the version sorted set and
// prunes revisions beyond the configured cap.
func (s *Store) archiveVersion(ctx context.Context, t *Template) {
	record := VersionRecord{
		Version:   t.Version,
		Content:   t.Content,
		Variables: t.Variables,
		UpdatedAt: t.UpdatedAt,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	key := versionsKey(t.ID)
	if err := s.store.ZAdd(ctx, key, core.ZMember{Score: float64(record.Version), Member: string(data)}); err != nil {
		s.logger.Warn("Failed to archive template version", map[string]interface{}{
			"template_id": t.ID,
			"version":     record.Version,
			"error":       err.Error(),
		})
		return
	}
	for {
		count, err := s.store.ZCard(ctx, key)
		if err != nil || count <= int64(s.config.MaxVersions) {
			return
		}
		if _, err := s.store.ZPopMin(ctx, key); err != nil {
			return
		}
	}
}

// Versions returns the archived revisions for a template, oldest first
func (s *Store) Versions(ctx context.Context, id string) ([]VersionRecord, error) {
	s.mu.RLock()
	_, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &core.EngineError{Op: "prompt.Versions", Kind: core.KindNotFound, ID: id, Err: core.ErrTemplateNotFound}
	}

	members, err := s.store.ZRange(ctx, versionsKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	records := make([]VersionRecord, 0, len(members))
	for _, member := range members {
		var record VersionRecord
		if err := json.Unmarshal([]byte(member), &record); err == nil {
			records = append(records, record)
		}
	}
	return records, nil
}

// Delete removes a template. Deleting a built-in's override restores the
// built-in definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return &core.EngineError{Op: "prompt.Delete", Kind: core.KindNotFound, ID: id, Err: core.ErrTemplateNotFound}
	}
	delete(s.templates, id)
	_ = s.store.Delete(ctx, templateKey(id))
	_ = s.store.Delete(ctx, versionsKey(id))

	if IsBuiltin(id) {
		for _, builtin := range builtinTemplates() {
			if builtin.ID == id {
				s.templates[id] = builtin
				s.persist(ctx, builtin)
				break
			}
		}
	}

	s.logger.Info("Template deleted", map[string]interface{}{"template_id": id})
	return nil
}

// Get returns a template by ID
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, &core.EngineError{Op: "prompt.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrTemplateNotFound}
	}
	copy := *t
	return &copy, nil
}

// List returns templates matching the options, ordered by name
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Template, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Template
	for _, t := range s.templates {
		if opts.Category != "" && t.Category != opts.Category {
			continue
		}
		if !hasAllTags(t.Tags, opts.Tags) {
			continue
		}
		if opts.Search != "" && !matchesSearch(t, opts.Search) {
			continue
		}
		copy := *t
		matched = append(matched, &copy)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	total := len(matched)
	if opts.Offset >= total {
		return nil, total, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

// Render fetches a template and interpolates it in one call
func (s *Store) Render(ctx context.Context, id string, vars map[string]interface{}) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return Interpolate(t, vars)
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesSearch(t *Template, search string) bool {
	needle := strings.ToLower(search)
	if strings.Contains(strings.ToLower(t.Name), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Description), needle) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}
