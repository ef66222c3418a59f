package wfcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/prompt"
)

// Config bounds the context store
type Config struct {
	// MaxDepth caps nesting of the context value tree
	MaxDepth int
	// MaxSizeBytes caps the serialized context size
	MaxSizeBytes int
	// MaxSnapshots is how many snapshots are retained per context
	MaxSnapshots int
	// DefaultTTL applies when create passes no TTL
	DefaultTTL time.Duration
}

// DefaultConfig returns the context store defaults
func DefaultConfig() Config {
	return Config{
		MaxDepth:     10,
		MaxSizeBytes: 1024 * 1024,
		MaxSnapshots: 10,
		DefaultTTL:   24 * time.Hour,
	}
}

// WorkflowContext is the per-execution state blob
type WorkflowContext struct {
	WorkflowID string                 `json:"workflow_id"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	TTLSeconds int64                  `json:"ttl_seconds,omitempty"`
}

// SnapshotInfo describes one retained snapshot
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the workflow context store backed by the shared store
type Store struct {
	store  core.Store
	logger core.Logger
	config Config
}

func contextKey(id string) string { return "workflow:context:" + id }
func snapshotKey(id, sid string) string {
	return "workflow:context:snapshot:" + id + ":" + sid
}
func snapshotPrefix(id string) string { return "workflow:context:snapshot:" + id + ":" }

// NewStore creates the context store
func NewStore(backing core.Store, logger core.Logger, config Config) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultConfig()
	if config.MaxDepth <= 0 {
		config.MaxDepth = defaults.MaxDepth
	}
	if config.MaxSizeBytes <= 0 {
		config.MaxSizeBytes = defaults.MaxSizeBytes
	}
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = defaults.MaxSnapshots
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	return &Store{store: backing, logger: logger, config: config}
}

// Create seeds a context for an execution. A zero TTL uses the default.
func (s *Store) Create(ctx context.Context, id string, data map[string]interface{}, ttl time.Duration) (*WorkflowContext, error) {
	if id == "" {
		return nil, &core.EngineError{Op: "wfcontext.Create", Kind: core.KindValidation, Message: "context id is required", Err: core.ErrInvalidConfiguration}
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	now := time.Now()
	wc := &WorkflowContext{
		WorkflowID: id,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: int64(ttl.Seconds()),
	}
	if err := s.checkLimits(wc); err != nil {
		return nil, err
	}
	if err := s.save(ctx, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// Get loads a context by execution ID
func (s *Store) Get(ctx context.Context, id string) (*WorkflowContext, error) {
	raw, err := s.store.Get(ctx, contextKey(id))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, &core.EngineError{Op: "wfcontext.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrContextNotFound}
	}
	var wc WorkflowContext
	if err := json.Unmarshal([]byte(raw), &wc); err != nil {
		return nil, &core.EngineError{Op: "wfcontext.Get", Kind: core.KindInternal, ID: id, Message: "corrupt context record", Err: err}
	}
	if wc.Data == nil {
		wc.Data = make(map[string]interface{})
	}
	return &wc, nil
}

// GetValue reads one value by dotted path. A path that does not resolve
// returns (nil, false, nil).
func (s *Store) GetValue(ctx context.Context, id, path string) (interface{}, bool, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}
	wc, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, ok := getPath(wc.Data, segments)
	return value, ok, nil
}

// SetValue writes one value by dotted path, creating intermediate containers
func (s *Store) SetValue(ctx context.Context, id, path string, value interface{}) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segments) > s.config.MaxDepth {
		return &core.EngineError{Op: "wfcontext.SetValue", Kind: core.KindValidation, ID: id,
			Message: fmt.Sprintf("path depth exceeds %d", s.config.MaxDepth), Err: core.ErrContextDepthLimit}
	}
	wc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := setPath(wc.Data, segments, value); err != nil {
		return err
	}
	wc.UpdatedAt = time.Now()
	if err := s.checkLimits(wc); err != nil {
		return err
	}
	return s.save(ctx, wc)
}

// Merge merges data into the context. With deep=true mapping values recurse;
// otherwise top-level keys are replaced.
func (s *Store) Merge(ctx context.Context, id string, data map[string]interface{}, deep bool) error {
	wc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if deep {
		wc.Data = deepMerge(wc.Data, data)
	} else {
		for k, v := range data {
			wc.Data[k] = v
		}
	}
	wc.UpdatedAt = time.Now()
	if err := s.checkLimits(wc); err != nil {
		return err
	}
	return s.save(ctx, wc)
}

// Clear deletes a context and its snapshots
func (s *Store) Clear(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, contextKey(id)); err != nil {
		return err
	}
	keys, err := s.store.Scan(ctx, snapshotPrefix(id))
	if err != nil {
		return nil
	}
	for _, key := range keys {
		_ = s.store.Delete(ctx, key)
	}
	return nil
}

// Snapshot writes an immutable copy of the current context. The snapshot ID
// is "<createdAtMillis>-<label>"; snapshots beyond the retention cap are
// pruned oldest-first.
func (s *Store) Snapshot(ctx context.Context, id, label string) (string, error) {
	wc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if label == "" {
		label = "snapshot"
	}
	label = sanitizeLabel(label)

	sid := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), label)
	data, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	ttl := time.Duration(wc.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	if err := s.store.Set(ctx, snapshotKey(id, sid), string(data), ttl); err != nil {
		return "", err
	}
	s.pruneSnapshots(ctx, id)
	return sid, nil
}

// Restore replaces the live context data with a snapshot's data
func (s *Store) Restore(ctx context.Context, id, snapshotID string) error {
	raw, err := s.store.Get(ctx, snapshotKey(id, snapshotID))
	if err != nil {
		return err
	}
	if raw == "" {
		return &core.EngineError{Op: "wfcontext.Restore", Kind: core.KindNotFound, ID: snapshotID, Err: core.ErrSnapshotNotFound}
	}
	var snap WorkflowContext
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return &core.EngineError{Op: "wfcontext.Restore", Kind: core.KindInternal, ID: snapshotID, Message: "corrupt snapshot record", Err: err}
	}

	wc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	wc.Data = snap.Data
	if wc.Data == nil {
		wc.Data = make(map[string]interface{})
	}
	wc.UpdatedAt = time.Now()
	return s.save(ctx, wc)
}

// ListSnapshots returns snapshot descriptors, newest first
func (s *Store) ListSnapshots(ctx context.Context, id string) ([]SnapshotInfo, error) {
	keys, err := s.store.Scan(ctx, snapshotPrefix(id))
	if err != nil {
		return nil, err
	}
	prefix := snapshotPrefix(id)
	infos := make([]SnapshotInfo, 0, len(keys))
	for _, key := range keys {
		sid := strings.TrimPrefix(key, prefix)
		millis, label, ok := splitSnapshotID(sid)
		if !ok {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:        sid,
			Label:     label,
			CreatedAt: time.UnixMilli(millis),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveVariables substitutes {{path}} placeholders in template with values
// from the context. Unresolved references substitute empty string.
func (s *Store) ResolveVariables(ctx context.Context, id, template string) (string, error) {
	wc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	resolved := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		segments, err := parsePath(ref)
		if err != nil {
			return ""
		}
		value, ok := getPath(wc.Data, segments)
		if !ok {
			return ""
		}
		return prompt.Stringify(value)
	})
	return resolved, nil
}

func (s *Store) save(ctx context.Context, wc *WorkflowContext) error {
	data, err := json.Marshal(wc)
	if err != nil {
		return err
	}
	ttl := time.Duration(wc.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	return s.store.Set(ctx, contextKey(wc.WorkflowID), string(data), ttl)
}

func (s *Store) checkLimits(wc *WorkflowContext) error {
	if depth := maxDepth(wc.Data); depth > s.config.MaxDepth {
		return &core.EngineError{Op: "wfcontext.Limits", Kind: core.KindValidation, ID: wc.WorkflowID,
			Message: fmt.Sprintf("context depth %d exceeds %d", depth, s.config.MaxDepth), Err: core.ErrContextDepthLimit}
	}
	data, err := json.Marshal(wc.Data)
	if err != nil {
		return err
	}
	if len(data) > s.config.MaxSizeBytes {
		return &core.EngineError{Op: "wfcontext.Limits", Kind: core.KindValidation, ID: wc.WorkflowID,
			Message: fmt.Sprintf("context size %d exceeds %d bytes", len(data), s.config.MaxSizeBytes), Err: core.ErrContextSizeLimit}
	}
	return nil
}

func (s *Store) pruneSnapshots(ctx context.Context, id string) {
	infos, err := s.ListSnapshots(ctx, id)
	if err != nil || len(infos) <= s.config.MaxSnapshots {
		return
	}
	for _, info := range infos[s.config.MaxSnapshots:] {
		_ = s.store.Delete(ctx, snapshotKey(id, info.ID))
	}
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func splitSnapshotID(sid string) (int64, string, bool) {
	i := strings.IndexByte(sid, '-')
	if i <= 0 {
		return 0, "", false
	}
	millis, err := strconv.ParseInt(sid[:i], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return millis, sid[i+1:], true
}
