package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/resilience"
	"github.com/slopmasterai/maestro/telemetry"
)

// Config bounds the process manager
type Config struct {
	// MaxConcurrent caps simultaneously running processes
	MaxConcurrent int
	// MaxQueueSize caps the priority queue; overflow fails fast
	MaxQueueSize int
	// GracePeriod between the graceful signal and hard termination
	GracePeriod time.Duration
	// DefaultTimeout applies when a spawn config carries none
	DefaultTimeout time.Duration
	// DefaultMaxOutputSize bounds captured stdout/stderr per stream
	DefaultMaxOutputSize int
	// StateTTL is how long terminal process state remains queryable
	StateTTL time.Duration
	// DispatchInterval is the queue polling cadence
	DispatchInterval time.Duration
	// RateLimitPerUser caps spawns per user per window; 0 disables
	RateLimitPerUser int
	// RateLimitWindow is the rolling rate-limit window
	RateLimitWindow time.Duration
	// MetricsWindow is how many completion durations feed the ETA average
	MetricsWindow int
}

// DefaultConfig returns the process manager defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        8,
		MaxQueueSize:         100,
		GracePeriod:          5 * time.Second,
		DefaultTimeout:       2 * time.Minute,
		DefaultMaxOutputSize: 1024 * 1024,
		StateTTL:             24 * time.Hour,
		DispatchInterval:     250 * time.Millisecond,
		RateLimitPerUser:     30,
		RateLimitWindow:      time.Minute,
		MetricsWindow:        100,
	}
}

const (
	queueKey     = "process:queue"
	activeKey    = "process:active"
	durationsKey = "process:metrics:durations"
)

func stateKey(id string) string    { return "process:" + id }
func rateKey(userID string) string { return "process:ratelimit:" + userID }

// handle tracks one running child
type handle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// Manager spawns and supervises external processes. Admissions beyond the
// concurrency cap queue by priority; a background dispatcher drains the
// queue as capacity frees up.
type Manager struct {
	store     core.Store
	bus       *core.EventBus
	logger    core.Logger
	config    Config
	retry     *resilience.RetryConfig
	transient *resilience.TransientConfig

	mu      sync.Mutex
	running map[string]*handle

	baseCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a process manager and starts its dispatcher
func NewManager(ctx context.Context, store core.Store, bus *core.EventBus, logger core.Logger, config Config) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultMaxOutputSize <= 0 {
		config.DefaultMaxOutputSize = defaults.DefaultMaxOutputSize
	}
	if config.StateTTL <= 0 {
		config.StateTTL = defaults.StateTTL
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaults.RateLimitWindow
	}
	if config.MetricsWindow <= 0 {
		config.MetricsWindow = defaults.MetricsWindow
	}

	baseCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		store:     store,
		bus:       bus,
		logger:    logger,
		config:    config,
		retry:     resilience.DefaultRetryConfig(),
		transient: resilience.DefaultTransientConfig(),
		running:   make(map[string]*handle),
		baseCtx:   baseCtx,
		stop:      cancel,
	}

	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// Stop halts the dispatcher and cancels every running process
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stop()
		m.mu.Lock()
		for _, h := range m.running {
			h.cancelled = true
			h.cancel()
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// Spawn admits a process: it starts immediately when capacity allows,
// otherwise it is queued by priority. Re-spawning a known ID preserves the
// prior config fields and counts as a retry when the prior state was terminal.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig) (*Process, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, &core.EngineError{Op: "process.Spawn", Kind: core.KindValidation, Message: "command is required", Err: core.ErrInvalidConfiguration}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.config.DefaultTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = m.config.DefaultMaxOutputSize
	}

	proc := &Process{
		ID:        cfg.ID,
		Config:    cfg,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	if prior, err := m.load(ctx, cfg.ID); err == nil && prior != nil {
		if !prior.Status.IsTerminal() {
			return nil, &core.EngineError{Op: "process.Spawn", Kind: core.KindValidation, ID: cfg.ID, Message: "process already active"}
		}
		proc.Config = mergeConfig(cfg, prior.Config)
		proc.RetryCount = prior.RetryCount + 1
		proc.CreatedAt = prior.CreatedAt
	}

	if err := m.checkRateLimit(ctx, proc); err != nil {
		return proc, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.SCard(ctx, activeKey)
	if err != nil {
		active = int64(len(m.running))
	}
	if active < int64(m.config.MaxConcurrent) {
		if err := m.launchLocked(ctx, proc); err != nil {
			return proc, err
		}
		return m.snapshot(proc), nil
	}

	depth, err := m.store.ZCard(ctx, queueKey)
	if err == nil && depth >= int64(m.config.MaxQueueSize) {
		proc.Status = StatusFailed
		proc.Error = "process queue full"
		now := time.Now()
		proc.CompletedAt = &now
		m.persist(ctx, proc)
		return proc, &core.EngineError{Op: "process.Spawn", Kind: core.KindCapacity, ID: proc.ID, Message: "process queue full", Err: core.ErrQueueFull}
	}

	proc.Status = StatusQueued
	if err := m.store.ZAdd(ctx, queueKey, core.ZMember{Score: queueScore(proc.Config.Priority, time.Now()), Member: proc.ID}); err != nil {
		return nil, &core.EngineError{Op: "process.Spawn", Kind: core.KindInternal, ID: proc.ID, Err: err}
	}
	m.persist(ctx, proc)
	m.fillQueueEstimate(ctx, proc)

	m.logger.Info("Process queued", map[string]interface{}{
		"process_id": proc.ID,
		"position":   proc.QueuePosition,
		"priority":   proc.Config.Priority,
	})
	return m.snapshot(proc), nil
}

// queueScore composes priority (higher pops first) with enqueue time
// (earlier pops first within a priority band).
func queueScore(priority int, at time.Time) float64 {
	return -float64(priority)*1e13 + float64(at.UnixMilli())
}

func mergeConfig(next, prior SpawnConfig) SpawnConfig {
	merged := next
	if merged.UserID == "" {
		merged.UserID = prior.UserID
	}
	if merged.Dir == "" {
		merged.Dir = prior.Dir
	}
	if merged.Env == nil {
		merged.Env = prior.Env
	}
	if merged.StdinContent == "" {
		merged.StdinContent = prior.StdinContent
	}
	if merged.Priority == 0 {
		merged.Priority = prior.Priority
	}
	return merged
}

func (m *Manager) checkRateLimit(ctx context.Context, proc *Process) error {
	if m.config.RateLimitPerUser <= 0 || proc.Config.UserID == "" {
		return nil
	}
	key := rateKey(proc.Config.UserID)
	count, err := m.store.Incr(ctx, key)
	if err != nil {
		return nil
	}
	if count == 1 {
		_ = m.store.Expire(ctx, key, m.config.RateLimitWindow)
	}
	if count <= int64(m.config.RateLimitPerUser) {
		return nil
	}

	// Denials leave a terminal record so status polling sees the reason
	proc.Status = StatusFailed
	proc.Error = fmt.Sprintf("rate limit exceeded: %d requests in window", count)
	now := time.Now()
	proc.CompletedAt = &now
	m.persist(ctx, proc)
	m.publish(proc.ID, EventError, map[string]interface{}{"error": proc.Error})
	telemetry.Counter("process.rate_limited", "user_id", proc.Config.UserID)
	return &core.EngineError{Op: "process.Spawn", Kind: core.KindPermission, ID: proc.ID, Message: proc.Error, Err: core.ErrRateLimitExceeded}
}

// launchLocked marks the process active and starts the child goroutine.
// Caller holds m.mu.
func (m *Manager) launchLocked(ctx context.Context, proc *Process) error {
	if err := m.store.SAdd(ctx, activeKey, proc.ID); err != nil {
		m.logger.Warn("Failed to mark process active", map[string]interface{}{
			"process_id": proc.ID,
			"error":      err.Error(),
		})
	}

	procCtx, cancel := context.WithTimeout(m.baseCtx, proc.Config.Timeout)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.running[proc.ID] = h

	proc.Status = StatusRunning
	now := time.Now()
	proc.StartedAt = &now
	proc.QueuePosition = 0
	proc.EstimatedWaitSeconds = 0
	m.persist(ctx, proc)

	m.wg.Add(1)
	go m.run(procCtx, proc, h)
	return nil
}

// run executes the child and writes the terminal state
func (m *Manager) run(ctx context.Context, proc *Process, h *handle) {
	defer m.wg.Done()
	defer close(h.done)

	runCtx, span := telemetry.StartSpan(ctx, "process.run")
	defer span.End()
	telemetry.SetSpanAttributes(runCtx, "process.id", proc.ID, "process.command", proc.Config.Command)

	start := time.Now()
	cfg := proc.Config

	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if cfg.StdinContent != "" {
		cmd.Stdin = strings.NewReader(cfg.StdinContent)
	}
	// Graceful signal first; hard kill after the grace window
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = m.config.GracePeriod

	var stdoutBuf, stderrBuf *trailingBuffer
	stdoutWriters := []io.Writer{&streamWriter{manager: m, id: proc.ID, eventType: EventStdout}}
	stderrWriters := []io.Writer{&streamWriter{manager: m, id: proc.ID, eventType: EventStderr}}
	if cfg.CaptureOutput {
		stdoutBuf = newTrailingBuffer(cfg.MaxOutputSize)
		stderrBuf = newTrailingBuffer(cfg.MaxOutputSize)
		stdoutWriters = append(stdoutWriters, stdoutBuf)
		stderrWriters = append(stderrWriters, stderrBuf)
	}
	cmd.Stdout = io.MultiWriter(stdoutWriters...)
	cmd.Stderr = io.MultiWriter(stderrWriters...)

	if err := cmd.Start(); err != nil {
		// A cancel racing the spawn surfaces as a context error from Start
		if h.wasCancelled(m) {
			m.finish(proc, h, StatusCancelled, nil, "process cancelled", stdoutBuf, stderrBuf, start)
			return
		}
		m.finish(proc, h, StatusFailed, nil, err.Error(), stdoutBuf, stderrBuf, start)
		return
	}

	proc.PID = cmd.Process.Pid
	m.persist(m.baseCtx, proc)
	m.publish(proc.ID, EventStart, map[string]interface{}{
		"pid":     proc.PID,
		"command": cfg.Command,
		"retry":   proc.RetryCount,
	})

	err := cmd.Wait()

	status := StatusCompleted
	errText := ""
	var exitCode *int
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = StatusTimeout
		errText = fmt.Sprintf("process timed out after %s", cfg.Timeout)
	case h.wasCancelled(m):
		status = StatusCancelled
		errText = "process cancelled"
	case err != nil:
		status = StatusFailed
		errText = err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			exitCode = &code
		}
	default:
		code := 0
		exitCode = &code
	}

	m.finish(proc, h, status, exitCode, errText, stdoutBuf, stderrBuf, start)
}

func (h *handle) wasCancelled(m *Manager) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return h.cancelled
}

// finish writes the terminal record, releases capacity and publishes the
// closing event
func (m *Manager) finish(proc *Process, h *handle, status Status, exitCode *int, errText string, stdoutBuf, stderrBuf *trailingBuffer, start time.Time) {
	ctx := context.Background()
	now := time.Now()

	proc.Status = status
	proc.ExitCode = exitCode
	proc.Error = errText
	proc.CompletedAt = &now
	if stdoutBuf != nil {
		proc.Stdout = stdoutBuf.String()
	}
	if stderrBuf != nil {
		proc.Stderr = stderrBuf.String()
	}
	m.persist(ctx, proc)

	m.mu.Lock()
	delete(m.running, proc.ID)
	m.mu.Unlock()
	_ = m.store.SRem(ctx, activeKey, proc.ID)

	duration := time.Since(start)
	telemetry.Duration("process.duration", start, "status", string(status))
	if status == StatusCompleted {
		m.recordDuration(ctx, duration)
	}

	fields := map[string]interface{}{
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	}
	if exitCode != nil {
		fields["exit_code"] = *exitCode
	}
	if errText != "" {
		fields["error"] = errText
	}
	switch status {
	case StatusTimeout:
		m.publish(proc.ID, EventTimeout, fields)
	case StatusFailed:
		m.publish(proc.ID, EventError, fields)
	}
	m.publish(proc.ID, EventExit, fields)

	m.logger.Info("Process finished", map[string]interface{}{
		"process_id":  proc.ID,
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	})
}

// Cancel stops a process. Queued entries leave the queue atomically; running
// children receive the graceful signal. Returns whether it had effect.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	proc, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if proc == nil {
		return false, &core.EngineError{Op: "process.Cancel", Kind: core.KindNotFound, ID: id, Err: core.ErrProcessNotFound}
	}
	if proc.Status.IsTerminal() {
		return false, nil
	}

	m.mu.Lock()
	if h, ok := m.running[id]; ok {
		h.cancelled = true
		h.cancel()
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	removed, err := m.store.ZRem(ctx, queueKey, id)
	if err != nil || removed == 0 {
		return false, err
	}
	now := time.Now()
	proc.Status = StatusCancelled
	proc.CompletedAt = &now
	proc.QueuePosition = 0
	proc.EstimatedWaitSeconds = 0
	m.persist(ctx, proc)
	m.publish(id, EventExit, map[string]interface{}{"status": string(StatusCancelled)})
	return true, nil
}

// Get returns the current process state. Queued processes carry their
// position and estimated wait.
func (m *Manager) Get(ctx context.Context, id string) (*Process, error) {
	proc, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, &core.EngineError{Op: "process.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrProcessNotFound}
	}
	if proc.Status == StatusQueued {
		m.fillQueueEstimate(ctx, proc)
	}
	return proc, nil
}

// Wait blocks until the process reaches a terminal state
func (m *Manager) Wait(ctx context.Context, id string) (*Process, error) {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.Get(ctx, id)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		proc, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if proc.Status.IsTerminal() {
			return proc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run spawns the process and waits for its terminal state, retrying
// transient failures with backoff. The process ID stays stable across
// attempts so event streams and status polling are unaffected by retries.
func (m *Manager) Run(ctx context.Context, cfg SpawnConfig) (*Process, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	var proc *Process
	for attempt := 0; ; attempt++ {
		spawned, err := m.Spawn(ctx, cfg)
		if err != nil {
			return spawned, err
		}
		proc, err = m.Wait(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		if proc.Status == StatusCompleted || proc.Status == StatusCancelled {
			return proc, nil
		}
		if attempt >= m.retry.MaxAttempts-1 || !m.isTransientOutcome(proc) {
			return proc, terminalError(proc)
		}

		m.logger.Warn("Retrying transient process failure", map[string]interface{}{
			"process_id": proc.ID,
			"attempt":    attempt + 1,
			"status":     string(proc.Status),
		})
		timer := time.NewTimer(m.retry.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return proc, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) isTransientOutcome(proc *Process) bool {
	if proc.Status == StatusTimeout {
		return true
	}
	if proc.ExitCode != nil && m.transient.IsTransientExitCode(*proc.ExitCode) {
		return true
	}
	if proc.Error != "" && m.transient.IsTransient(errors.New(proc.Error+" "+proc.Stderr)) {
		return true
	}
	return false
}

func terminalError(proc *Process) error {
	kind := core.KindExecution
	var sentinel error
	if proc.Status == StatusTimeout {
		sentinel = core.ErrTimeout
	}
	return &core.EngineError{Op: "process.Run", Kind: kind, ID: proc.ID, Message: proc.Error, Err: sentinel}
}

// dispatchLoop drains the queue while capacity is available
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.dispatchOnce()
		}
	}
}

func (m *Manager) dispatchOnce() {
	ctx := m.baseCtx
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		active, err := m.store.SCard(ctx, activeKey)
		if err != nil {
			active = int64(len(m.running))
		}
		if active >= int64(m.config.MaxConcurrent) {
			return
		}
		member, err := m.store.ZPopMin(ctx, queueKey)
		if err != nil || member == nil {
			return
		}
		proc, err := m.load(ctx, member.Member)
		if err != nil || proc == nil || proc.Status != StatusQueued {
			continue
		}
		if err := m.launchLocked(ctx, proc); err != nil {
			m.logger.Error("Failed to launch queued process", map[string]interface{}{
				"process_id": proc.ID,
				"error":      err.Error(),
			})
		}
	}
}

// fillQueueEstimate sets position and estimated wait on a queued process
func (m *Manager) fillQueueEstimate(ctx context.Context, proc *Process) {
	rank, err := m.store.ZRank(ctx, queueKey, proc.ID)
	if err != nil || rank < 0 {
		return
	}
	proc.QueuePosition = int(rank) + 1
	proc.EstimatedWaitSeconds = float64(proc.QueuePosition) * m.averageDuration(ctx).Seconds()
}

// DefaultAverageDuration is the ETA basis before any completion is observed
const DefaultAverageDuration = 30 * time.Second

func (m *Manager) averageDuration(ctx context.Context) time.Duration {
	samples, err := m.store.LRange(ctx, durationsKey, 0, -1)
	if err != nil || len(samples) == 0 {
		return DefaultAverageDuration
	}
	var total float64
	count := 0
	for _, s := range samples {
		ms, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		total += ms
		count++
	}
	if count == 0 {
		return DefaultAverageDuration
	}
	return time.Duration(total/float64(count)) * time.Millisecond
}

func (m *Manager) recordDuration(ctx context.Context, d time.Duration) {
	_ = m.store.LPush(ctx, durationsKey, strconv.FormatInt(d.Milliseconds(), 10))
	_ = m.store.LTrim(ctx, durationsKey, 0, int64(m.config.MetricsWindow)-1)
}

func (m *Manager) load(ctx context.Context, id string) (*Process, error) {
	raw, err := m.store.Get(ctx, stateKey(id))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var proc Process
	if err := json.Unmarshal([]byte(raw), &proc); err != nil {
		return nil, &core.EngineError{Op: "process.load", Kind: core.KindInternal, ID: id, Message: "corrupt process record", Err: err}
	}
	return &proc, nil
}

func (m *Manager) persist(ctx context.Context, proc *Process) {
	data, err := json.Marshal(proc)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, stateKey(proc.ID), string(data), m.config.StateTTL); err != nil {
		m.logger.Warn("Failed to persist process state", map[string]interface{}{
			"process_id": proc.ID,
			"error":      err.Error(),
		})
	}
}

func (m *Manager) publish(id, eventType string, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(core.Event{ID: id, Type: eventType, Fields: fields})
}

func (m *Manager) snapshot(proc *Process) *Process {
	copy := *proc
	return &copy
}

// streamWriter publishes output chunks as events while the child runs
type streamWriter struct {
	manager   *Manager
	id        string
	eventType string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.manager.publish(w.id, w.eventType, map[string]interface{}{"chunk": string(p)})
	return len(p), nil
}
