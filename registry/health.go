package registry

import (
	"context"
	"time"
)

// StartHealthChecks launches the periodic probe loop. It stops when the
// context is cancelled or Stop is called.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.healthStop:
				return
			case <-ticker.C:
				r.HealthCheckAll(ctx)
			}
		}
	}()
}

// Stop halts the health check loop
func (r *Registry) Stop() {
	r.healthOnce.Do(func() { close(r.healthStop) })
}

// HealthCheckAll probes every agent once. Each probe gets a hard timeout;
// successive failures increment the error count and, past the threshold,
// mark the agent error. A healthy probe resets the count and recovers the
// agent to idle.
func (r *Registry) HealthCheckAll(ctx context.Context) {
	r.mu.RLock()
	type probe struct {
		id       string
		executor Executor
	}
	probes := make([]probe, 0, len(r.agents))
	for id, entry := range r.agents {
		probes = append(probes, probe{id: id, executor: entry.executor})
	}
	r.mu.RUnlock()

	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, r.config.HealthCheckTimeout)
		err := p.executor.HealthCheck(probeCtx)
		cancel()

		r.mu.Lock()
		entry, ok := r.agents[p.id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		entry.record.LastHealthCheck = time.Now()
		if err != nil {
			entry.record.ErrorCount++
			if entry.record.ErrorCount >= r.config.ErrorThreshold {
				entry.record.Status = AgentError
			}
			r.logger.Warn("Agent health probe failed", map[string]interface{}{
				"agent_id":    p.id,
				"error":       err.Error(),
				"error_count": entry.record.ErrorCount,
			})
		} else {
			if entry.record.Status == AgentError || entry.record.Status == AgentOffline {
				r.logger.Info("Agent recovered", map[string]interface{}{
					"agent_id": p.id,
				})
			}
			entry.record.ErrorCount = 0
			if entry.record.Status != AgentBusy {
				entry.record.Status = AgentIdle
			}
		}
		r.persistLocked(ctx, entry.record)
		r.mu.Unlock()
	}
}
