// Package discussion implements multi-agent structured discussions: rounds
// of parallel contributions, agreement extraction, pluggable consensus
// scoring, and convergence detection.
package discussion

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/prompt"
	"github.com/slopmasterai/maestro/registry"
	"github.com/slopmasterai/maestro/telemetry"
)

// Event types published per discussion
const (
	EventRoundStarted   = "round-started"
	EventContribution   = "contribution"
	EventRoundCompleted = "round-completed"
	EventConverged      = "converged"
	EventCompleted      = "completed"
)

// Consensus strategies
const (
	StrategyUnanimous   = "unanimous"
	StrategyMajority    = "majority"
	StrategyWeighted    = "weighted"
	StrategyFacilitator = "facilitator"
)

// MaxParticipants bounds a discussion's participant list
const MaxParticipants = 10

// Participant is one voice in the discussion
type Participant struct {
	ID          string  `json:"id,omitempty"`
	AgentID     string  `json:"agentId"`
	Role        string  `json:"role"`
	Perspective string  `json:"perspective,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
}

// Options configures a discussion
type Options struct {
	MaxRounds               int     `json:"maxRounds"`
	ConvergenceThreshold    float64 `json:"convergenceThreshold"`
	ConsensusStrategy       string  `json:"consensusStrategy"`
	FacilitatorAgentID      string  `json:"facilitatorAgentId,omitempty"`
	MaxParallelParticipants int     `json:"maxParallelParticipants,omitempty"`
	ParticipantTimeoutMs    int64   `json:"participantTimeoutMs,omitempty"`
	TimeoutMs               int64   `json:"timeoutMs,omitempty"`
}

// Contribution is one participant's statement in a round
type Contribution struct {
	ParticipantID  string    `json:"participantId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	AgreementScore float64   `json:"agreementScore"`
	Timestamp      time.Time `json:"timestamp"`
}

// Round records one completed round
type Round struct {
	Round          int            `json:"round"`
	Contributions  []Contribution `json:"contributions"`
	Synthesis      string         `json:"synthesis,omitempty"`
	ConsensusScore float64        `json:"consensusScore"`
	DurationMs     int64          `json:"durationMs"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Result is the outcome of a discussion
type Result struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Rounds         []Round   `json:"rounds"`
	Converged      bool      `json:"converged"`
	FinalConsensus float64   `json:"finalConsensus"`
	FinalSynthesis string    `json:"finalSynthesis,omitempty"`
	DurationMs     int64     `json:"durationMs"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Config holds service defaults
type Config struct {
	DefaultMaxRounds            int
	DefaultConvergenceThreshold float64
	DefaultMaxParallel          int
	DefaultParticipantTimeout   time.Duration
	DefaultTimeout              time.Duration
}

// DefaultConfig returns the discussion service defaults
func DefaultConfig() Config {
	return Config{
		DefaultMaxRounds:            5,
		DefaultConvergenceThreshold: 0.8,
		DefaultMaxParallel:          5,
		DefaultParticipantTimeout:   60 * time.Second,
		DefaultTimeout:              10 * time.Minute,
	}
}

// Service runs structured discussions
type Service struct {
	registry  *registry.Registry
	templates *prompt.Store
	bus       *core.EventBus
	logger    core.Logger
	config    Config
}

// NewService creates the discussion service
func NewService(reg *registry.Registry, templates *prompt.Store, bus *core.EventBus, logger core.Logger, config Config) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultConfig()
	if config.DefaultMaxRounds <= 0 {
		config.DefaultMaxRounds = defaults.DefaultMaxRounds
	}
	if config.DefaultConvergenceThreshold <= 0 {
		config.DefaultConvergenceThreshold = defaults.DefaultConvergenceThreshold
	}
	if config.DefaultMaxParallel <= 0 {
		config.DefaultMaxParallel = defaults.DefaultMaxParallel
	}
	if config.DefaultParticipantTimeout <= 0 {
		config.DefaultParticipantTimeout = defaults.DefaultParticipantTimeout
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	return &Service{registry: reg, templates: templates, bus: bus, logger: logger, config: config}
}

// validate applies the hard input rules before any agent is invoked
func (s *Service) validate(topic string, participants []Participant, opts *Options) error {
	if strings.TrimSpace(topic) == "" {
		return &core.EngineError{Op: "discussion.Run", Kind: core.KindValidation, Message: "topic is required", Err: core.ErrInvalidConfiguration}
	}
	if len(participants) == 0 {
		return &core.EngineError{Op: "discussion.Run", Kind: core.KindValidation, Message: "at least one participant is required", Err: core.ErrInvalidConfiguration}
	}
	if len(participants) > MaxParticipants {
		return &core.EngineError{Op: "discussion.Run", Kind: core.KindCapacity, Message: fmt.Sprintf("participant count %d exceeds %d", len(participants), MaxParticipants), Err: core.ErrParticipantLimit}
	}
	for i := range participants {
		if participants[i].AgentID == "" {
			return &core.EngineError{Op: "discussion.Run", Kind: core.KindValidation, Message: "participant without agentId", Err: core.ErrInvalidConfiguration}
		}
		if participants[i].ID == "" {
			participants[i].ID = uuid.New().String()
		}
	}
	switch opts.ConsensusStrategy {
	case StrategyUnanimous, StrategyMajority, StrategyWeighted:
	case StrategyFacilitator:
		if opts.FacilitatorAgentID == "" {
			return &core.EngineError{Op: "discussion.Run", Kind: core.KindValidation, Message: "facilitator strategy requires facilitatorAgentId", Err: core.ErrInvalidConfiguration}
		}
	case "":
		opts.ConsensusStrategy = StrategyMajority
	default:
		return &core.EngineError{Op: "discussion.Run", Kind: core.KindValidation, Message: fmt.Sprintf("unknown consensus strategy %q", opts.ConsensusStrategy), Err: core.ErrInvalidConfiguration}
	}
	return nil
}

// Run executes the discussion until convergence or the round budget
func (s *Service) Run(ctx context.Context, topic string, participants []Participant, opts Options, userID string) (*Result, error) {
	if err := s.validate(topic, participants, &opts); err != nil {
		return nil, err
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = s.config.DefaultMaxRounds
	}
	threshold := opts.ConvergenceThreshold
	if threshold <= 0 {
		threshold = s.config.DefaultConvergenceThreshold
	}
	maxParallel := opts.MaxParallelParticipants
	if maxParallel <= 0 {
		maxParallel = s.config.DefaultMaxParallel
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, span := telemetry.StartSpan(runCtx, "discussion.run")
	defer span.End()

	result := &Result{ID: uuid.New().String(), Topic: topic, StartedAt: time.Now()}
	telemetry.SetSpanAttributes(runCtx, "discussion.id", result.ID, "discussion.participants", len(participants))

	for round := 1; round <= maxRounds; round++ {
		if runCtx.Err() != nil {
			break
		}
		roundStart := time.Now()
		s.publish(result.ID, EventRoundStarted, map[string]interface{}{"round": round})

		contributions := s.collectContributions(runCtx, result, topic, participants, round, maxParallel, opts.ParticipantTimeoutMs, userID)
		if len(contributions) == 0 {
			// Every participant failed this round; terminate with what we have
			s.logger.Warn("Discussion round produced no contributions", map[string]interface{}{
				"discussion_id": result.ID,
				"round":         round,
			})
			break
		}

		synthesis, score := s.scoreRound(runCtx, &opts, topic, round, participants, contributions, userID)
		r := Round{
			Round:          round,
			Contributions:  contributions,
			Synthesis:      synthesis,
			ConsensusScore: score,
			DurationMs:     time.Since(roundStart).Milliseconds(),
			Timestamp:      time.Now(),
		}
		result.Rounds = append(result.Rounds, r)

		s.publish(result.ID, EventRoundCompleted, map[string]interface{}{
			"round":           round,
			"consensus_score": score,
			"contributions":   len(contributions),
		})

		if converged(result.Rounds, threshold) {
			result.Converged = true
			s.publish(result.ID, EventConverged, map[string]interface{}{
				"round": round,
				"score": score,
			})
			break
		}
	}

	if last := len(result.Rounds); last > 0 {
		result.FinalConsensus = result.Rounds[last-1].ConsensusScore
		result.FinalSynthesis = result.Rounds[last-1].Synthesis
	}
	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	telemetry.Counter("discussion.completed", "converged", fmt.Sprintf("%t", result.Converged))
	s.publish(result.ID, EventCompleted, map[string]interface{}{
		"rounds":    len(result.Rounds),
		"converged": result.Converged,
		"consensus": result.FinalConsensus,
	})
	return result, nil
}

// collectContributions runs one round of participant prompts in bounded
// parallel. Failed participants are dropped from the round.
func (s *Service) collectContributions(ctx context.Context, result *Result, topic string, participants []Participant, round, maxParallel int, participantTimeoutMs int64, userID string) []Contribution {
	prevSynthesis := ""
	prevContributions := ""
	if n := len(result.Rounds); n > 0 {
		prev := result.Rounds[n-1]
		prevSynthesis = prev.Synthesis
		prevContributions = formatContributions(prev.Contributions)
	}
	participantTimeout := time.Duration(participantTimeoutMs) * time.Millisecond
	if participantTimeout <= 0 {
		participantTimeout = s.config.DefaultParticipantTimeout
	}

	contributions := make([]*Contribution, len(participants))
	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	for i := range participants {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			p := participants[i]

			rendered, err := s.templates.Render(ctx, prompt.BuiltinDiscussionParticipant, map[string]interface{}{
				"role":          p.Role,
				"perspective":   p.Perspective,
				"topic":         topic,
				"round":         round,
				"synthesis":     prevSynthesis,
				"contributions": prevContributions,
			})
			if err != nil {
				return
			}
			output, err := s.registry.Execute(ctx, p.AgentID, &registry.ExecutionInput{
				Prompt:  rendered,
				Context: map[string]interface{}{"userId": userID, "discussionId": result.ID, "round": round},
				Timeout: participantTimeout,
			})
			if err != nil || !output.Success {
				s.logger.Warn("Participant contribution failed", map[string]interface{}{
					"discussion_id":  result.ID,
					"participant_id": p.ID,
					"round":          round,
				})
				return
			}
			content := prompt.Stringify(output.Result)
			c := &Contribution{
				ParticipantID:  p.ID,
				Role:           p.Role,
				Content:        content,
				AgreementScore: extractAgreement(content),
				Timestamp:      time.Now(),
			}
			contributions[i] = c
			s.publish(result.ID, EventContribution, map[string]interface{}{
				"round":           round,
				"participant_id":  p.ID,
				"role":            p.Role,
				"agreement_score": c.AgreementScore,
			})
		}(i)
	}
	wg.Wait()

	collected := make([]Contribution, 0, len(participants))
	for _, c := range contributions {
		if c != nil {
			collected = append(collected, *c)
		}
	}
	return collected
}

// facilitatorVerdict is the JSON shape a facilitator agent replies with
type facilitatorVerdict struct {
	Synthesis      string   `json:"synthesis"`
	ConsensusScore float64  `json:"consensusScore"`
	Agreements     []string `json:"agreements"`
	Disagreements  []string `json:"disagreements"`
	NextSteps      []string `json:"nextSteps"`
}

// scoreRound applies the consensus strategy to a round's contributions
func (s *Service) scoreRound(ctx context.Context, opts *Options, topic string, round int, participants []Participant, contributions []Contribution, userID string) (string, float64) {
	switch opts.ConsensusStrategy {
	case StrategyUnanimous:
		return "", unanimousScore(contributions)
	case StrategyWeighted:
		return "", weightedScore(participants, contributions)
	case StrategyFacilitator:
		synthesis, score, ok := s.facilitate(ctx, opts.FacilitatorAgentID, topic, round, contributions, userID)
		if ok {
			return synthesis, score
		}
		// Unparseable facilitator output falls back to majority
		return "", majorityScore(contributions)
	default:
		return "", majorityScore(contributions)
	}
}

func (s *Service) facilitate(ctx context.Context, facilitatorID, topic string, round int, contributions []Contribution, userID string) (string, float64, bool) {
	rendered, err := s.templates.Render(ctx, prompt.BuiltinDiscussionFacilitator, map[string]interface{}{
		"topic":         topic,
		"round":         round,
		"contributions": formatContributions(contributions),
	})
	if err != nil {
		return "", 0, false
	}
	output, err := s.registry.Execute(ctx, facilitatorID, &registry.ExecutionInput{
		Prompt:  rendered,
		Context: map[string]interface{}{"userId": userID, "round": round},
	})
	if err != nil || !output.Success {
		return "", 0, false
	}

	block, ok := core.FirstJSONObject(prompt.Stringify(output.Result))
	if !ok {
		return "", 0, false
	}
	var verdict facilitatorVerdict
	if err := json.Unmarshal([]byte(block), &verdict); err != nil {
		return "", 0, false
	}
	return verdict.Synthesis, clamp01(verdict.ConsensusScore), true
}

// unanimousScore is the minimum agreement; a minimum below 0.8 is halved to
// penalize outliers
func unanimousScore(contributions []Contribution) float64 {
	min := 1.0
	for _, c := range contributions {
		if c.AgreementScore < min {
			min = c.AgreementScore
		}
	}
	if min >= 0.8 {
		return min
	}
	return min * 0.5
}

func majorityScore(contributions []Contribution) float64 {
	if len(contributions) == 0 {
		return 0
	}
	var sum float64
	for _, c := range contributions {
		sum += c.AgreementScore
	}
	return sum / float64(len(contributions))
}

func weightedScore(participants []Participant, contributions []Contribution) float64 {
	weights := make(map[string]float64, len(participants))
	for _, p := range participants {
		weight := p.Weight
		if weight <= 0 {
			weight = 1
		}
		weights[p.ID] = weight
	}
	var weightedSum, totalWeight float64
	for _, c := range contributions {
		weight := weights[c.ParticipantID]
		if weight <= 0 {
			weight = 1
		}
		weightedSum += c.AgreementScore * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// converged reports whether the discussion should terminate: the last score
// reached the threshold, or three or more rounds show monotonically
// non-decreasing scores whose mean is within 90% of the threshold.
func converged(rounds []Round, threshold float64) bool {
	n := len(rounds)
	if n == 0 {
		return false
	}
	if rounds[n-1].ConsensusScore >= threshold {
		return true
	}
	if n < 3 {
		return false
	}
	var sum float64
	for i, r := range rounds {
		if i > 0 && r.ConsensusScore < rounds[i-1].ConsensusScore {
			return false
		}
		sum += r.ConsensusScore
	}
	return sum/float64(n) >= 0.9*threshold
}

var agreementPattern = regexp.MustCompile(`(?i)agreement[:\s]*([0-9]+(?:\.[0-9]+)?)\s*/\s*10`)

// extractAgreement pulls the self-declared "agreement N/10" score from a
// contribution, normalized to 0..1. Absent or malformed scores default to 0.5.
func extractAgreement(content string) float64 {
	match := agreementPattern.FindStringSubmatch(content)
	if match == nil {
		return 0.5
	}
	n, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0.5
	}
	return clamp01(n / 10)
}

func formatContributions(contributions []Contribution) string {
	var b strings.Builder
	for _, c := range contributions {
		fmt.Fprintf(&b, "[%s] %s\n", c.Role, c.Content)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Service) publish(id, eventType string, fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{ID: id, Type: eventType, Fields: fields})
}
