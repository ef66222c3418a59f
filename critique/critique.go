// Package critique implements the iterative self-critique loop: execute a
// seed task, score the output against weighted quality criteria, and refine
// until the quality threshold is met or the iteration budget runs out.
package critique

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slopmasterai/maestro/core"
	"github.com/slopmasterai/maestro/prompt"
	"github.com/slopmasterai/maestro/registry"
	"github.com/slopmasterai/maestro/telemetry"
)

// Event types published per critique run
const (
	EventIterationStarted = "iteration-started"
	EventIteration        = "iteration"
	EventConverged        = "converged"
	EventMaxIterations    = "max-iterations"
	EventCompleted        = "completed"
)

// Criterion is one weighted quality dimension
type Criterion struct {
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	EvaluationPrompt string  `json:"evaluationPrompt,omitempty"`
	Weight           float64 `json:"weight"`
	Threshold        float64 `json:"threshold"`
}

// SeedTask describes the work being critiqued
type SeedTask struct {
	AgentType        string `json:"agentType"`
	AgentID          string `json:"agentId,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	PromptTemplateID string `json:"promptTemplateId,omitempty"`
	Description      string `json:"description,omitempty"`
}

// Options configures a critique run
type Options struct {
	MaxIterations               int         `json:"maxIterations"`
	QualityCriteria             []Criterion `json:"qualityCriteria"`
	StopOnQualityThreshold      float64     `json:"stopOnQualityThreshold"`
	EvaluationPromptTemplateID  string      `json:"evaluationPromptTemplate,omitempty"`
	ImprovementPromptTemplateID string      `json:"improvementPromptTemplate,omitempty"`
	EvaluatorAgentID            string      `json:"evaluatorAgentId,omitempty"`
	TimeoutMs                   int64       `json:"timeoutMs,omitempty"`
}

// Verdict is one evaluation of an output
type Verdict struct {
	OverallScore   float64            `json:"overallScore"`
	CriteriaScores map[string]float64 `json:"criteriaScores"`
	Feedback       string             `json:"feedback"`
	Suggestions    []string           `json:"suggestions,omitempty"`
	MeetsThreshold bool               `json:"meetsThreshold"`
}

// Iteration records one round of the loop
type Iteration struct {
	Iteration  int       `json:"iteration"`
	Output     string    `json:"output"`
	Critique   Verdict   `json:"critique"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the outcome of a critique run
type Result struct {
	ID          string      `json:"id"`
	Iterations  []Iteration `json:"iterations"`
	FinalOutput string      `json:"finalOutput"`
	FinalScore  float64     `json:"finalScore"`
	Converged   bool        `json:"converged"`
	DurationMs  int64       `json:"durationMs"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`
}

// Config holds service defaults
type Config struct {
	DefaultMaxIterations int
	DefaultStopThreshold float64
	DefaultTimeout       time.Duration
}

// DefaultConfig returns the critique service defaults
func DefaultConfig() Config {
	return Config{
		DefaultMaxIterations: 3,
		DefaultStopThreshold: 0.8,
		DefaultTimeout:       5 * time.Minute,
	}
}

// Service runs the self-critique loop
type Service struct {
	registry  *registry.Registry
	templates *prompt.Store
	bus       *core.EventBus
	logger    core.Logger
	config    Config
}

// NewService creates the critique service
func NewService(reg *registry.Registry, templates *prompt.Store, bus *core.EventBus, logger core.Logger, config Config) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultConfig()
	if config.DefaultMaxIterations <= 0 {
		config.DefaultMaxIterations = defaults.DefaultMaxIterations
	}
	if config.DefaultStopThreshold <= 0 {
		config.DefaultStopThreshold = defaults.DefaultStopThreshold
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	return &Service{registry: reg, templates: templates, bus: bus, logger: logger, config: config}
}

// Run executes the critique loop until convergence, the iteration budget, or
// the wall-clock timeout.
func (s *Service) Run(ctx context.Context, seed SeedTask, opts Options, userID string) (*Result, error) {
	if len(opts.QualityCriteria) == 0 {
		return nil, &core.EngineError{Op: "critique.Run", Kind: core.KindValidation, Message: "at least one quality criterion is required", Err: core.ErrInvalidConfiguration}
	}
	if seed.Prompt == "" && seed.PromptTemplateID == "" {
		return nil, &core.EngineError{Op: "critique.Run", Kind: core.KindValidation, Message: "seed task needs a prompt or template", Err: core.ErrInvalidConfiguration}
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.config.DefaultMaxIterations
	}
	stopThreshold := opts.StopOnQualityThreshold
	if stopThreshold <= 0 {
		stopThreshold = s.config.DefaultStopThreshold
	}
	evalTemplate := opts.EvaluationPromptTemplateID
	if evalTemplate == "" {
		evalTemplate = prompt.BuiltinCritiqueEvaluation
	}
	improveTemplate := opts.ImprovementPromptTemplateID
	if improveTemplate == "" {
		improveTemplate = prompt.BuiltinCritiqueImprovement
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, span := telemetry.StartSpan(runCtx, "critique.run")
	defer span.End()

	result := &Result{ID: uuid.New().String(), StartedAt: time.Now()}
	telemetry.SetSpanAttributes(runCtx, "critique.id", result.ID, "critique.max_iterations", maxIterations)

	var previous *Iteration
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if runCtx.Err() != nil {
			break
		}
		iterStart := time.Now()
		s.publish(result.ID, EventIterationStarted, map[string]interface{}{"iteration": iteration})

		var output string
		var err error
		if iteration == 1 {
			output, err = s.executeSeed(runCtx, seed, userID)
		} else {
			output, err = s.improve(runCtx, seed, improveTemplate, previous, userID)
		}
		if err != nil {
			if len(result.Iterations) == 0 {
				return nil, err
			}
			// Terminate with the partial results collected so far
			s.logger.Warn("Critique iteration failed, terminating with partial results", map[string]interface{}{
				"critique_id": result.ID,
				"iteration":   iteration,
				"error":       err.Error(),
			})
			break
		}

		verdict := s.evaluate(runCtx, opts, evalTemplate, seed, output, userID)
		iter := Iteration{
			Iteration:  iteration,
			Output:     output,
			Critique:   verdict,
			DurationMs: time.Since(iterStart).Milliseconds(),
			Timestamp:  time.Now(),
		}
		result.Iterations = append(result.Iterations, iter)
		previous = &result.Iterations[len(result.Iterations)-1]

		s.publish(result.ID, EventIteration, map[string]interface{}{
			"iteration":       iteration,
			"overall_score":   verdict.OverallScore,
			"criteria_scores": verdict.CriteriaScores,
			"meets_threshold": verdict.MeetsThreshold,
		})

		if verdict.MeetsThreshold && verdict.OverallScore >= stopThreshold {
			result.Converged = true
			s.publish(result.ID, EventConverged, map[string]interface{}{
				"iteration": iteration,
				"score":     verdict.OverallScore,
			})
			break
		}
		if iteration == maxIterations {
			s.publish(result.ID, EventMaxIterations, map[string]interface{}{"iterations": iteration})
		}
	}

	if last := len(result.Iterations); last > 0 {
		result.FinalOutput = result.Iterations[last-1].Output
		result.FinalScore = result.Iterations[last-1].Critique.OverallScore
	}
	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	telemetry.Counter("critique.completed", "converged", fmt.Sprintf("%t", result.Converged))
	s.publish(result.ID, EventCompleted, map[string]interface{}{
		"iterations":  len(result.Iterations),
		"converged":   result.Converged,
		"final_score": result.FinalScore,
	})
	return result, nil
}

func (s *Service) executeSeed(ctx context.Context, seed SeedTask, userID string) (string, error) {
	seedPrompt := seed.Prompt
	if seed.PromptTemplateID != "" {
		rendered, err := s.templates.Render(ctx, seed.PromptTemplateID, map[string]interface{}{})
		if err != nil {
			return "", err
		}
		seedPrompt = rendered
	}
	return s.invoke(ctx, seed, seedPrompt, userID)
}

func (s *Service) improve(ctx context.Context, seed SeedTask, improveTemplate string, previous *Iteration, userID string) (string, error) {
	scores, _ := json.Marshal(previous.Critique.CriteriaScores)
	improvePrompt, err := s.templates.Render(ctx, improveTemplate, map[string]interface{}{
		"output":      previous.Output,
		"feedback":    previous.Critique.Feedback,
		"scores":      string(scores),
		"suggestions": strings.Join(previous.Critique.Suggestions, "\n"),
	})
	if err != nil {
		return "", err
	}
	return s.invoke(ctx, seed, improvePrompt, userID)
}

// evaluate scores an output against the criteria. A response that yields no
// parseable verdict scores every criterion 0.5 and fails the threshold.
func (s *Service) evaluate(ctx context.Context, opts Options, evalTemplate string, seed SeedTask, output, userID string) Verdict {
	evalPrompt, err := s.templates.Render(ctx, evalTemplate, map[string]interface{}{
		"criteria": formatCriteria(opts.QualityCriteria),
		"output":   output,
		"task":     seed.Description,
	})
	if err != nil {
		return fallbackVerdict(opts.QualityCriteria)
	}

	evaluator := SeedTask{AgentType: string(registry.AgentTypeLLM), AgentID: opts.EvaluatorAgentID}
	response, err := s.invoke(ctx, evaluator, evalPrompt, userID)
	if err != nil {
		return fallbackVerdict(opts.QualityCriteria)
	}

	verdict, ok := parseVerdict(response, opts.QualityCriteria)
	if !ok {
		s.logger.Warn("Unparseable critique verdict, using fallback scores", map[string]interface{}{
			"response_length": len(response),
		})
		return fallbackVerdict(opts.QualityCriteria)
	}
	return verdict
}

func (s *Service) invoke(ctx context.Context, task SeedTask, taskPrompt, userID string) (string, error) {
	var agent *registry.AgentRecord
	var err error
	if task.AgentID != "" {
		agent, err = s.registry.Resolve(ctx, task.AgentID)
	} else {
		agent, err = s.registry.ResolveDefault(ctx, registry.AgentType(task.AgentType))
	}
	if err != nil {
		return "", err
	}
	output, err := s.registry.Execute(ctx, agent.ID, &registry.ExecutionInput{
		Prompt:  taskPrompt,
		Context: map[string]interface{}{"userId": userID},
	})
	if err != nil {
		return "", err
	}
	if !output.Success {
		return "", &core.EngineError{Op: "critique.invoke", Kind: core.KindExecution, ID: agent.ID, Message: output.Error}
	}
	return prompt.Stringify(output.Result), nil
}

// parseVerdict extracts the first JSON object from an evaluator response and
// computes the weighted overall score.
func parseVerdict(response string, criteria []Criterion) (Verdict, bool) {
	block, ok := core.FirstJSONObject(response)
	if !ok {
		return Verdict{}, false
	}
	var raw struct {
		CriteriaScores map[string]float64 `json:"criteriaScores"`
		Feedback       string             `json:"feedback"`
		Suggestions    []string           `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(block), &raw); err != nil || len(raw.CriteriaScores) == 0 {
		return Verdict{}, false
	}

	verdict := Verdict{
		CriteriaScores: make(map[string]float64, len(criteria)),
		Feedback:       raw.Feedback,
		Suggestions:    raw.Suggestions,
		MeetsThreshold: true,
	}
	var weightedSum, totalWeight float64
	for _, c := range criteria {
		score, ok := raw.CriteriaScores[c.Name]
		if !ok {
			score = 0.5
		}
		score = clamp01(score)
		verdict.CriteriaScores[c.Name] = score
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		weightedSum += score * weight
		totalWeight += weight
		if score < c.Threshold {
			verdict.MeetsThreshold = false
		}
	}
	if totalWeight > 0 {
		verdict.OverallScore = weightedSum / totalWeight
	}
	return verdict, true
}

func fallbackVerdict(criteria []Criterion) Verdict {
	verdict := Verdict{
		CriteriaScores: make(map[string]float64, len(criteria)),
		Feedback:       "evaluation response could not be parsed",
		MeetsThreshold: false,
		OverallScore:   0.5,
	}
	for _, c := range criteria {
		verdict.CriteriaScores[c.Name] = 0.5
	}
	return verdict
}

func formatCriteria(criteria []Criterion) string {
	var b strings.Builder
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s: %s (weight %.2f, threshold %.2f)\n", c.Name, c.Description, c.Weight, c.Threshold)
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
