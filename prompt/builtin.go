package prompt

import "time"

// Built-in template IDs, installed at startup. They can be overridden by
// user templates stored under the same ID.
const (
	BuiltinCritiqueEvaluation    = "critique-evaluation"
	BuiltinCritiqueImprovement   = "critique-improvement"
	BuiltinDiscussionParticipant = "discussion-participant"
	BuiltinDiscussionFacilitator = "discussion-facilitator"
)

func builtinTemplates() []*Template {
	now := time.Now()
	return []*Template{
		{
			ID:          BuiltinCritiqueEvaluation,
			Name:        "Critique Evaluation",
			Description: "Scores an output against weighted quality criteria",
			Category:    "critique",
			Tags:        []string{"critique", "evaluation", "builtin"},
			Content: `You are a rigorous quality evaluator.

Evaluate the following output against each criterion.

Criteria:
{{criteria}}

Output to evaluate:
{{output}}

Original task:
{{task}}

Respond with a JSON object of the form:
{"criteriaScores": {"<criterion>": <score 0..1>}, "feedback": "<what is weak and why>", "suggestions": ["<concrete improvement>"]}

Score each criterion between 0 and 1. Be specific in the feedback.`,
			Variables: []Variable{
				{Name: "criteria", Type: VarString, Required: true},
				{Name: "output", Type: VarString, Required: true},
				{Name: "task", Type: VarString, Required: false, Default: ""},
			},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          BuiltinCritiqueImprovement,
			Name:        "Critique Improvement",
			Description: "Rewrites an output to address critique feedback",
			Category:    "critique",
			Tags:        []string{"critique", "improvement", "builtin"},
			Content: `Improve the following output based on the critique below.

Previous output:
{{output}}

Critique feedback:
{{feedback}}

Criteria scores:
{{scores}}

Suggestions:
{{suggestions}}

Produce an improved version that addresses every point of feedback while
preserving what already works. Respond with the improved output only.`,
			Variables: []Variable{
				{Name: "output", Type: VarString, Required: true},
				{Name: "feedback", Type: VarString, Required: true},
				{Name: "scores", Type: VarString, Required: false, Default: ""},
				{Name: "suggestions", Type: VarString, Required: false, Default: ""},
			},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          BuiltinDiscussionParticipant,
			Name:        "Discussion Participant",
			Description: "Prompts a participant for one discussion round",
			Category:    "discussion",
			Tags:        []string{"discussion", "participant", "builtin"},
			Content: `You are participating in a structured discussion as {{role}}.
{{perspective}}

Topic:
{{topic}}

This is round {{round}}.

Synthesis of the previous round:
{{synthesis}}

Previous contributions:
{{contributions}}

Give your contribution for this round: respond to the other participants,
refine or defend your position, and work toward a shared conclusion.
End your contribution with a line of the form "agreement N/10" expressing
how much you agree with the current direction (10 = full agreement).`,
			Variables: []Variable{
				{Name: "role", Type: VarString, Required: true},
				{Name: "perspective", Type: VarString, Required: false, Default: ""},
				{Name: "topic", Type: VarString, Required: true},
				{Name: "round", Type: VarNumber, Required: true},
				{Name: "synthesis", Type: VarString, Required: false, Default: ""},
				{Name: "contributions", Type: VarString, Required: false, Default: ""},
			},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          BuiltinDiscussionFacilitator,
			Name:        "Discussion Facilitator",
			Description: "Synthesizes a round and scores consensus",
			Category:    "discussion",
			Tags:        []string{"discussion", "facilitator", "builtin"},
			Content: `You are facilitating a structured discussion.

Topic:
{{topic}}

Round {{round}} contributions:
{{contributions}}

Synthesize the round and assess consensus. Respond with a JSON object:
{"synthesis": "<summary of shared ground and open points>", "consensusScore": <0..1>, "agreements": ["..."], "disagreements": ["..."], "nextSteps": ["..."]}`,
			Variables: []Variable{
				{Name: "topic", Type: VarString, Required: true},
				{Name: "round", Type: VarNumber, Required: true},
				{Name: "contributions", Type: VarString, Required: true},
			},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}
