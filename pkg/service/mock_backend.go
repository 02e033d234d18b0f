package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/pkg/errors"
)

// pricePerMillion is the per-model price of one million tokens in USD.
var pricePerMillion = map[string]float64{
	"gpt-4o":      5.00,
	"gpt-4o-mini": 0.150,
	"gpt-4-turbo": 10.00,
}

// MockBackend synthesizes a successful run in-process. It is used for demo
// tenants and tests and never launches the worker.
type MockBackend struct {
	model     string
	stepDelay time.Duration
	logger    Logger
}

func NewMockBackend(model string, stepDelay time.Duration, logger Logger) *MockBackend {
	if model == "" {
		model = DefaultModel
	}
	return &MockBackend{model: model, stepDelay: stepDelay, logger: logger}
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Check() error { return nil }

func (b *MockBackend) Run(ctx context.Context, run Run) (Outcome, error) {
	snap := run.Snapshot
	sink := run.Sink
	b.logger.Infof("Starting mock execution %s of crew %s", run.Execution.ID, snap.Name)

	sink.Progress(10)
	agentNames := make(map[string]string, len(snap.Agents))
	for _, a := range snap.Agents {
		agentNames[a.ID] = a.Name
		sink.Log(models.InfoLogLevel, fmt.Sprintf("Initialized agent: %s (%s)", a.Name, a.Role), nil, 0)
		if err := b.pause(ctx); err != nil {
			return Outcome{}, err
		}
	}
	sink.Progress(30)

	topic := inputString(run.Execution.InputVariables, "the specified topic", "topic", "subject")
	audience := inputString(run.Execution.InputVariables, "the target audience", "target", "audience")

	total := len(snap.Tasks)
	results := make([]TaskResult, 0, total)
	var tokens int64
	for i, t := range snap.Tasks {
		n := i + 1
		sink.Log(models.InfoLogLevel, fmt.Sprintf("Task %d/%d: %s", n, total, t.Name), nil, 0)
		if t.AgentID != nil {
			sink.Log(models.InfoLogLevel, fmt.Sprintf("Assigned to: %s", agentNames[*t.AgentID]), nil, 0)
		}
		if err := b.pause(ctx); err != nil {
			return Outcome{}, err
		}
		text := mockTaskResult(t, topic, audience)
		used := estimateTokens(text)
		tokens += used
		results = append(results, TaskResult{TaskID: t.ID, TaskName: t.Name, Result: text, TokensUsed: used})
		sink.Log(models.InfoLogLevel, fmt.Sprintf("Finished task: %s", t.Name), models.JSONMap{"tokens_used": used}, used)
		sink.Progress(30 + 60*n/total)
	}
	sink.Progress(95)

	return Outcome{
		TokensUsed:  tokens,
		Cost:        mockCost(tokens, b.model),
		FinalOutput: mockFinalOutput(snap, results, topic),
		TaskResults: results,
		IsMock:      true,
	}, nil
}

func (b *MockBackend) pause(ctx context.Context) error {
	if b.stepDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(b.stepDelay):
		}
	}
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &RunError{Kind: TimeoutErrorKind, Msg: "execution timed out", Err: err}
	default:
		return runErrorf(InternalErrorKind, err, "mock execution cancelled")
	}
}

func inputString(vars models.JSONMap, fallback string, keys ...string) string {
	for _, k := range keys {
		if s, ok := vars[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// estimateTokens approximates four characters per token.
func estimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

func mockCost(tokens int64, model string) float64 {
	price, ok := pricePerMillion[model]
	if !ok {
		price = pricePerMillion[DefaultModel]
	}
	return float64(tokens) / 1_000_000 * price
}

func mockTaskResult(t models.SnapshotTask, topic, audience string) string {
	name := strings.ToLower(t.Name)
	desc := strings.ToLower(t.Description)
	switch {
	case strings.Contains(name, "research") || strings.Contains(desc, "research"):
		return fmt.Sprintf("# Research notes: %s\n\n"+
			"## Findings\n"+
			"- Adoption of %s keeps growing across industries\n"+
			"- Tooling is moving towards automation\n"+
			"- Teams report better results with small iterative steps\n\n"+
			"## Sources to follow up\n"+
			"1. Recent industry surveys\n"+
			"2. Practitioner case studies\n\n"+
			"_Generated by the mock backend._", topic, topic)
	case strings.Contains(name, "write") || strings.Contains(name, "article"):
		return fmt.Sprintf("# A practical guide to %s\n\n"+
			"Written for %s.\n\n"+
			"## Why it matters\n"+
			"%s saves time and opens new options when it is applied with clear goals.\n\n"+
			"## Getting started\n"+
			"1. Define what success looks like\n"+
			"2. Start small and measure\n"+
			"3. Iterate on feedback\n\n"+
			"## Wrapping up\n"+
			"Treat %s as a habit rather than a project.\n\n"+
			"_Generated by the mock backend._", topic, audience, topic, topic)
	case strings.Contains(name, "analyze") || strings.Contains(name, "analysis"):
		return fmt.Sprintf("# Analysis: %s\n\n"+
			"## Strengths\n- Proven foundation\n- Room to scale\n\n"+
			"## Weaknesses\n- Parts still need tuning\n\n"+
			"## Opportunities\n- New markets show interest\n\n"+
			"## Threats\n- Growing competition\n\n"+
			"_Generated by the mock backend._", topic)
	case strings.Contains(name, "plan") || strings.Contains(name, "strategy"):
		return fmt.Sprintf("# Plan: %s\n\n"+
			"## Phase 1 (months 1-3)\nBuild the foundation and a first release.\n\n"+
			"## Phase 2 (months 4-6)\nGrow reach and tighten processes.\n\n"+
			"## Phase 3 (months 7-12)\nOptimize based on measured results.\n\n"+
			"_Generated by the mock backend._", topic)
	default:
		return fmt.Sprintf("# Result: %s\n\n"+
			"Completed %s for %s.\n\n"+
			"## Next steps\n"+
			"1. Review with stakeholders\n"+
			"2. Plan the implementation\n\n"+
			"_Generated by the mock backend._", t.Name, t.Name, topic)
	}
}

func mockFinalOutput(snap models.Snapshot, results []TaskResult, topic string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Crew results: %s\n\n", snap.Name)
	fmt.Fprintf(&sb, "%d tasks completed by %d agents in %s mode.\n\n", len(results), len(snap.Agents), snap.ProcessType)
	fmt.Fprintf(&sb, "**Topic**: %s\n\n---\n\n", topic)
	for i, r := range results {
		fmt.Fprintf(&sb, "## Task %d: %s\n\n%s\n\n---\n\n", i+1, r.TaskName, r.Result)
	}
	sb.WriteString("_This output was generated by the mock backend for testing._\n")
	return sb.String()
}
