package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/stream"
	"github.com/ignatij/crewflow/pkg/supervisor"
	"github.com/pkg/errors"
)

const (
	apiKeyEnv       = "OPENAI_API_KEY"
	defaultModelEnv = "OPENAI_DEFAULT_MODEL"

	// DefaultModel is used when no default model is configured.
	DefaultModel = "gpt-4o-mini"
)

// ProcessRunner runs the worker process. *supervisor.Supervisor
// implements it.
type ProcessRunner interface {
	Run(ctx context.Context, spec supervisor.Spec, onChunk supervisor.ChunkFunc) (supervisor.Exit, error)
}

// Archiver stores the raw transcript of a worker run.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

type SubprocessConfig struct {
	APIKey        string
	DefaultModel  string
	Archive       Archiver // optional
	MaxTranscript int      // bytes archived per run, defaults to DefaultMaxTranscript
}

// SubprocessBackend runs crews through the external worker process.
type SubprocessBackend struct {
	runner ProcessRunner
	cfg    SubprocessConfig
	logger Logger
}

func NewSubprocessBackend(runner ProcessRunner, cfg SubprocessConfig, logger Logger) *SubprocessBackend {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxTranscript <= 0 {
		cfg.MaxTranscript = DefaultMaxTranscript
	}
	return &SubprocessBackend{runner: runner, cfg: cfg, logger: logger}
}

func (b *SubprocessBackend) Name() string { return "subprocess" }

func (b *SubprocessBackend) Check() error {
	if b.cfg.APIKey == "" {
		return runErrorf(ConfigErrorKind, nil, "OpenAI API key not configured")
	}
	return nil
}

func (b *SubprocessBackend) Run(ctx context.Context, run Run) (Outcome, error) {
	crewConfig, err := json.Marshal(run.Snapshot)
	if err != nil {
		return Outcome{}, runErrorf(ConfigErrorKind, err, "failed to serialize crew configuration")
	}
	inputs := []byte("{}")
	if run.Execution.InputVariables != nil {
		if inputs, err = json.Marshal(run.Execution.InputVariables); err != nil {
			return Outcome{}, runErrorf(ConfigErrorKind, err, "failed to serialize input variables")
		}
	}

	executionID := run.Execution.ID
	decoder := stream.NewDecoder()
	tail := &outputTail{max: outputTailSize}
	var raw *transcript
	if b.cfg.Archive != nil {
		raw = &transcript{max: b.cfg.MaxTranscript}
	}
	handle := func(events []stream.Event) {
		for _, ev := range events {
			switch ev.Kind {
			case stream.LogEvent:
				run.Sink.Log(models.ParseLogLevel(ev.Log.Level), ev.Log.Message, ev.Log.Data, ev.Log.TokensUsed)
				if progress, ok := stream.Estimate(ev.Log.Message); ok {
					run.Sink.Progress(progress)
				}
			case stream.MarkerEvent:
				b.logger.Debugf("Execution %s: final result marker received", executionID)
			default:
				tail.add(ev.Raw)
				b.logger.Debugf("Execution %s worker output: %.100s", executionID, ev.Raw)
			}
		}
	}

	_, runErr := b.runner.Run(ctx, supervisor.Spec{
		ExecutionID:    executionID,
		CrewConfig:     crewConfig,
		InputVariables: inputs,
		Env: map[string]string{
			apiKeyEnv:       b.cfg.APIKey,
			defaultModelEnv: b.cfg.DefaultModel,
		},
	}, func(chunk []byte) {
		if raw != nil {
			raw.write(chunk)
		}
		handle(decoder.Feed(chunk))
	})
	handle(decoder.Flush())
	if raw != nil {
		b.archive(ctx, executionID, raw.buf.Bytes())
	}

	if runErr != nil {
		return Outcome{}, classifyRunError(runErr, tail.String())
	}
	payload, seen := decoder.Final()
	return ParseFinalResult(payload, seen)
}

func (b *SubprocessBackend) archive(ctx context.Context, executionID string, transcript []byte) {
	key := fmt.Sprintf("executions/%s/transcript.log", executionID)
	// The run context may already be cancelled; the transcript is still wanted.
	if err := b.cfg.Archive.Put(context.WithoutCancel(ctx), key, transcript); err != nil {
		b.logger.Warnf("Failed to archive transcript of execution %s: %v", executionID, err)
	}
}

// classifyRunError maps a supervisor error to a RunError. A non-zero exit
// quotes the tail of the worker's unstructured output, where tracebacks end
// up.
func classifyRunError(err error, output string) error {
	var launchErr *supervisor.LaunchError
	var exitErr *supervisor.ExitError
	switch {
	case errors.As(err, &launchErr):
		return runErrorf(LaunchErrorKind, launchErr.Err, "failed to start worker")
	case errors.Is(err, supervisor.ErrTimeout):
		return &RunError{Kind: TimeoutErrorKind, Msg: "execution timed out", Err: err}
	case errors.As(err, &exitErr):
		return &RunError{Kind: ExitErrorKind, Err: err, Output: output}
	default:
		return runErrorf(InternalErrorKind, err, "worker run aborted")
	}
}

type finalResult struct {
	Success    *bool           `json:"success"`
	TokensUsed *float64        `json:"tokens_used"`
	Cost       *float64        `json:"cost"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
}

// ParseFinalResult interprets the payload that followed the final result
// marker of a worker that exited with code 0. A missing or malformed
// payload is a protocol violation; a payload with success=false is a
// worker-reported failure carrying the worker's own message.
func ParseFinalResult(payload []byte, seen bool) (Outcome, error) {
	if !seen {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: worker exited without a final result")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: empty final result")
	}
	var res finalResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return Outcome{}, runErrorf(ProtocolErrorKind, err, "protocol violation: invalid final result")
	}
	if res.Success == nil {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: final result has no success flag")
	}
	if !*res.Success {
		msg := res.Error
		if msg == "" {
			msg = "Unknown error from worker"
		}
		return Outcome{}, &RunError{Kind: WorkerErrorKind, Msg: msg}
	}
	if res.TokensUsed == nil || *res.TokensUsed < 0 || math.IsNaN(*res.TokensUsed) {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: final result has no valid tokens_used")
	}
	if res.Cost == nil || *res.Cost < 0 {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: final result has no valid cost")
	}
	if len(res.Result) == 0 || string(res.Result) == "null" {
		return Outcome{}, runErrorf(ProtocolErrorKind, nil, "protocol violation: final result has no result")
	}
	var output interface{}
	if err := json.Unmarshal(res.Result, &output); err != nil {
		return Outcome{}, runErrorf(ProtocolErrorKind, err, "protocol violation: invalid result body")
	}
	return Outcome{
		TokensUsed:  int64(math.Round(*res.TokensUsed)),
		Cost:        *res.Cost,
		FinalOutput: output,
	}, nil
}
