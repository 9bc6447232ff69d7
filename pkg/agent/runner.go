package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/marinabox/marinabox/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "marinabox.agent"

// Defaults applied by NewRunner
const (
	DefaultMaxIterations = 20
	DefaultMaxTokens     = 4096
)

// ErrUnresolvedToolUse is returned when a conversation handed to Continue
// still has tool uses without results.
var ErrUnresolvedToolUse = errors.New("conversation has unanswered tool uses")

// ErrEmptyTask is returned by Run for a blank task.
var ErrEmptyTask = errors.New("task cannot be empty")

// ToolSet is the set of tools bound to one session.
type ToolSet interface {
	Schemas() []tools.Schema
	// Run reports every failure in the returned Result.
	Run(ctx context.Context, name string, input map[string]any) tools.Result
}

// Config holds runner configuration
type Config struct {
	Provider LLMProvider
	Tools    ToolSet

	Model         string
	MaxTokens     int
	MaxIterations int

	SystemPromptSuffix string
	DisplayWidth       int
	DisplayHeight      int

	// Per-call bounds; zero means no bound beyond the caller's context.
	ModelTimeout time.Duration
	ToolTimeout  time.Duration

	// OnlyNMostRecentImages keeps only that many screenshots in each
	// request. Zero keeps all of them.
	OnlyNMostRecentImages int

	OnEvent   EventHandler
	SessionID string
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Runner drives one conversation between a model and a session's tools.
// Model turns are strictly serialized; tool calls within a turn run
// concurrently.
type Runner struct {
	provider LLMProvider
	tools    ToolSet

	model         string
	maxTokens     int
	maxIterations int
	system        string

	modelTimeout time.Duration
	toolTimeout  time.Duration
	recentImages int

	onEvent   EventHandler
	sessionID string
	logger    zerolog.Logger
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool set is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations cannot be negative")
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}

	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.DisplayWidth <= 0 || cfg.DisplayHeight <= 0 {
		cfg.DisplayWidth, cfg.DisplayHeight = 1280, 800
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Runner{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		system:        SystemPrompt(cfg.DisplayWidth, cfg.DisplayHeight, cfg.Now(), cfg.SystemPromptSuffix),
		modelTimeout:  cfg.ModelTimeout,
		toolTimeout:   cfg.ToolTimeout,
		recentImages:  cfg.OnlyNMostRecentImages,
		onEvent:       cfg.OnEvent,
		sessionID:     cfg.SessionID,
		logger:        cfg.Logger.With().Str("component", "agent_runner").Logger(),
	}, nil
}

// Run starts a conversation with task as the user turn.
func (r *Runner) Run(ctx context.Context, task string) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	return r.Continue(ctx, Conversation{&UserTurn{Text: task}})
}

// Continue resumes conv, which must not have unanswered tool uses.
//
// The returned Result is non-nil whenever the loop started. A model failure
// yields StateModelError and a *ModelCallError; cancellation yields
// StateCancelled and a nil error.
func (r *Runner) Continue(ctx context.Context, conv Conversation) (*Result, error) {
	if len(conv) == 0 {
		return nil, fmt.Errorf("conversation is empty")
	}
	if pending := conv.Pending(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedToolUse, strings.Join(pending, ", "))
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewRunContext(ctx, r.sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("provider", r.provider.Provider()),
		attribute.String("model", r.model),
		attribute.String("session_id", r.sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	result := &Result{Conversation: conv.Clone()}
	defer func() {
		span.SetAttributes(
			attribute.String("state", string(result.State)),
			attribute.Int("iterations", result.Iterations),
		)
		observability.RecordAgentRun(r.provider.Provider(), string(result.State), time.Since(start), result.Iterations)
		logger.Info().
			Str("state", string(result.State)).
			Int("iterations", result.Iterations).
			Int("input_tokens", result.Usage.InputTokens).
			Int("output_tokens", result.Usage.OutputTokens).
			Dur("duration", time.Since(start)).
			Msg("Agent run finished")
	}()

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if ctx.Err() != nil {
			result.State = StateCancelled
			return result, nil
		}
		result.Iterations = iteration

		response, err := r.callModel(ctx, iteration, result.Conversation)
		if err != nil {
			if ctx.Err() != nil {
				result.State = StateCancelled
				return result, nil
			}
			result.State = StateModelError
			callErr := &ModelCallError{Provider: r.provider.Provider(), Iteration: iteration, Err: err}
			tracing.RecordError(span, callErr)
			logger.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			return result, callErr
		}
		result.Usage.add(response.Usage)

		turn := &AssistantTurn{Blocks: response.Blocks}
		result.Conversation = append(result.Conversation, turn)
		for _, b := range turn.Blocks {
			switch block := b.(type) {
			case *TextBlock:
				r.emit(Event{Kind: EventText, Iteration: iteration, Text: block.Text})
			case *ToolUseBlock:
				r.emit(Event{Kind: EventToolUse, Iteration: iteration, ToolUseID: block.ID, ToolName: block.Name, Input: block.Input})
			}
		}

		uses := turn.ToolUses()
		if len(uses) == 0 {
			result.State = StateDone
			return result, nil
		}

		logger.Debug().Int("iteration", iteration).Int("tool_calls", len(uses)).Msg("Dispatching tool calls")
		results := r.runTools(ctx, uses)
		for i, tu := range uses {
			result.Conversation = append(result.Conversation, &ToolResultTurn{ToolUseID: tu.ID, Result: results[i]})
			r.emitToolResult(iteration, tu, results[i])
		}
	}

	result.State = StateIterationLimitReached
	return result, nil
}

func (r *Runner) callModel(ctx context.Context, iteration int, conv Conversation) (*LLMResponse, error) {
	request := LLMRequest{
		Model:     r.model,
		System:    r.system,
		MaxTokens: r.maxTokens,
		Messages:  filterRecentImages(conv, r.recentImages),
		Tools:     r.tools.Schemas(),
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.model_call", attribute.Int("iteration", iteration))
	defer span.End()

	callCtx := ctx
	if r.modelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.modelTimeout)
		defer cancel()
	}

	start := time.Now()
	response, err := r.provider.Call(callCtx, request)
	success := err == nil && response != nil
	if err == nil && response == nil {
		err = errors.New("provider returned no response")
	}

	var inTok, outTok int
	if success && response.Usage != nil {
		inTok, outTok = response.Usage.InputTokens, response.Usage.OutputTokens
	}
	observability.RecordModelCall(r.provider.Provider(), time.Since(start), success, inTok, outTok)
	tracing.RecordError(span, err)

	if err != nil {
		r.emit(Event{Kind: EventAPIError, Iteration: iteration, Request: &request, Err: err, Error: err.Error()})
		return nil, err
	}
	r.emit(Event{Kind: EventAPIResponse, Iteration: iteration, Request: &request, Response: response})
	return response, nil
}

// runTools executes every tool use concurrently and returns results in
// block order. Calls run on a context detached from the caller so that a
// cancellation lets in-flight calls finish.
func (r *Runner) runTools(ctx context.Context, uses []*ToolUseBlock) []tools.Result {
	toolCtx := tracing.Detach(ctx)
	results := make([]tools.Result, len(uses))

	var wg sync.WaitGroup
	for i, tu := range uses {
		wg.Add(1)
		go func(idx int, use *ToolUseBlock) {
			defer wg.Done()

			callCtx := toolCtx
			if r.toolTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(toolCtx, r.toolTimeout)
				defer cancel()
			}
			results[idx] = r.tools.Run(callCtx, use.Name, use.Input)
		}(i, tu)
	}
	wg.Wait()

	return results
}

func (r *Runner) emitToolResult(iteration int, use *ToolUseBlock, res tools.Result) {
	base := Event{Iteration: iteration, ToolUseID: use.ID, ToolName: use.Name}
	if res.Output != "" {
		ev := base
		ev.Kind, ev.Text = EventToolOutput, res.Output
		r.emit(ev)
	}
	if res.Base64Image != "" {
		ev := base
		ev.Kind, ev.Image = EventToolOutputImage, res.Base64Image
		r.emit(ev)
	}
	if res.Error != "" {
		ev := base
		ev.Kind, ev.Error = EventToolError, res.Error
		r.emit(ev)
	}
}

func (r *Runner) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
