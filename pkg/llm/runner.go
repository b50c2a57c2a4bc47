package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/papergraph/papergraph/pkg/cache"
	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/models"
)

// PromptMode selects one of the progressively smaller prompt variants used
// when an agent's output keeps getting truncated.
type PromptMode string

// Prompt modes, in downgrade order.
const (
	ModeNormal  PromptMode = "normal"
	ModeCompact PromptMode = "compact"
	ModeMinimal PromptMode = "minimal"
)

var modeLadder = []PromptMode{ModeNormal, ModeCompact, ModeMinimal}

// Meter records one usage event per metered model call.
type Meter interface {
	Record(ctx context.Context, event *models.UsageEvent)
}

// Validator is implemented by typed agent outputs that carry their own
// domain validation.
type Validator interface {
	Validate() error
}

// Call describes one structured agent invocation. Prompts maps each
// available mode to its system prompt; agents without adaptive downgrade
// provide only ModeNormal.
type Call struct {
	Agent           string
	Prompts         map[PromptMode]string
	Input           string
	Schema          map[string]any
	PromptVersion   string
	SchemaVersion   string
	Timeout         time.Duration
	MaxOutputTokens int

	// Out receives the parsed JSON output. If it implements Validator the
	// runner validates before accepting.
	Out any
}

// Meta carries the tenant and job identity of a call for cache keying and
// usage metering.
type Meta struct {
	TenantID      string
	UserID        string
	JobID         string
	Stage         string
	APIKey        string
	ExecutionMode models.ExecutionMode
}

// Result reports how the call was satisfied.
type Result struct {
	Cached       bool
	Mode         PromptMode
	Attempts     int
	InputTokens  int
	OutputTokens int
	DurationMS   int64
}

// Runner executes structured LLM calls: cache lookup, semaphore-bounded
// provider calls, retries with error feedback, adaptive mode downgrades,
// and usage metering.
type Runner struct {
	provider Provider
	cache    *cache.CallCache
	sem      *semaphore.Weighted
	meter    Meter
	cfg      config.LLMConfig
	logger   *slog.Logger
}

// NewRunner creates a Runner. meter may be nil, which disables metering.
func NewRunner(provider Provider, callCache *cache.CallCache, meter Meter, cfg config.LLMConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider: provider,
		cache:    callCache,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		meter:    meter,
		cfg:      cfg,
		logger:   logger.With("component", "llm_runner"),
	}
}

// Execute runs a structured call end to end. On success call.Out holds the
// parsed, validated output.
func (r *Runner) Execute(ctx context.Context, meta Meta, call Call) (*Result, error) {
	if call.Prompts[ModeNormal] == "" {
		return nil, fmt.Errorf("agent %s has no normal-mode prompt", call.Agent)
	}
	if meta.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	cacheKey, err := r.cacheKey(meta, call)
	if err != nil {
		return nil, err
	}
	if entry, ok := r.cache.Get(cacheKey); ok {
		if err := r.accept(call, entry.Payload); err == nil {
			r.logger.Debug("cache hit", "agent", call.Agent, "tenant_id", meta.TenantID)
			return &Result{Cached: true, Mode: ModeNormal}, nil
		}
		// A cached payload that no longer validates is stale; fall through
		// to a fresh call.
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	mode := ModeNormal
	feedback := ""
	attempts := r.cfg.MaxRetries + 1
	var lastErr error
	result := &Result{}

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		result.Mode = mode

		resp, dur, err := r.callOnce(ctx, meta, call, mode, feedback, timeout)
		if err != nil {
			return nil, err
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		result.DurationMS += dur.Milliseconds()

		acceptErr := r.accept(call, []byte(resp.Text))
		if !resp.Truncated() && acceptErr == nil {
			if mode == ModeNormal {
				r.cache.Put(cacheKey, cache.CallEntry{
					Payload:       []byte(resp.Text),
					PromptVersion: call.PromptVersion,
					SchemaVersion: call.SchemaVersion,
					DurationMS:    dur.Milliseconds(),
					FinishReason:  resp.FinishReason,
				})
			}
			return result, nil
		}

		// A cut-off response is not always flagged by the finish reason;
		// text that does not terminate its JSON or fails to parse gets the
		// same downgrade treatment when a smaller prompt exists.
		if resp.Truncated() || jsonCutOff(resp.Text, acceptErr) {
			if resp.Truncated() {
				lastErr = fmt.Errorf("output truncated (%s)", resp.FinishReason)
			} else {
				lastErr = acceptErr
			}
			if next, ok := nextMode(call.Prompts, mode); ok {
				r.logger.Warn("output cut off, downgrading prompt mode",
					"agent", call.Agent, "from", mode, "to", next)
				mode = next
				feedback = ""
				continue
			}
		}
		if acceptErr != nil {
			lastErr = acceptErr
			feedback = acceptErr.Error()
			r.logger.Warn("output failed validation, retrying with feedback",
				"agent", call.Agent, "mode", mode, "error", acceptErr)
		}
	}

	return result, &SchemaValidationError{Agent: call.Agent, Mode: mode, Reason: lastErr.Error()}
}

// callOnce acquires a semaphore slot and runs a single provider call under
// the stage timeout. On timeout the in-flight request keeps running in the
// background; the slot is released only when the provider returns, so the
// global concurrency bound is never overshot.
func (r *Runner) callOnce(ctx context.Context, meta Meta, call Call, mode PromptMode, feedback string, timeout time.Duration) (*Response, time.Duration, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("acquiring llm semaphore: %w", err)
	}

	user := call.Input
	if feedback != "" {
		user = fmt.Sprintf("%s\n\nYour previous response was invalid: %s\nReturn corrected JSON only.", call.Input, feedback)
	}

	req := Request{
		Model:           r.cfg.Model,
		System:          call.Prompts[mode],
		User:            user,
		Schema:          call.Schema,
		MaxOutputTokens: call.MaxOutputTokens,
		APIKey:          meta.APIKey,
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	type outcome struct {
		resp *Response
		dur  time.Duration
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer r.sem.Release(1)
		defer cancel()
		resp, err := r.provider.Generate(callCtx, req)
		dur := time.Since(start)
		if resp != nil {
			r.record(meta, call, resp, dur)
		}
		done <- outcome{resp: resp, dur: dur, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, out.dur, &TimeoutError{Agent: call.Agent, Timeout: timeout}
			}
			return nil, out.dur, fmt.Errorf("agent %s: %w", call.Agent, out.err)
		}
		return out.resp, out.dur, nil
	case <-ctx.Done():
		return nil, time.Since(start), ctx.Err()
	}
}

func (r *Runner) record(meta Meta, call Call, resp *Response, dur time.Duration) {
	if r.meter == nil {
		return
	}
	hosted := meta.ExecutionMode != models.ModeBYOKey
	event := &models.UsageEvent{
		TenantID:      meta.TenantID,
		UserID:        meta.UserID,
		PipelineStage: meta.Stage,
		AgentName:     call.Agent,
		Model:         r.cfg.Model,
		Provider:      r.provider.Name(),
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		EstimatedCostUSD: EstimateCost(r.provider.Name(), r.cfg.Model,
			resp.InputTokens, resp.OutputTokens, r.cfg.HostedMarkup, hosted),
		ExecutionMode: meta.ExecutionMode,
		JobID:         meta.JobID,
		Metadata:      map[string]any{"duration_ms": dur.Milliseconds(), "finish_reason": resp.FinishReason},
		Timestamp:     time.Now(),
	}
	// Metering runs on the call goroutine after the response lands; a
	// short background context keeps it from being cut off by job cancel.
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.meter.Record(recordCtx, event)
}

func (r *Runner) cacheKey(meta Meta, call Call) (string, error) {
	return r.cache.Key(cache.CallKey{
		Agent:         call.Agent,
		Model:         r.cfg.Model,
		Provider:      r.provider.Name(),
		PromptVersion: call.PromptVersion,
		SchemaVersion: call.SchemaVersion,
		TenantID:      meta.TenantID,
		Input: map[string]any{
			"system": call.Prompts[ModeNormal],
			"user":   call.Input,
		},
	})
}

// errMalformedJSON marks payloads that failed to parse at all, as opposed
// to well-formed JSON that failed domain validation.
var errMalformedJSON = errors.New("output is not valid JSON")

// jsonCutOff reports whether a response the provider finished normally
// still looks cut off: the text does not end in a JSON terminator, or
// does not parse at all.
func jsonCutOff(text string, acceptErr error) bool {
	if acceptErr == nil {
		return false
	}
	if errors.Is(acceptErr, errMalformedJSON) {
		return true
	}
	trimmed := strings.TrimSpace(text)
	return !strings.HasSuffix(trimmed, "}") && !strings.HasSuffix(trimmed, "]")
}

// accept parses the payload into call.Out and runs domain validation.
func (r *Runner) accept(call Call, payload []byte) error {
	if err := json.Unmarshal(payload, call.Out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedJSON, err)
	}
	if v, ok := call.Out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func nextMode(prompts map[PromptMode]string, current PromptMode) (PromptMode, bool) {
	for i, m := range modeLadder {
		if m == current && i+1 < len(modeLadder) {
			next := modeLadder[i+1]
			if prompts[next] != "" {
				return next, true
			}
		}
	}
	return current, false
}
