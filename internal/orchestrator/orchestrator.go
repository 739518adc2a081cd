// Package orchestrator fans a decompilation artifact out across the
// configured LLM providers: one call per function/import-group/string
// batch, plus an optional overall summary, under bounded concurrency,
// per-call budget and rate-limit checks, and retry with backoff.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/binlens/binlens/internal/apierr"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/binlens/binlens/internal/ratelimit"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrency = 8

// maxStringsPerCall bounds how many strings go into a single
// interpret_strings prompt, per section 4.2 step 2.
const maxStringsPerCall = 64

// Orchestrator runs the translation stage of a job.
type Orchestrator struct {
	clients  map[string]provider.Client
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	log      *zap.Logger
}

// New builds an Orchestrator over the given provider clients.
func New(clients map[string]provider.Client, breakers *breaker.Registry, limiter *ratelimit.Limiter, log *zap.Logger) *Orchestrator {
	return &Orchestrator{clients: clients, breakers: breakers, limiter: limiter, log: log}
}

// selectClient picks explicit providerID when set and available, else the
// lowest-estimated-cost healthy provider, per section 4.2 step 2.
func (o *Orchestrator) selectClient(providerID string) (provider.Client, error) {
	if providerID != "" {
		c, ok := o.clients[providerID]
		if !ok {
			return nil, apierr.ProviderUnavailable(fmt.Sprintf("provider %q not configured", providerID))
		}
		if o.breakers != nil && !o.breakers.Get(providerID).Allow() {
			return nil, apierr.ProviderUnavailable(fmt.Sprintf("provider %q circuit open", providerID))
		}
		return c, nil
	}

	var best provider.Client
	var bestCost float64
	for id, c := range o.clients {
		if o.breakers != nil && !o.breakers.Get(id).Allow() {
			continue
		}
		cost := c.EstimateCost(1000)
		if best == nil || cost < bestCost {
			best, bestCost = c, cost
		}
	}
	if best == nil {
		return nil, apierr.ProviderUnavailable("no healthy provider configured")
	}
	return best, nil
}

// budget tracks remaining USD across a job's translation stage. Safe for
// concurrent use: reserve is called from every function/import/string
// goroutine spawned by Translate, so the spend check and debit must be
// atomic under a mutex rather than sequential.
type budget struct {
	mu        sync.Mutex
	remaining float64
}

func (b *budget) reserve(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining-cost < 0 {
		return false
	}
	b.remaining -= cost
	return true
}

func (b *budget) exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining <= 0
}

// Translate runs the translation stage for a job's decompilation artifact,
// returning the assembled result and any per-item warnings. It never
// returns an error for individual translation failures; those are recorded
// on the corresponding result entry's Error field per section 4.2 step 6.
func (o *Orchestrator) Translate(ctx context.Context, j job.Job, artifact *job.DecompilationArtifact) (*job.TranslationResult, []string, error) {
	result := &job.TranslationResult{
		FunctionTranslations:  make([]job.FunctionTranslation, len(artifact.Functions)),
		ImportExplanations:    make([]job.ImportExplanation, 0),
		StringInterpretations: make([]job.StringInterpretation, 0),
	}
	var warnings []string

	b := &budget{remaining: j.CostLimitUSD}
	if b.remaining <= 0 {
		b.remaining = 1e9 // no configured cap: effectively unbounded
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConcurrency)

	maxFns := len(artifact.Functions)
	if j.Flags.IncludeFunctions && j.MaxFunctionsTranslate > 0 && j.MaxFunctionsTranslate < maxFns {
		maxFns = j.MaxFunctionsTranslate
		warnings = append(warnings, "functions_translate_clamped")
	}

	if j.Flags.IncludeFunctions {
		for i := 0; i < maxFns; i++ {
			i := i
			fn := artifact.Functions[i]
			g.Go(func() error {
				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				defer func() { <-sem }()
				result.FunctionTranslations[i] = o.translateFunction(gctx, j, fn, b)
				return nil
			})
		}
		for i := maxFns; i < len(artifact.Functions); i++ {
			result.FunctionTranslations[i] = job.FunctionTranslation{
				FunctionName: artifact.Functions[i].Name,
				Error:        "skipped: exceeds max_functions_translate",
			}
		}
	}

	importGroups := groupImportsByLibrary(artifact.Imports)
	importResults := make([]job.ImportExplanation, len(importGroups))
	if j.Flags.IncludeImports {
		for i, grp := range importGroups {
			i, grp := i, grp
			g.Go(func() error {
				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				defer func() { <-sem }()
				importResults[i] = o.explainImportGroup(gctx, j, grp, b)
				return nil
			})
		}
	}

	stringBatches := chunkStrings(artifact.Strings, maxStringsPerCall)
	stringResults := make([]job.StringInterpretation, len(stringBatches))
	for i, batch := range stringBatches {
		i, batch := i, batch
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()
			stringResults[i] = o.interpretStrings(gctx, j, batch, b)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, warnings, err
	}

	result.ImportExplanations = importResults
	result.StringInterpretations = append(result.StringInterpretations, stringResults...)

	if j.Flags.IncludeOverallSummary {
		if b.exhausted() {
			warnings = append(warnings, "overall_summary_omitted:cost_budget_exhausted")
		} else {
			summary, err := o.generateSummary(ctx, j, result, b)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("overall_summary_failed:%v", err))
			} else {
				result.OverallSummary = summary
			}
		}
	}

	return result, warnings, nil
}

// chunkStrings splits strs into groups of at most size, preserving order.
func chunkStrings(strs []job.String, size int) [][]job.String {
	if len(strs) == 0 {
		return nil
	}
	out := make([][]job.String, 0, (len(strs)+size-1)/size)
	for i := 0; i < len(strs); i += size {
		end := i + size
		if end > len(strs) {
			end = len(strs)
		}
		out = append(out, strs[i:end])
	}
	return out
}

func groupImportsByLibrary(imports []job.Import) [][]job.Import {
	order := make([]string, 0)
	groups := make(map[string][]job.Import)
	for _, imp := range imports {
		if _, ok := groups[imp.Library]; !ok {
			order = append(order, imp.Library)
		}
		groups[imp.Library] = append(groups[imp.Library], imp)
	}
	out := make([][]job.Import, 0, len(order))
	for _, lib := range order {
		out = append(out, groups[lib])
	}
	return out
}

func (o *Orchestrator) translateFunction(ctx context.Context, j job.Job, fn job.Function, b *budget) job.FunctionTranslation {
	vars := map[string]string{"name": fn.Name, "assembly": fn.RawAssembly}
	if vars["assembly"] == "" {
		vars["assembly"] = fmt.Sprintf("(no disassembly captured for %s)", fn.Name)
	}
	prompt, err := provider.Render("translate_function", string(j.Detail), vars)
	if err != nil {
		return job.FunctionTranslation{FunctionName: fn.Name, Error: err.Error()}
	}

	resp, meta, err := o.call(ctx, j, "translate_function", prompt, b)
	out := job.FunctionTranslation{FunctionName: fn.Name}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Explanation = resp.Text
	out.Metadata = meta
	return out
}

func (o *Orchestrator) explainImportGroup(ctx context.Context, j job.Job, group []job.Import, b *budget) job.ImportExplanation {
	names := make([]string, 0, len(group))
	for _, imp := range group {
		names = append(names, imp.FunctionName)
	}
	prompt, err := provider.Render("explain_imports", string(j.Detail), map[string]string{
		"library":   group[0].Library,
		"functions": joinComma(names),
	})
	if err != nil {
		return job.ImportExplanation{Library: group[0].Library, Error: err.Error()}
	}

	resp, meta, err := o.call(ctx, j, "explain_imports", prompt, b)
	out := job.ImportExplanation{Library: group[0].Library}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Explanation = resp.Text
	out.Metadata = meta
	return out
}

func (o *Orchestrator) interpretStrings(ctx context.Context, j job.Job, strs []job.String, b *budget) job.StringInterpretation {
	values := make([]string, 0, len(strs))
	for _, s := range strs {
		values = append(values, s.Value)
	}
	prompt, err := provider.Render("interpret_strings", string(j.Detail), map[string]string{"values": joinComma(values)})
	out := job.StringInterpretation{Values: values}
	if err != nil {
		out.Error = err.Error()
		return out
	}

	resp, meta, err := o.call(ctx, j, "interpret_strings", prompt, b)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Interpretation = resp.Text
	out.Metadata = meta
	return out
}

func (o *Orchestrator) generateSummary(ctx context.Context, j job.Job, result *job.TranslationResult, b *budget) (string, error) {
	prompt, err := provider.Render("generate_overall_summary", string(j.Detail), map[string]string{
		"aggregate": summarizeAggregate(result),
	})
	if err != nil {
		return "", err
	}
	resp, _, err := o.call(ctx, j, "generate_overall_summary", prompt, b)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func summarizeAggregate(r *job.TranslationResult) string {
	return fmt.Sprintf("%d function translations, %d import explanations, %d string interpretations",
		len(r.FunctionTranslations), len(r.ImportExplanations), len(r.StringInterpretations))
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// call dispatches one provider request with rate-limiting, budget
// enforcement, circuit-breaker gating, and retry with backoff, per
// section 4.2 steps 3-5.
func (o *Orchestrator) call(ctx context.Context, j job.Job, operation, prompt string, b *budget) (provider.TranslateResponse, *job.ProviderMetadata, error) {
	client, err := o.selectClient(j.ProviderID)
	if err != nil {
		return provider.TranslateResponse{}, nil, err
	}

	if o.limiter != nil {
		decision, lerr := o.limiter.Check(ctx, j.Submitter, "standard", ratelimit.CategoryLLM)
		if lerr == nil && !decision.Allowed {
			return provider.TranslateResponse{}, nil, apierr.RateLimited("llm call rate limit exceeded", int(decision.RetryAfter.Seconds()))
		}
	}

	estimatedTokens := client.CountTokens(prompt) * 2
	estimatedCost := client.EstimateCost(estimatedTokens)
	if !b.reserve(estimatedCost) {
		return provider.TranslateResponse{}, nil, apierr.CostLimit("estimated call cost exceeds remaining job budget")
	}

	req := provider.TranslateRequest{Model: j.ModelID, Prompt: prompt, MaxTokens: 1024, Temperature: 0.2}

	operationFn := func() (provider.TranslateResponse, error) {
		var resp provider.TranslateResponse
		var callErr error
		breakerErr := o.runBreaker(client.ID(), func() error {
			var err error
			switch operation {
			case "translate_function":
				resp, err = client.TranslateFunction(ctx, req)
			case "explain_imports":
				resp, err = client.ExplainImports(ctx, req)
			case "interpret_strings":
				resp, err = client.InterpretStrings(ctx, req)
			default:
				resp, err = client.GenerateOverallSummary(ctx, req)
			}
			callErr = err
			return err
		})
		if breakerErr != nil {
			if !isRetryable(breakerErr) {
				return resp, backoff.Permanent(breakerErr)
			}
			return resp, breakerErr
		}
		return resp, callErr
	}

	resp, err := backoff.Retry(ctx, operationFn,
		backoff.WithBackOff(&jitteredBackoff{base: 500 * time.Millisecond}),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return provider.TranslateResponse{}, nil, err
	}

	actualCost := client.EstimateCost(resp.TokensUsed)
	meta := &job.ProviderMetadata{
		ProviderID:      client.ID(),
		ModelID:         req.Model,
		TokensUsed:      resp.TokensUsed,
		ProcessingMS:    resp.ProcessingMS,
		CostEstimateUSD: actualCost,
		Temperature:     req.Temperature,
	}
	return resp, meta, nil
}

func (o *Orchestrator) runBreaker(providerID string, fn func() error) error {
	if o.breakers == nil {
		return fn()
	}
	return o.breakers.Get(providerID).Call(fn)
}

// retryableErr is implemented by adapter errors that carry an upstream
// status code, letting call() distinguish transient failures from ones
// that will fail again unchanged.
type retryableErr interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	if re, ok := err.(retryableErr); ok {
		return re.Retryable()
	}
	return true
}

// jitteredBackoff implements backoff.BackOff with base*2^attempt plus up to
// 250ms of jitter, per section 4.2 step 5.
type jitteredBackoff struct {
	base    time.Duration
	attempt int
}

func (j *jitteredBackoff) NextBackOff() time.Duration {
	d := j.base * time.Duration(1<<uint(j.attempt))
	j.attempt++
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}

func (j *jitteredBackoff) Reset() { j.attempt = 0 }
