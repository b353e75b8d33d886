// Package planner turns a structured query intent into an execution plan
// of remote tool calls.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/models"
)

// Complexity buckets a plan's weighted size
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ToolCall is one concrete remote tool invocation
type ToolCall struct {
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Timeout    time.Duration  `json:"timeout"`
	RetryCount int            `json:"retry_count"`
}

// Step bundles the tool calls of one data source
type Step struct {
	ID            string        `json:"step_id"`
	DataSource    string        `json:"data_source"`
	ToolCalls     []ToolCall    `json:"tool_calls"`
	Required      bool          `json:"required"`
	DependsOn     []string      `json:"depends_on"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// ExecutionPlan is the immutable retrieval strategy for one query
type ExecutionPlan struct {
	ID            string        `json:"plan_id"`
	Steps         []Step        `json:"steps"`
	EstimatedTime time.Duration `json:"estimated_time"`
	Complexity    Complexity    `json:"complexity"`
	Parallel      bool          `json:"parallel_execution"`
}

// Mode names the execution strategy
func (p *ExecutionPlan) Mode() string {
	if p.Parallel {
		return "parallel"
	}
	return "sequential"
}

// CatalogSource supplies the catalog snapshot a plan is built from
type CatalogSource interface {
	Catalog() Catalog
}

// Catalog satisfies CatalogSource so a fixed catalog can be used directly
func (c Catalog) Catalog() Catalog { return c }

// dataSource is a catalog entry resolved against one intent
type dataSource struct {
	name     string
	priority int
	required bool
	calls    []ToolCall
}

var planNamespace = uuid.MustParse("6f1c1f5e-8d0a-4c4e-9a51-3b7d8e2f4a10")

// Planner builds execution plans
type Planner struct {
	catalog CatalogSource
	logger  logging.Logger
	metrics metrics.Collector
	now     func() time.Time
}

// Option configures a Planner
type Option func(*Planner)

// WithClock overrides the time source used for time-range arguments
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithLogger sets the planner's logger
func WithLogger(logger logging.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// WithMetrics sets the collector plans are counted in
func WithMetrics(collector metrics.Collector) Option {
	return func(p *Planner) { p.metrics = collector }
}

// New creates a planner over the given catalog source
func New(catalog CatalogSource, opts ...Option) *Planner {
	p := &Planner{
		catalog: catalog,
		logger:  logging.NewNop(),
		metrics: metrics.NewNopCollector(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan maps intent to a validated execution plan. Failures are returned
// as *PlanError.
func (p *Planner) Plan(ctx context.Context, intent *models.Intent) (*ExecutionPlan, error) {
	if intent == nil {
		return nil, invalid("No intent to plan")
	}
	logger := p.logger.WithContext(ctx)
	now := p.now()
	catalog := p.catalog.Catalog()

	sources, known, err := resolveSources(catalog, intent, now, logger)
	if err != nil {
		return nil, err
	}
	if known == 0 {
		return nil, &PlanError{
			Reason: "None of the requested data sources are available",
			Err:    ErrNoDataSources,
		}
	}

	plan := buildPlan(sources, intent)
	plan.ID, err = planID(intent, now)
	if err != nil {
		return nil, fmt.Errorf("failed to derive plan id: %w", err)
	}

	if err := Validate(plan); err != nil {
		logger.Warn("Execution plan rejected", logging.Err(err))
		return nil, err
	}

	p.metrics.IncrementCounter(metrics.PlansCreated.Name,
		metrics.Labels("complexity", string(plan.Complexity), "mode", plan.Mode()))
	logger.Info("Execution plan created",
		logging.String("plan_id", plan.ID),
		logging.Int("steps", len(plan.Steps)),
		logging.String("complexity", string(plan.Complexity)),
		logging.Duration("estimated_time", plan.EstimatedTime),
		logging.Bool("parallel", plan.Parallel),
	)
	return plan, nil
}

// resolveSources looks up each requested source and builds its calls.
// known counts the requested names present in the catalog.
func resolveSources(catalog Catalog, intent *models.Intent, now time.Time, logger logging.Logger) ([]dataSource, int, error) {
	sources := make([]dataSource, 0, len(intent.DataSources))
	known := 0

	for _, name := range intent.DataSources {
		spec, ok := catalog[name]
		if !ok {
			logger.Warn("Unknown data source", logging.String("data_source", name))
			continue
		}
		known++

		var calls []ToolCall
		for _, tmpl := range spec.Tools {
			if !tmpl.Applies(intent.Type) {
				continue
			}
			args, err := buildArguments(tmpl, intent, now)
			if err != nil {
				return nil, 0, &PlanError{
					Reason: fmt.Sprintf("Invalid arguments for %s: %v", tmpl.Name, err),
					Err:    ErrInvalidPlan,
				}
			}
			calls = append(calls, ToolCall{
				ToolName:   tmpl.Name,
				Arguments:  args,
				Timeout:    tmpl.TimeoutDuration(),
				RetryCount: tmpl.Retries(),
			})
		}

		if len(calls) > 0 {
			sources = append(sources, dataSource{
				name:     name,
				priority: spec.EffectivePriority(),
				required: spec.IsRequired(),
				calls:    calls,
			})
		}
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].priority > sources[j].priority
	})
	return sources, known, nil
}

// buildArguments merges defaults, mapped intent fields and the time range
func buildArguments(tmpl ToolTemplate, intent *models.Intent, now time.Time) (map[string]any, error) {
	args := make(map[string]any, len(tmpl.DefaultArgs)+len(tmpl.ArgumentMapping)+2)
	for k, v := range tmpl.DefaultArgs {
		args[k] = v
	}

	names := make([]string, 0, len(tmpl.ArgumentMapping))
	for name := range tmpl.ArgumentMapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mapping := tmpl.ArgumentMapping[name]
		value, ok := lookupField(intent, mapping)
		if !ok {
			continue
		}
		converted, err := mapping.Transform.Apply(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		args[name] = converted
	}

	if tr := intent.TimeRange; tr != nil && tr.Type != models.TimeRangeNone {
		for k, v := range timeRangeArgs(tr, now) {
			args[k] = v
		}
	}
	return args, nil
}

func lookupField(intent *models.Intent, mapping ArgumentMapping) (any, bool) {
	var bucket map[string]any
	switch mapping.Source {
	case SourceEntities:
		bucket = intent.Entities
	case SourceFilters:
		bucket = intent.Filters
	case SourceIntent:
		bucket = intentFields(intent)
	default:
		return nil, false
	}

	if mapping.Field == WholeBucket {
		if len(bucket) == 0 {
			return nil, false
		}
		return bucket, true
	}
	value, ok := bucket[mapping.Field]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func intentFields(intent *models.Intent) map[string]any {
	fields := map[string]any{
		"intent_type": string(intent.Type),
		"confidence":  intent.Confidence,
	}
	if intent.OutputFormat != "" {
		fields["output_format"] = intent.OutputFormat
	}
	if len(intent.DataSources) > 0 {
		fields["data_sources"] = intent.DataSources
	}
	return fields
}

func buildPlan(sources []dataSource, intent *models.Intent) *ExecutionPlan {
	parallel := len(sources) > 1
	for _, ds := range sources {
		if ds.required && len(ds.calls) != 1 {
			parallel = false
			break
		}
	}

	plan := &ExecutionPlan{
		Steps:    make([]Step, 0, len(sources)),
		Parallel: parallel,
	}

	for i, ds := range sources {
		step := Step{
			ID:         fmt.Sprintf("step_%d", i+1),
			DataSource: ds.name,
			ToolCalls:  ds.calls,
			Required:   ds.required,
			DependsOn:  []string{},
		}
		for _, call := range ds.calls {
			step.EstimatedTime += call.Timeout
		}
		if !parallel && i > 0 {
			step.DependsOn = []string{fmt.Sprintf("step_%d", i)}
		}

		if parallel {
			plan.EstimatedTime = max(plan.EstimatedTime, step.EstimatedTime)
		} else {
			plan.EstimatedTime += step.EstimatedTime
		}
		plan.Steps = append(plan.Steps, step)
	}

	plan.Complexity = classify(sources, intent)
	return plan
}

func classify(sources []dataSource, intent *models.Intent) Complexity {
	tools := 0
	for _, ds := range sources {
		tools += len(ds.calls)
	}
	score := tools*2 + len(sources)*3 + len(intent.Entities) + len(intent.Filters)

	switch {
	case score <= 5:
		return ComplexitySimple
	case score <= 15:
		return ComplexityMedium
	default:
		return ComplexityComplex
	}
}

// planID derives a stable id from the intent and planning time
func planID(intent *models.Intent, now time.Time) (string, error) {
	canonical, err := json.Marshal(struct {
		Intent *models.Intent `json:"intent"`
		At     string         `json:"at"`
	}{intent, now.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(planNamespace, canonical).String(), nil
}
