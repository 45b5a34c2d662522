// Command rcaengine is the CLI entrypoint: it loads metadata and
// configuration, compiles one natural-language question through the full
// C1-C11 pipeline (or C3+C12+C6 for a DV question), and prints the
// resulting RCAResult or DV report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/attribution"
	"github.com/reconcilio/rcaengine/internal/config"
	"github.com/reconcilio/rcaengine/internal/confidence"
	"github.com/reconcilio/rcaengine/internal/diffengine"
	"github.com/reconcilio/rcaengine/internal/dvengine"
	"github.com/reconcilio/rcaengine/internal/execengine"
	"github.com/reconcilio/rcaengine/internal/formatter"
	"github.com/reconcilio/rcaengine/internal/graph"
	"github.com/reconcilio/rcaengine/internal/grounder"
	"github.com/reconcilio/rcaengine/internal/intent"
	"github.com/reconcilio/rcaengine/internal/llm"
	"github.com/reconcilio/rcaengine/internal/logging"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/result"
	"github.com/reconcilio/rcaengine/internal/rulecompiler"
	"github.com/reconcilio/rcaengine/internal/runtime"
	"github.com/reconcilio/rcaengine/internal/runtime/memruntime"
	"github.com/reconcilio/rcaengine/internal/scheduler"
	"github.com/reconcilio/rcaengine/internal/sqlcompiler"
	"github.com/reconcilio/rcaengine/internal/trace"
)

// Exit codes for the process.
const (
	exitSuccess         = 0
	exitValidation      = 1
	exitInfrastructure  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml")
	query := flag.String("query", "", "natural language question (RCA or DV)")
	answer := flag.String("answer", "", "answer to a prior clarification request")
	asOfDate := flag.String("as-of", "", "as-of date (YYYY-MM-DD) for the comparison, if not implied by the question")
	debug := flag.Bool("debug", false, "capture per-node execution snapshots while running (they are not added to the trace)")
	showTrace := flag.Bool("print-trace", false, "print the execution trace alongside the result")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitInfrastructure
	}
	defer func() { _ = logger.Sync() }()

	if *query == "" {
		logger.Error("a -query is required")
		return exitValidation
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.String("error", logging.SanitizeError(err)))
		return exitInfrastructure
	}

	store, err := metadata.Load(cfg.MetadataDir)
	if err != nil {
		logger.Error("failed to load metadata", zap.Error(err))
		return exitInfrastructure
	}

	rt := memruntime.New(cfg.DataDir)
	ctx := context.Background()
	if err := store.PopulateDistinctValues(ctx, rt); err != nil {
		logger.Warn("distinct value population failed; column-value grounding degraded", zap.Error(err))
	}

	llmClient, err := llm.NewClient(llm.ProviderConfig{
		Provider: llm.Provider(cfg.LLMProvider),
		Endpoint: cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
	}, logger)
	if err != nil {
		logger.Error("failed to construct llm client", zap.String("error", logging.SanitizeError(err)))
		return exitInfrastructure
	}

	kg := graph.Build(store)
	requestID := uuid.NewString()
	tracer := trace.NewCollector(requestID)

	outcome := &runOutcome{}
	task := &requestTask{
		id:          requestID,
		requiresLLM: !cfg.IsMockMode(),
		run: func(ctx context.Context) error {
			return executeRequest(ctx, requestDeps{
				store:     store,
				kg:        kg,
				rt:        rt,
				llmClient: llmClient,
				cfg:       cfg,
				logger:    logger,
				tracer:    tracer,
				requestID: requestID,
			}, *query, *answer, *asOfDate, *debug, outcome)
		},
	}

	sched := scheduler.New(1, logger)
	sched.Submit(ctx, task)
	sched.Wait()

	trace.Default().Store(tracer.Build())
	if *showTrace {
		printJSON(tracer.Build())
	}

	if outcome.infraErr != nil {
		logger.Error("infrastructure failure", zap.String("error", logging.SanitizeError(outcome.infraErr)))
		return exitInfrastructure
	}
	if outcome.clarification != nil {
		printJSON(outcome.clarification)
		return exitValidation
	}
	if outcome.dvReport != nil {
		printJSON(outcome.dvReport)
		if outcome.dvReport.Violated() {
			return exitValidation
		}
		return exitSuccess
	}
	if outcome.rcaResult != nil {
		printJSON(outcome.rcaResult)
		return exitSuccess
	}

	logger.Error("request failed without a usable result", zap.String("reason", outcome.failedReason))
	return exitValidation
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runOutcome is the tagged result of one request: exactly one of
// clarification, dvReport, or rcaResult is set, or infraErr/failedReason
// explains why none were.
type runOutcome struct {
	clarification *intent.ClarificationRequest
	dvReport      *dvengine.Report
	rcaResult     *rcaResponse
	infraErr      error
	failedReason  string
}

// rcaResponse is the CLI's published RCA output: the immutable RCAResult
// alongside the formatter contract's narration of it (the formatter
// contract is a separate external interface from the result document
// itself).
type rcaResponse struct {
	Result  result.RCAResult  `json:"result"`
	Display formatter.Output  `json:"display"`
}

// requestTask adapts one CLI invocation to scheduler.Task: one request is
// one task.
type requestTask struct {
	id          string
	requiresLLM bool
	run         func(ctx context.Context) error
}

func (t *requestTask) ID() string          { return t.id }
func (t *requestTask) RequiresLLM() bool   { return t.requiresLLM }
func (t *requestTask) Run(ctx context.Context) error { return t.run(ctx) }

type requestDeps struct {
	store     *metadata.Store
	kg        *graph.KnowledgeGraph
	rt        runtime.Runtime
	llmClient llm.LLMClient
	cfg       *config.Config
	logger    *zap.Logger
	tracer    *trace.Collector
	requestID string
}

func executeRequest(ctx context.Context, d requestDeps, query, answer, asOfDate string, debug bool, out *runOutcome) error {
	compiler := intent.New(d.llmClient, intent.DefaultConfig(), d.logger)

	var ir intent.Result
	var err error
	if answer != "" {
		ir, err = compiler.CompileWithAnswer(ctx, query, answer)
	} else {
		ir, err = compiler.CompileWithClarification(ctx, query)
	}
	if err != nil {
		out.infraErr = err
		return err
	}

	if ir.NeedsClarification() {
		out.clarification = ir.Clarification
		return nil
	}
	if ir.Failed() {
		out.failedReason = ir.FailedReason
		return nil
	}

	spec := ir.Spec
	if spec.TimeScope != nil && spec.TimeScope.AsOfDate != "" {
		asOfDate = spec.TimeScope.AsOfDate
	}

	if spec.TaskType == intent.TaskDV {
		return executeDV(ctx, d, spec, asOfDate, out)
	}
	return executeRCA(ctx, d, spec, asOfDate, debug, out)
}

func executeDV(ctx context.Context, d requestDeps, spec *intent.IntentSpec, asOfDate string, out *runOutcome) error {
	if spec.ValidationConstraint == nil {
		out.failedReason = "DV task compiled without a validation_constraint"
		return nil
	}

	raw, err := json.Marshal(spec.ValidationConstraint.Details)
	if err != nil {
		out.infraErr = apperrors.New(apperrors.KindMetadata, "dv constraint: unmarshalable details", err)
		return out.infraErr
	}
	var details dvengine.ConstraintDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		out.failedReason = "DV constraint details did not match the expected {table, conditions} shape"
		return nil
	}

	auditor := sqlcompiler.NewSecurityAuditor(d.logger)
	engine := dvengine.New(d.store, d.rt, sqlcompiler.Options{
		CaseSensitiveStrings: d.cfg.CaseSensitiveStrings,
		Auditor:              auditor,
	})

	report, err := engine.Evaluate(ctx, details, asOfDate, d.requestID, 10)
	if err != nil {
		if apperrors.IsRecoverable(err) {
			d.tracer.RecordGrainResolutionStep("dv constraint evaluation degraded: " + err.Error())
		} else {
			out.infraErr = err
			return err
		}
	}
	if report != nil {
		d.logger.Debug("dv constraint compiled", zap.String("sql", logging.SanitizeQuery(report.SQL)))
	}
	out.dvReport = report
	return nil
}

func executeRCA(ctx context.Context, d requestDeps, spec *intent.IntentSpec, asOfDate string, debug bool, out *runOutcome) error {
	if len(spec.Systems) < 2 || len(spec.TargetMetrics) == 0 {
		out.failedReason = "RCA task requires at least two systems and one target metric"
		return nil
	}

	grounded, err := grounder.New(d.store, d.kg).Ground(spec.Systems[0], spec.Systems[1], spec.TargetMetrics[0])
	if err != nil {
		out.infraErr = apperrors.New(apperrors.KindGrainResolution, "grounding failed", err)
		return out.infraErr
	}
	d.tracer.RecordGrainResolutionStep(fmt.Sprintf("comparison grain resolved to %v", grounded.ComparisonGrain))

	execMode := execModeFor(d.cfg.ExecutionMode)
	exec := execengine.New(d.store, d.rt)

	resultA, err := runSide(ctx, d, grounded.SideA.Rule, grounded.ComparisonGrain, asOfDate, exec, execMode, debug)
	if err != nil {
		out.infraErr = apperrors.New(apperrors.KindRuleCompilation, "side A compilation/execution failed", err)
		return out.infraErr
	}
	resultB, err := runSide(ctx, d, grounded.SideB.Rule, grounded.ComparisonGrain, asOfDate, exec, execMode, debug)
	if err != nil {
		out.infraErr = apperrors.New(apperrors.KindRuleCompilation, "side B compilation/execution failed", err)
		return out.infraErr
	}

	metric, ok := d.store.MetricByID(spec.TargetMetrics[0])
	if !ok {
		out.failedReason = "unknown target metric " + spec.TargetMetrics[0]
		return nil
	}

	diffResult, err := diffengine.Diff(resultA.Relation, resultB.Relation, grounded.ComparisonGrain, metric.ID, metric.Tolerance(), metric.NullPolicy,
		diffengine.Options{TopK: d.cfg.TopK, Entity: grounded.SideA.TargetTable.Entity, Store: d.store})
	if err != nil {
		out.infraErr = apperrors.New(apperrors.KindDiff, "diff failed", err)
		return out.infraErr
	}
	d.tracer.RecordRowCount("diff.top_differences", len(diffResult.TopDifferences))

	attrEngine := attribution.New(d.store, d.kg, d.rt)
	var recoverableErr error
	attributions := make([]attribution.Attribution, 0, len(diffResult.TopDifferences))
	impacts := make([]float64, 0, len(diffResult.TopDifferences))
	for _, diff := range diffResult.TopDifferences {
		attr, aerr := attrEngine.AttributeDifference(ctx, grounded.SideA.Rule, grounded.ComparisonGrain, diff.GrainValue, asOfDate, metric.NullPolicy, execMode)
		if aerr != nil {
			recoverableErr = aerr
			d.logger.Warn("attribution degraded", zap.Error(aerr))
			continue
		}
		attributions = append(attributions, *attr)
		impacts = append(impacts, diff.Impact)
	}
	totalImpact := 0.0
	for _, v := range impacts {
		totalImpact += v
	}
	if totalImpact > 0 {
		for i := range attributions {
			attributions[i].ContributionPercentage = 100 * impacts[i] / totalImpact
		}
	}

	conf := confidence.Compute(confidence.Factors{
		JoinCompleteness:   minJoinCompleteness(resultA, resultB),
		NullRateComplement: confidence.NullRateComplement(resultA.Relation, append(grounded.ComparisonGrain, metric.ID)),
		FilterCoverage:     combinedFilterCoverage(resultA, resultB),
		DataFreshness:      1,
		SamplingRatio:      confidence.SamplingRatio(execMode == execengine.ModeFast, resultA.Budget.SamplingRatio),
	}, confidence.DefaultWeights())
	d.tracer.RecordConfidence(conf)

	rcaResult := result.New().Assemble(result.Input{
		Grain:          grounded.ComparisonGrain,
		DiffResult:     diffResult,
		Attributions:   attributions,
		Confidence:     conf,
		TraceID:        d.requestID,
		RecoverableErr: recoverableErr,
	})

	fmtr := formatter.New(d.llmClient, d.logger)
	output, ferr := fmtr.Format(ctx, rcaResult, "")
	if ferr != nil {
		d.tracer.RecordGrainResolutionStep("formatter fell back to deterministic template: " + ferr.Error())
	}

	out.rcaResult = &rcaResponse{Result: rcaResult, Display: output}
	return nil
}

func runSide(ctx context.Context, d requestDeps, rule *metadata.Rule, comparisonGrain []string, asOfDate string, exec *execengine.Engine, mode execengine.Mode, debug bool) (*execengine.Result, error) {
	pipeline, err := rulecompiler.New(d.store, d.kg).Compile(rule, comparisonGrain, asOfDate)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, pipeline, mode, debug)
}

// minJoinCompleteness takes the worse of the two sides' join completeness,
// mirroring spec.md §4.9's min(selectivity_a, selectivity_b) pattern for
// filter_coverage: either side's joins dropping rows should pull confidence
// down, not be averaged away by the other side.
func minJoinCompleteness(a, b *execengine.Result) float64 {
	jcA := 1.0
	if beforeA, afterA, ok := a.JoinRowCounts(); ok {
		jcA = confidence.JoinCompleteness(beforeA, afterA)
	}
	jcB := 1.0
	if beforeB, afterB, ok := b.JoinRowCounts(); ok {
		jcB = confidence.JoinCompleteness(beforeB, afterB)
	}
	if jcA < jcB {
		return jcA
	}
	return jcB
}

// combinedFilterCoverage derives each side's filter selectivity from its
// ExecutionMetadata and folds them through confidence.FilterCoverage.
func combinedFilterCoverage(a, b *execengine.Result) float64 {
	selA, appliedA := filterSelectivity(a)
	selB, appliedB := filterSelectivity(b)
	return confidence.FilterCoverage(appliedA || appliedB, selA, selB)
}

func filterSelectivity(r *execengine.Result) (selectivity float64, applied bool) {
	before, after, ok := r.FilterRowCounts()
	if !ok || before <= 0 {
		return 1, false
	}
	return float64(after) / float64(before), true
}

func execModeFor(s string) execengine.Mode {
	switch s {
	case string(execengine.ModeDeep):
		return execengine.ModeDeep
	case string(execengine.ModeForensic):
		return execengine.ModeForensic
	default:
		return execengine.ModeFast
	}
}
