package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jobRun tallies one execution of a job. It rides on the context, so a job invoked from
// runJob adds to the run runJob started instead of opening its own.
type jobRun struct {
	job       string
	id        string
	batchSize int
	startedAt time.Time

	processed int
	deferred  int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) AddDeferred(n int) {
	if r != nil && n > 0 {
		r.deferred += n
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

func (r *jobRun) summary() []zapcore.Field {
	return []zapcore.Field{
		zap.Int64("duration_ms", time.Since(r.startedAt).Milliseconds()),
		zap.Int("batch_size", r.batchSize),
		zap.Int("processed_count", r.processed),
		zap.Int("deferred_count", r.deferred),
		zap.Int("error_count", r.errors),
	}
}

func runFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// ensureJobRun returns the run already on ctx or starts one. The caller that started it
// owns it and logs its start and finish.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run := runFromContext(ctx); run != nil {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		id:        s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return s.scoped(ctx, entdomain.Scope{}), run, true
}

// scoped tags ctx with the scheduler actor and, when set, the customer being processed.
func (s *Scheduler) scoped(ctx context.Context, scope entdomain.Scope) context.Context {
	ctx = obslogger.ContextWithActor(ctx, "system", "scheduler")
	if scope.OrgID != 0 {
		ctx = obslogger.ContextWithOrgID(ctx, scope.OrgID.String())
	}
	return obslogger.ContextWithCustomer(ctx, string(scope.Environment), idString(scope.CustomerID))
}

// logger carries the context fields plus the job and run id of the current run.
func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	log := obslogger.WithContext(ctx, s.log)
	if run := runFromContext(ctx); run != nil {
		log = log.With(zap.String("job", run.job), zap.String("run_id", run.id))
	}
	return log
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start", zap.Int("batch_size", run.batchSize))
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	level := zapcore.InfoLevel
	if run.errors > 0 {
		level = zapcore.WarnLevel
	}
	if ce := s.logger(ctx).Check(level, "scheduler.job.finish"); ce != nil {
		ce.Write(run.summary()...)
	}
}

// jobError counts err against the run and logs it with its classification.
func (s *Scheduler) jobError(ctx context.Context, msg string, scope entdomain.Scope, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	runFromContext(ctx).IncError()
	fields = append(fields,
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	s.logger(s.scoped(ctx, scope)).Error(msg, fields...)
}

func (s *Scheduler) logCustomerReset(ctx context.Context, scope entdomain.Scope, applied, skipped int) {
	s.logger(s.scoped(ctx, scope)).Info("entitlements.reset",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
