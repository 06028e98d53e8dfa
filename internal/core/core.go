package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/internal/graph"
	"github.com/3cpo-dev/kiln/internal/lint"
	"github.com/3cpo-dev/kiln/internal/telemetry"
	"github.com/3cpo-dev/kiln/internal/transform"
	"github.com/3cpo-dev/kiln/internal/transform/ejs"
	"github.com/3cpo-dev/kiln/internal/transform/exec"
	"github.com/3cpo-dev/kiln/internal/transform/imagemin"
	"github.com/3cpo-dev/kiln/internal/transform/jsonmerge"
	"github.com/3cpo-dev/kiln/internal/transform/minify"
	"github.com/3cpo-dev/kiln/internal/watch"
	"github.com/3cpo-dev/kiln/pkg/api"
)

// Notifier receives the outcome of every task run. The dev server
// implements it.
type Notifier interface {
	Notify(files []string)
	NotifyError(task string, err error)
}

// DefaultRegistry registers every built-in transformer.
func DefaultRegistry() *transform.Registry {
	reg := transform.NewRegistry()
	reg.Register(transform.Copy{})
	reg.Register(jsonmerge.New())
	reg.Register(ejs.New())
	reg.Register(minify.New())
	reg.Register(imagemin.New())
	reg.Register(exec.New())
	return reg
}

type Option func(*Orchestrator)

// WithStore records every Build Result in the ledger.
func WithStore(s *Store) Option { return func(o *Orchestrator) { o.store = s } }

// WithNotifier forwards run outcomes to n.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithCollector records task metrics in c instead of the global collector.
func WithCollector(c *telemetry.Collector) Option { return func(o *Orchestrator) { o.collector = c } }

// Orchestrator composes the project's tasks: it runs them in dependency
// order, hands upstream results to dependents in memory and binds tasks to
// the file watcher.
type Orchestrator struct {
	cfg       Config
	graph     *graph.Graph
	tasks     map[string]*transform.Task
	running   map[string]*sync.Mutex
	store     *Store
	notifier  Notifier
	collector *telemetry.Collector

	mu      sync.Mutex
	latest  map[string]*transform.Result // most recent successful result
	last    map[string]*transform.Result // most recent result of any status
	binders map[string]*watch.Binder
}

// NewOrchestrator validates the task graph of cfg and builds every task.
func NewOrchestrator(cfg Config, reg *transform.Registry, opts ...Option) (*Orchestrator, error) {
	nodes := make([]graph.Node, 0, len(cfg.Tasks))
	for _, spec := range cfg.Tasks {
		nodes = append(nodes, graph.Node{Name: spec.Name, Needs: spec.Needs})
	}
	g, err := graph.New(nodes)
	if err != nil {
		return nil, fmt.Errorf("task graph: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		graph:   g,
		tasks:   make(map[string]*transform.Task, len(cfg.Tasks)),
		running: make(map[string]*sync.Mutex, len(cfg.Tasks)),
		latest:  map[string]*transform.Result{},
		last:    map[string]*transform.Result{},
		binders: map[string]*watch.Binder{},
	}
	paths := transform.Paths{Root: cfg.Root}
	for _, spec := range cfg.Tasks {
		tr, err := reg.Get(spec.Transformer)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", spec.Name, err)
		}
		t, err := transform.NewTask(spec, tr, paths)
		if err != nil {
			return nil, err
		}
		o.tasks[spec.Name] = t
		o.running[spec.Name] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.collector == nil {
		o.collector = telemetry.GetGlobal()
	}
	return o, nil
}

// Graph returns the validated dependency graph.
func (o *Orchestrator) Graph() *graph.Graph { return o.graph }

// Tasks returns the tasks in execution order.
func (o *Orchestrator) Tasks() []*transform.Task {
	order := o.graph.Order()
	out := make([]*transform.Task, 0, len(order))
	for _, name := range order {
		out = append(out, o.tasks[name])
	}
	return out
}

// Last returns the most recent result of name.
func (o *Orchestrator) Last(name string) (*transform.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.last[name]
	return r, ok
}

// Health reports whether the orchestrator can record results.
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.store != nil {
		return o.store.Ping(ctx)
	}
	return nil
}

// Report collects the results of one Build.
type Report struct {
	Order    []string
	Results  map[string]*transform.Result
	Duration time.Duration
}

// Failed lists the tasks that failed or were skipped, in execution order.
func (r *Report) Failed() []string {
	var out []string
	for _, name := range r.Order {
		if !r.Results[name].OK() {
			out = append(out, name)
		}
	}
	return out
}

// Err joins the errors of every task that did not succeed.
func (r *Report) Err() error {
	var errs []error
	for _, name := range r.Order {
		if res := r.Results[name]; !res.OK() {
			errs = append(errs, res.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d tasks did not succeed: %w", len(errs), len(r.Order), errors.Join(errs...))
}

// Build runs the named tasks once, or every task when names is empty. With
// withDeps the upstream tasks of names run too. Each task starts as soon as
// its selected upstream tasks finished; independent tasks run concurrently.
// A task whose upstream failed is skipped, unrelated tasks are unaffected.
func (o *Orchestrator) Build(ctx context.Context, names []string, withDeps bool) (*Report, error) {
	var (
		sel []string
		err error
	)
	switch {
	case len(names) == 0:
		sel = o.graph.Order()
	case withDeps:
		sel, err = o.graph.Closure(names...)
	default:
		sel, err = o.graph.Subset(names...)
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	done := make(map[string]chan struct{}, len(sel))
	for _, name := range sel {
		done[name] = make(chan struct{})
	}
	report := &Report{Order: sel, Results: make(map[string]*transform.Result, len(sel))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range sel {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(done[name])

			for _, need := range o.graph.Needs(name) {
				ch, ok := done[need]
				if !ok {
					continue
				}
				select {
				case <-ch:
				case <-ctx.Done():
				}
			}
			var res *transform.Result
			if err := ctx.Err(); err != nil {
				res = &transform.Result{Task: name, Status: api.RunFailed, Err: err, Started: time.Now()}
			} else {
				res = o.run(ctx, name)
			}
			mu.Lock()
			report.Results[name] = res
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	report.Duration = time.Since(start)

	o.collector.Timer("kiln_build_duration", report.Duration, nil)
	ev := log.Info()
	if failed := report.Failed(); len(failed) > 0 {
		ev = log.Warn().Strs("failed", failed)
	}
	ev.Int("tasks", len(sel)).Dur("duration", report.Duration).Msg("Build finished")
	return report, nil
}

// RunTask runs name once against the latest upstream results. After a run
// that wrote output it triggers the watch binders of direct dependents.
func (o *Orchestrator) RunTask(ctx context.Context, name string) (*transform.Result, error) {
	if _, ok := o.tasks[name]; !ok {
		return nil, fmt.Errorf("unknown task: %s", name)
	}
	res := o.run(ctx, name)
	if res.OK() && len(res.Outputs) > 0 {
		o.triggerDependents(ctx, name)
	}
	return res, nil
}

// Bind registers one Binder per watched task with router. Tasks declaring
// no_watch are left out.
func (o *Orchestrator) Bind(router *watch.Router, delay time.Duration) []*watch.Binder {
	var out []*watch.Binder
	for _, name := range o.graph.Order() {
		t := o.tasks[name]
		if t.Spec.NoWatch {
			continue
		}
		name := name
		b := watch.NewBinder(name, delay, func(ctx context.Context) {
			if _, err := o.RunTask(ctx, name); err != nil {
				log.Error().Err(err).Str("task", name).Msg("Watch run failed")
			}
		})
		o.mu.Lock()
		o.binders[name] = b
		o.mu.Unlock()
		router.Bind(b, t.WatchPatterns()...)
		out = append(out, b)
	}
	return out
}

func (o *Orchestrator) triggerDependents(ctx context.Context, name string) {
	for _, dep := range o.graph.Dependents(name) {
		o.mu.Lock()
		b := o.binders[dep]
		o.mu.Unlock()
		if b != nil {
			log.Debug().Str("task", dep).Str("upstream", name).Msg("Upstream changed")
			b.Trigger(ctx)
		}
	}
}

// run executes name, serialized with other runs of the same task, and
// records the result.
func (o *Orchestrator) run(ctx context.Context, name string) *transform.Result {
	lock := o.running[name]
	lock.Lock()
	defer lock.Unlock()

	upstream, failed := o.upstream(name)
	var res *transform.Result
	if failed != "" {
		res = transform.Skipped(name, failed)
	} else {
		log.Debug().Str("task", name).Int("upstream", len(upstream)).Msg("Running task")
		res = o.tasks[name].Run(ctx, upstream)
	}
	o.record(ctx, res)
	return res
}

// upstream returns the latest successful results of name's needs, or the
// first need whose most recent result did not succeed. Needs that never ran
// are absent; the task then reads their persisted output from disk.
func (o *Orchestrator) upstream(name string) (map[string]*transform.Result, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	needs := o.graph.Needs(name)
	up := make(map[string]*transform.Result, len(needs))
	for _, need := range needs {
		last, ran := o.last[need]
		if !ran {
			continue
		}
		if !last.OK() {
			return nil, need
		}
		up[need] = o.latest[need]
	}
	return up, ""
}

func (o *Orchestrator) record(ctx context.Context, res *transform.Result) {
	o.mu.Lock()
	o.last[res.Task] = res
	if res.OK() {
		o.latest[res.Task] = res
	}
	o.mu.Unlock()

	labels := map[string]string{"task": res.Task}
	o.collector.Counter("kiln_task_runs", 1, map[string]string{"task": res.Task, "status": string(res.Status)})
	o.collector.Timer("kiln_task_duration", res.Duration, labels)

	switch res.Status {
	case api.RunSucceeded:
		o.collector.Histogram("kiln_task_outputs", float64(len(res.Outputs)), labels)
		log.Info().Str("task", res.Task).Str("run_id", res.RunID).
			Int("outputs", len(res.Outputs)).Int("unchanged", len(res.Unchanged)).
			Dur("duration", res.Duration).Msg("Task finished")
	case api.RunSkipped:
		log.Warn().Str("task", res.Task).Err(res.Err).Msg("Task skipped")
	default:
		o.collector.Counter("kiln_task_failures", 1, labels)
		log.Error().Str("task", res.Task).Str("run_id", res.RunID).Err(res.Err).Msg("Task failed")
	}

	if o.store != nil && res.RunID != "" {
		if err := o.store.RecordBuild(context.WithoutCancel(ctx), RecordOf(res)); err != nil {
			log.Warn().Err(err).Msg("Ledger write failed")
		}
	}
	if o.notifier != nil {
		switch {
		case res.OK() && len(res.Outputs) > 0:
			o.notifier.Notify(res.Outputs)
		case res.Status == api.RunFailed:
			o.notifier.NotifyError(res.Task, res.Err)
		}
	}
}

// Lint runs the configured lint stages sequentially, fail-fast. names
// selects stages by name, keeping their declared order; empty runs all.
func (o *Orchestrator) Lint(ctx context.Context, names []string, out io.Writer) error {
	specs := o.cfg.Lint
	if len(names) > 0 {
		want := make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
		specs = nil
		for _, s := range o.cfg.Lint {
			if want[s.Name] {
				specs = append(specs, s)
				delete(want, s.Name)
			}
		}
		if len(want) > 0 {
			missing := make([]string, 0, len(want))
			for n := range want {
				missing = append(missing, n)
			}
			sort.Strings(missing)
			return fmt.Errorf("unknown lint stage: %s", strings.Join(missing, ", "))
		}
	}
	stages, err := lint.Stages(o.cfg.Root, specs)
	if err != nil {
		return err
	}
	runner := &lint.Runner{Root: o.cfg.Root, Out: out}
	start := time.Now()
	err = runner.Run(ctx, stages)
	o.collector.Timer("kiln_lint_duration", time.Since(start), nil)
	if err != nil {
		o.collector.Counter("kiln_lint_failures", 1, nil)
	}
	return err
}
