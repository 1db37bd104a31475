// Package document aggregates the eight independent sub-resources of a
// selected tracked document into a View. Each section loads, fails and
// caches on its own; there is no consistency guarantee across sections.
package document

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360studio/doctrack/forms"
	"github.com/c360studio/doctrack/query"
	"github.com/c360studio/doctrack/transport"
)

// View is the aggregated projection of one selection. Sections are
// populated as their fetches resolve, in any order.
type View struct {
	Selection *Selection

	General          Section[*GeneralInfo]
	OBR              Section[[]OBRLine]
	Salary           Section[[]SalaryEntry]
	History          Section[[]HistoryEntry]
	LineItems        Section[[]LineItem]
	PaymentBreakdown Section[*PaymentBreakdown]
	PaymentHistory   Section[[]PaymentHistoryEntry]
	Computation      Section[*ComputationBreakdown]

	mu      sync.RWMutex
	closed  bool
	current *battery
}

// battery is one concurrent run of every task against a view.
type battery struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	runners map[string]runner
}

// runner claims a task's section for one run and returns the fetch to
// perform, or nil when the task is disabled or the battery was replaced.
// The latest claim on a section wins.
type runner func(p params) func(ctx context.Context)

func newView(sel *Selection) *View {
	v := &View{}
	if sel != nil {
		cp := *sel
		v.Selection = &cp
	}
	return v
}

// Done is closed when the current battery has settled.
func (v *View) Done() <-chan struct{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.current == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return v.current.done
}

// Wait blocks until the current battery settles or ctx ends.
func (v *View) Wait(ctx context.Context) error {
	select {
	case <-v.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs fn only while b is the view's live battery. Results of a
// cancelled or replaced battery are dropped here.
func (v *View) apply(b *battery, fn func() bool) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed || v.current != b {
		return false
	}
	return fn()
}

func (v *View) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	if v.current != nil {
		v.current.cancel()
	}
}

// Aggregator runs the fetch battery for the selected document.
type Aggregator struct {
	client   *transport.Client
	cache    *query.Cache
	logger   *slog.Logger
	onUpdate func(v *View, section string)

	mu       sync.Mutex
	current  *View
	identity string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithOnUpdate registers a hook called whenever a section of a view starts
// loading or settles. The hook may run concurrently; compare v against
// Current to ignore views that were replaced.
func WithOnUpdate(fn func(v *View, section string)) Option {
	return func(a *Aggregator) {
		a.onUpdate = fn
	}
}

// NewAggregator creates an aggregator reading through cache.
func NewAggregator(client *transport.Client, cache *query.Cache, opts ...Option) *Aggregator {
	a := &Aggregator{
		client: client,
		cache:  cache,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Edges returns the declared dependencies between tasks.
func (a *Aggregator) Edges() []Edge {
	return append([]Edge(nil), edgeTable...)
}

// Select makes sel the current document. The battery re-runs only when
// the selection's identity changed; otherwise the current view is
// returned as is. Replacing a view cancels its in-flight fetches and
// discards their late results.
func (a *Aggregator) Select(ctx context.Context, sel *Selection) *View {
	id := sel.identity()

	a.mu.Lock()
	if a.current != nil && a.identity == id {
		v := a.current
		a.mu.Unlock()
		return v
	}
	if a.current != nil {
		a.current.close()
	}
	v := newView(sel)
	a.current, a.identity = v, id
	a.mu.Unlock()

	a.logger.Debug("Document selected", "identity", id)
	a.start(ctx, v)
	return v
}

// Refresh re-runs the battery of the current view. Fresh cache entries are
// still served from the cache. It returns nil when nothing was selected.
func (a *Aggregator) Refresh(ctx context.Context) *View {
	a.mu.Lock()
	v := a.current
	a.mu.Unlock()

	if v == nil {
		return nil
	}
	a.start(ctx, v)
	return v
}

// Current returns the current view, or nil before the first Select.
func (a *Aggregator) Current() *View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Close cancels the current battery.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.close()
	}
}

func (a *Aggregator) start(ctx context.Context, v *View) {
	bctx, cancel := context.WithCancel(ctx)
	b := &battery{cancel: cancel, done: make(chan struct{})}
	b.runners = a.runners(v, b)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		cancel()
		close(b.done)
		return
	}
	if v.current != nil {
		v.current.cancel()
	}
	v.current = b
	v.mu.Unlock()

	// Every section is claimed before any fetch starts, so an edge fired
	// by a fast task cannot be overtaken by the initial run of its target.
	p := paramsFor(v.Selection)
	runs := make([]func(context.Context), 0, len(taskTable))
	for _, t := range taskTable {
		if run := b.runners[t.Name](p); run != nil {
			runs = append(runs, run)
		}
	}
	for _, run := range runs {
		b.spawn(bctx, run)
	}

	go func() {
		b.wg.Wait()
		cancel()
		close(b.done)
	}()
}

func (b *battery) spawn(ctx context.Context, run func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(ctx)
	}()
}

// follow claims and runs the dependents of from with p. It must be called
// from a running task so the battery cannot settle in between.
func (a *Aggregator) follow(ctx context.Context, b *battery, from string, p params) {
	for _, e := range edgeTable {
		if e.From != from {
			continue
		}
		if run := b.runners[e.To](p); run != nil {
			b.spawn(ctx, run)
		}
	}
}

func (a *Aggregator) runners(v *View, b *battery) map[string]runner {
	return map[string]runner{
		TaskGeneral: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskGeneral], &v.General, p, func(ctx context.Context, r query.Result[*GeneralInfo]) {
				if r.Err != nil || r.Data == nil {
					return
				}
				tt, found := forms.ParseTrackingType(r.Data.TrackingType)
				if found && tt != p.trackingType {
					a.logger.Debug("Tracking type resolved, re-running dependents",
						"tracking_number", p.tn,
						"tracking_type", tt)
					a.follow(ctx, b, TaskGeneral, p.withType(tt))
				}
			})
		},
		TaskOBR: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskOBR], &v.OBR, p, nil)
		},
		TaskSalary: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskSalary], &v.Salary, p, nil)
		},
		TaskHistory: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskHistory], &v.History, p, nil)
		},
		TaskLineItems: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskLineItems], &v.LineItems, p, nil)
		},
		TaskPaymentBreakdown: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskPaymentBreakdown], &v.PaymentBreakdown, p, nil)
		},
		TaskPaymentHistory: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskPaymentHistory], &v.PaymentHistory, p, nil)
		},
		TaskComputation: func(p params) func(context.Context) {
			return prepare(a, v, b, taskByName[TaskComputation], &v.Computation, p, nil)
		},
	}
}

// prepare claims sec for one run of task. A disabled task resets the
// section to idle and returns nil. The returned fetch commits its result
// only if no later run claimed the section, then calls settled.
func prepare[T any](a *Aggregator, v *View, b *battery, task Task, sec *Section[T], p params, settled func(context.Context, query.Result[T])) func(context.Context) {
	if !p.enabled(task.Guard) {
		if v.apply(b, func() bool {
			sec.idle()
			return true
		}) {
			a.notify(v, task.Name)
		}
		return nil
	}

	var seq uint64
	if !v.apply(b, func() bool {
		seq = sec.begin()
		return true
	}) {
		return nil
	}
	a.notify(v, task.Name)

	return func(ctx context.Context) {
		r := query.Run(ctx, a.cache, query.Definition[T]{
			Key:       task.key(p),
			Enabled:   true,
			OnFailure: task.Policy,
			Fetch: func(ctx context.Context) (T, error) {
				var out T
				err := a.client.GetJSON(ctx, task.Path, task.values(p), &out)
				return out, err
			},
		})

		if !v.apply(b, func() bool { return sec.commit(seq, r) }) {
			a.logger.Debug("Discarding superseded section result", "task", task.Name)
			return
		}
		if r.Err != nil && task.Policy == query.FailThrow {
			a.logger.Warn("Failed to fetch data",
				"task", task.Name,
				"tracking_number", p.tn,
				"year", p.year,
				"error", r.Err)
		}
		a.notify(v, task.Name)
		if settled != nil {
			settled(ctx, r)
		}
	}
}

func (a *Aggregator) notify(v *View, section string) {
	if a.onUpdate != nil {
		a.onUpdate(v, section)
	}
}
