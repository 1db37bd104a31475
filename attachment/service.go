// Package attachment lists, uploads and removes the supporting documents
// attached to tracked transactions. Reads go through the session's query
// cache; successful mutations invalidate and refetch every cached list that
// includes the mutated form.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/doctrack/forms"
	"github.com/c360studio/doctrack/query"
	"github.com/c360studio/doctrack/transport"
)

// Tracker API paths used by the service.
const (
	pathList        = "/attachments"
	pathUpload      = "/attachments/upload"
	pathRemove      = "/attachments/remove"
	pathOfficeIndex = "/getTNAttachments"
)

// Service is the attachment query and mutation layer for one session.
type Service struct {
	client   *transport.Client
	cache    *query.Cache
	logger   *slog.Logger
	notifier Notifier
	metrics  *Metrics
	retry    transport.RetryConfig

	mu      sync.Mutex
	pending map[string]int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotifier sets where user-facing notifications go. The default logs
// them.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithMetrics records mutation outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetry sets the retry configuration for mutations.
func WithRetry(cfg transport.RetryConfig) Option {
	return func(s *Service) {
		s.retry = cfg
	}
}

// NewService creates an attachment service reading through cache.
func NewService(client *transport.Client, cache *query.Cache, opts ...Option) *Service {
	s := &Service{
		client:  client,
		cache:   cache,
		logger:  slog.Default(),
		retry:   transport.DefaultRetryConfig(),
		pending: make(map[string]int),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = logNotifier{logger: s.logger}
	}

	return s
}

// DocumentKey is the cache key of the attachment list for a whole document.
func DocumentKey(year, tn, trackingType string) query.Key {
	return query.NewKey(ResourceFiles, year, tn, trackingType)
}

// FormKey is the cache key of the attachment list for one form.
func FormKey(year, tn string, form forms.FormType) query.Key {
	return query.NewKey(ResourceFiles, year, tn, string(form))
}

// IndexKey is the cache key of an office's attachment index.
func IndexKey(year, officeCode string) query.Key {
	return query.NewKey(ResourceIndex, year, officeCode)
}

// ForDocument returns every attachment of a document, in form-list order
// and then server order within each form. All three parameters are
// required; a missing one yields *MissingParameterError without any
// request. A failure on any form fails the whole call.
func (s *Service) ForDocument(ctx context.Context, year, tn, trackingType string) ([]Record, error) {
	if missing := missingParams("year", year, "trackingNumber", tn, "trackingType", trackingType); len(missing) > 0 {
		return nil, &MissingParameterError{Op: "list attachments", Params: missing}
	}

	def, err := s.documentDef(year, tn, trackingType)
	if err != nil {
		return nil, err
	}
	return query.Fetch(ctx, s.cache, def)
}

// DocumentQuery is the enablement-gated form of ForDocument: with any
// parameter missing it does nothing and reports StatusIdle.
func (s *Service) DocumentQuery(ctx context.Context, year, tn, trackingType string) query.Result[[]Record] {
	if len(missingParams("year", year, "trackingNumber", tn, "trackingType", trackingType)) > 0 {
		return query.Result[[]Record]{Status: query.StatusIdle}
	}

	def, err := s.documentDef(year, tn, trackingType)
	if err != nil {
		return query.Result[[]Record]{Status: query.StatusError, Err: err}
	}
	return query.Run(ctx, s.cache, def)
}

func (s *Service) documentDef(year, tn, trackingType string) (query.Definition[[]Record], error) {
	tt, ok := forms.ParseTrackingType(trackingType)
	if !ok {
		// A single form name stands in for its own list and shares the
		// per-form cache entry.
		form, err := forms.ParseFormType(trackingType)
		if err != nil {
			return query.Definition[[]Record]{}, fmt.Errorf("list attachments: %w", err)
		}
		return s.formDef(year, tn, form), nil
	}

	list, err := forms.FormsFor(string(tt))
	if err != nil {
		return query.Definition[[]Record]{}, fmt.Errorf("list attachments: %w", err)
	}

	// Each form is retried on its own; retrying the whole fan-out would
	// multiply requests.
	noRetry := transport.NoRetry()
	return query.Definition[[]Record]{
		Key:     DocumentKey(year, tn, string(tt)),
		Enabled: true,
		Retry:   &noRetry,
		Fetch: func(ctx context.Context) ([]Record, error) {
			return s.fanOut(ctx, year, tn, list)
		},
	}, nil
}

// fanOut fetches each form concurrently and reassembles the results in
// list order.
func (s *Service) fanOut(ctx context.Context, year, tn string, list []forms.FormType) ([]Record, error) {
	results := make([][]Record, len(list))

	g, gctx := errgroup.WithContext(ctx)
	for i, form := range list {
		g.Go(func() error {
			records, err := query.Fetch(gctx, s.cache, s.formDef(year, tn, form))
			if err != nil {
				return fmt.Errorf("list %s attachments: %w", form, err)
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := []Record{}
	for _, records := range results {
		all = append(all, records...)
	}
	return all, nil
}

func (s *Service) formDef(year, tn string, form forms.FormType) query.Definition[[]Record] {
	return query.Definition[[]Record]{
		Key:     FormKey(year, tn, form),
		Enabled: true,
		Fetch: func(ctx context.Context) ([]Record, error) {
			params := url.Values{
				"Year":           {year},
				"TrackingNumber": {tn},
				"Form":           {string(form)},
			}
			var records []Record
			if err := s.client.GetJSON(ctx, pathList, params, &records); err != nil {
				return nil, err
			}
			if records == nil {
				records = []Record{}
			}
			return records, nil
		},
	}
}

// OfficeIndex returns the attachment index for an office. Missing
// parameters and fetch failures both resolve to an empty list; failures
// are logged.
func (s *Service) OfficeIndex(ctx context.Context, year, officeCode string) []IndexEntry {
	def := query.Definition[[]IndexEntry]{
		Key:       IndexKey(year, officeCode),
		Enabled:   len(missingParams("year", year, "officeCode", officeCode)) == 0,
		OnFailure: query.FailEmpty,
		Fallback:  []IndexEntry{},
		Fetch: func(ctx context.Context) ([]IndexEntry, error) {
			params := url.Values{
				"Year":       {year},
				"OfficeCode": {officeCode},
			}
			var entries []IndexEntry
			if err := s.client.GetJSON(ctx, pathOfficeIndex, params, &entries); err != nil {
				return nil, err
			}
			return entries, nil
		},
	}

	r := query.Run(ctx, s.cache, def)
	if r.Data == nil {
		return []IndexEntry{}
	}
	return r.Data
}
