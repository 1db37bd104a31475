package document

import (
	"time"

	"github.com/c360studio/doctrack/query"
)

// SectionReport is the JSON form of one section.
type SectionReport struct {
	Status    query.Status `json:"status"`
	Loading   bool         `json:"loading,omitempty"`
	Data      any          `json:"data"`
	Error     string       `json:"error,omitempty"`
	FromCache bool         `json:"from_cache,omitempty"`
	FetchedAt *time.Time   `json:"fetched_at,omitempty"`
}

// Report is a JSON-ready snapshot of a whole view, keyed by task name.
type Report struct {
	Selection *Selection               `json:"selection"`
	Sections  map[string]SectionReport `json:"sections"`
}

// Report snapshots every section.
func (v *View) Report() Report {
	return Report{
		Selection: v.Selection,
		Sections: map[string]SectionReport{
			TaskGeneral:          reportOf(&v.General),
			TaskOBR:              reportOf(&v.OBR),
			TaskSalary:           reportOf(&v.Salary),
			TaskHistory:          reportOf(&v.History),
			TaskLineItems:        reportOf(&v.LineItems),
			TaskPaymentBreakdown: reportOf(&v.PaymentBreakdown),
			TaskPaymentHistory:   reportOf(&v.PaymentHistory),
			TaskComputation:      reportOf(&v.Computation),
		},
	}
}

func reportOf[T any](s *Section[T]) SectionReport {
	snap := s.Snapshot()
	r := SectionReport{
		Status:    snap.Status,
		Loading:   snap.Loading,
		Data:      snap.Data,
		FromCache: snap.FromCache,
	}
	if snap.Err != nil {
		r.Error = snap.Err.Error()
	}
	if !snap.FetchedAt.IsZero() {
		at := snap.FetchedAt
		r.FetchedAt = &at
	}
	return r
}
