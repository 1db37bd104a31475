package document

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/c360studio/doctrack/forms"
	"github.com/c360studio/doctrack/query"
)

// Task names. Each is also the cache resource of its section.
const (
	TaskGeneral          = "general"
	TaskOBR              = "obr"
	TaskSalary           = "salary"
	TaskHistory          = "history"
	TaskLineItems        = "lineItems"
	TaskPaymentBreakdown = "paymentBreakdown"
	TaskPaymentHistory   = "paymentHistory"
	TaskComputation      = "computation"
)

// Guard is the enablement predicate of a task.
type Guard int

const (
	// GuardDocument requires a tracking number and year.
	GuardDocument Guard = iota
	// GuardTyped additionally requires a PR, PO or PX tracking type, taken
	// from TrackingType or else DocumentType.
	GuardTyped
)

func (g Guard) String() string {
	if g == GuardTyped {
		return "document+type"
	}
	return "document"
}

// Task describes one fetch in the aggregation battery.
type Task struct {
	Name   string
	Path   string
	Guard  Guard
	Policy query.Policy
}

// Edge declares that a successful From result re-runs To with the
// tracking type From resolved.
type Edge struct {
	From string
	To   string
}

var taskTable = []Task{
	{Name: TaskGeneral, Path: "/genInformation", Guard: GuardDocument, Policy: query.FailThrow},
	{Name: TaskOBR, Path: "/obrInformation", Guard: GuardDocument, Policy: query.FailThrow},
	{Name: TaskSalary, Path: "/salaryList", Guard: GuardDocument, Policy: query.FailThrow},
	{Name: TaskHistory, Path: "/transactionHistory", Guard: GuardDocument, Policy: query.FailThrow},
	{Name: TaskLineItems, Path: "/prpopxDetails", Guard: GuardTyped, Policy: query.FailThrow},
	{Name: TaskPaymentBreakdown, Path: "/paymentBreakdown", Guard: GuardTyped, Policy: query.FailNull},
	{Name: TaskPaymentHistory, Path: "/paymentHistory", Guard: GuardDocument, Policy: query.FailNull},
	{Name: TaskComputation, Path: "/computationBreakdown", Guard: GuardTyped, Policy: query.FailThrow},
}

var edgeTable = []Edge{
	{From: TaskGeneral, To: TaskPaymentBreakdown},
}

var taskByName = func() map[string]Task {
	m := make(map[string]Task, len(taskTable))
	for _, t := range taskTable {
		m[t.Name] = t
	}
	return m
}()

// Tasks returns the battery in declaration order.
func Tasks() []Task {
	return slices.Clone(taskTable)
}

// Selection is the document chosen for display. A nil *Selection means
// nothing is selected.
type Selection struct {
	Index          int    `json:"index"`
	TrackingNumber string `json:"tracking_number"`
	Year           string `json:"year"`
	DocumentType   string `json:"document_type,omitempty"`
	TrackingType   string `json:"tracking_type,omitempty"`
}

// identity changes whenever any field of the selection does. The nil
// selection has the empty identity.
func (s *Selection) identity() string {
	if s == nil {
		return ""
	}
	return query.NewKey("selection", strconv.Itoa(s.Index), s.TrackingNumber, s.Year, s.DocumentType, s.TrackingType).String()
}

// params are the resolved request parameters of one battery run.
type params struct {
	year         string
	tn           string
	trackingType forms.TrackingType
}

func paramsFor(sel *Selection) params {
	if sel == nil {
		return params{}
	}

	p := params{
		year: strings.TrimSpace(sel.Year),
		tn:   strings.TrimSpace(sel.TrackingNumber),
	}
	raw := sel.TrackingType
	if strings.TrimSpace(raw) == "" {
		raw = sel.DocumentType
	}
	if tt, ok := forms.ParseTrackingType(raw); ok {
		p.trackingType = tt
	}
	return p
}

func (p params) withType(tt forms.TrackingType) params {
	p.trackingType = tt
	return p
}

func (p params) enabled(g Guard) bool {
	if p.year == "" || p.tn == "" {
		return false
	}
	return g != GuardTyped || p.trackingType != ""
}

func (t Task) key(p params) query.Key {
	if t.Guard == GuardTyped {
		return query.NewKey(t.Name, p.year, p.tn, string(p.trackingType))
	}
	return query.NewKey(t.Name, p.year, p.tn)
}

func (t Task) values(p params) url.Values {
	v := url.Values{
		"TrackingNumber": {p.tn},
		"Year":           {p.year},
	}
	if t.Guard == GuardTyped {
		v.Set("TrackingType", string(p.trackingType))
	}
	return v
}
