// Package trackertest provides an in-memory tracker API for tests and local
// development. It serves every endpoint the doctrack client consumes, keeps
// attachments in memory so uploads and removals are observable, counts calls
// per path, and can inject HTTP and payload-level failures.
package trackertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360studio/doctrack/forms"
)

// Endpoint paths served by the tracker.
const (
	PathGeneral        = "/genInformation"
	PathOBR            = "/obrInformation"
	PathSalary         = "/salaryList"
	PathHistory        = "/transactionHistory"
	PathLineItems      = "/prpopxDetails"
	PathBreakdown      = "/paymentBreakdown"
	PathPaymentHistory = "/paymentHistory"
	PathComputation    = "/computationBreakdown"
	PathOfficeIndex    = "/getTNAttachments"
	PathAttachments    = "/attachments"
	PathUpload         = "/attachments/upload"
	PathRemove         = "/attachments/remove"
)

// Upload is a captured upload request.
type Upload struct {
	Year           string
	TrackingNumber string
	Form           string
	EmployeeNumber string
	Files          []UploadedFile
}

// UploadedFile describes one multipart file part received by the tracker.
type UploadedFile struct {
	Name        string
	ContentType string
	Size        int64
}

type fault struct {
	status    int
	remaining int // negative means every call
}

type payloadOverride struct {
	status  string
	message string
}

// Tracker is the fake tracker API state. It is safe for concurrent use.
type Tracker struct {
	// URL is set by Start to the base URL of the running test server.
	URL string

	mu         sync.Mutex
	docs       map[string]*Document
	files      map[string][]StoredFile
	faults     map[string]*fault
	formFaults map[string]int
	payloads   map[string]payloadOverride
	delays     map[string]time.Duration
	token      string
	uploads    []Upload

	calls   map[string]*atomic.Int64
	callsMu sync.Mutex
	total   atomic.Int64
	nextID  atomic.Int64

	router *mux.Router
}

// New creates an empty tracker. Call Seed to load sample documents.
func New() *Tracker {
	t := &Tracker{
		docs:       make(map[string]*Document),
		files:      make(map[string][]StoredFile),
		faults:     make(map[string]*fault),
		formFaults: make(map[string]int),
		payloads:   make(map[string]payloadOverride),
		delays:     make(map[string]time.Duration),
		calls:      make(map[string]*atomic.Int64),
	}
	t.router = t.newRouter()
	return t
}

// Start runs a seeded tracker on an httptest server that is closed when the
// test ends.
func Start(tb testing.TB) *Tracker {
	tb.Helper()

	t := New()
	t.Seed()
	srv := httptest.NewServer(t.Handler())
	tb.Cleanup(srv.Close)
	t.URL = srv.URL
	return t
}

// Handler returns the tracker's HTTP handler.
func (t *Tracker) Handler() http.Handler {
	return t.router
}

func (t *Tracker) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(t.middleware)

	r.HandleFunc("/health", t.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(PathGeneral, t.section(func(d *Document) any { return d.General }, false)).Methods(http.MethodGet)
	r.HandleFunc(PathOBR, t.section(func(d *Document) any { return listOrEmpty(d.OBR) }, false)).Methods(http.MethodGet)
	r.HandleFunc(PathSalary, t.section(func(d *Document) any { return listOrEmpty(d.Salary) }, false)).Methods(http.MethodGet)
	r.HandleFunc(PathHistory, t.section(func(d *Document) any { return listOrEmpty(d.History) }, false)).Methods(http.MethodGet)
	r.HandleFunc(PathPaymentHistory, t.section(func(d *Document) any { return listOrEmpty(d.PaymentHistory) }, false)).Methods(http.MethodGet)
	r.HandleFunc(PathLineItems, t.section(func(d *Document) any { return listOrEmpty(d.LineItems) }, true)).Methods(http.MethodGet)
	r.HandleFunc(PathBreakdown, t.section(func(d *Document) any { return d.Breakdown }, true)).Methods(http.MethodGet)
	r.HandleFunc(PathComputation, t.section(func(d *Document) any { return d.Computation }, true)).Methods(http.MethodGet)
	r.HandleFunc(PathOfficeIndex, t.handleOfficeIndex).Methods(http.MethodGet)
	r.HandleFunc(PathAttachments, t.handleListAttachments).Methods(http.MethodGet)
	r.HandleFunc(PathUpload, t.handleUpload).Methods(http.MethodPost)
	r.HandleFunc(PathRemove, t.handleRemove).Methods(http.MethodPost)

	return r
}

// middleware counts calls, enforces the bearer token, and applies injected
// delays and path faults.
func (t *Tracker) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		t.counter(path).Add(1)
		t.total.Add(1)

		t.mu.Lock()
		token := t.token
		delay := t.delays[path]
		status := 0
		if f, ok := t.faults[path]; ok && f.remaining != 0 {
			status = f.status
			if f.remaining > 0 {
				f.remaining--
			}
		}
		t.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		if status != 0 {
			writeError(w, status, fmt.Sprintf("injected failure for %s", path))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *Tracker) counter(path string) *atomic.Int64 {
	t.callsMu.Lock()
	defer t.callsMu.Unlock()
	if c, ok := t.calls[path]; ok {
		return c
	}
	c := &atomic.Int64{}
	t.calls[path] = c
	return c
}

// --- Fixture management ---

func docKey(year, tn string) string {
	return year + "\x00" + tn
}

func fileKey(year, tn, form string) string {
	return year + "\x00" + tn + "\x00" + form
}

// AddDocument registers or replaces a document.
func (t *Tracker) AddDocument(d *Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs[docKey(d.Year, d.TrackingNumber)] = d
}

// PutFile stores an attachment directly, bypassing the upload endpoint.
func (t *Tracker) PutFile(year, tn string, f StoredFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := fileKey(year, tn, f.FormType)
	t.files[k] = append(t.files[k], f)
}

// Files returns the attachments stored for one form.
func (t *Tracker) Files(year, tn, form string) []StoredFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StoredFile(nil), t.files[fileKey(year, tn, form)]...)
}

// Uploads returns every upload request received so far.
func (t *Tracker) Uploads() []Upload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Upload(nil), t.uploads...)
}

// --- Fault injection and inspection ---

// RequireToken makes every endpoint reject requests without this bearer
// token. An empty token disables the check.
func (t *Tracker) RequireToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// FailPath makes the next n calls to path fail with status. A negative n
// fails every call until ClearFaults.
func (t *Tracker) FailPath(path string, status, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[path] = &fault{status: status, remaining: n}
}

// FailForm makes GET /attachments fail with status for one form.
func (t *Tracker) FailForm(form string, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formFaults[form] = status
}

// PayloadStatus makes the "upload" or "remove" endpoint answer 200 with the
// given status discriminator instead of performing the mutation.
func (t *Tracker) PayloadStatus(op, status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payloads[op] = payloadOverride{status: status, message: message}
}

// Delay holds every response on path for d.
func (t *Tracker) Delay(path string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays[path] = d
}

// ClearFaults removes every injected failure, payload override and delay.
func (t *Tracker) ClearFaults() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = make(map[string]*fault)
	t.formFaults = make(map[string]int)
	t.payloads = make(map[string]payloadOverride)
	t.delays = make(map[string]time.Duration)
}

// Calls returns how many requests path has received.
func (t *Tracker) Calls(path string) int {
	return int(t.counter(path).Load())
}

// TotalCalls returns the number of requests received on any path.
func (t *Tracker) TotalCalls() int {
	return int(t.total.Load())
}

// CallCounts returns a snapshot of the per-path counters, omitting paths
// that were never called.
func (t *Tracker) CallCounts() map[string]int {
	t.callsMu.Lock()
	defer t.callsMu.Unlock()
	out := make(map[string]int, len(t.calls))
	for path, c := range t.calls {
		if n := c.Load(); n > 0 {
			out[path] = int(n)
		}
	}
	return out
}

// ResetCalls zeroes every call counter.
func (t *Tracker) ResetCalls() {
	t.callsMu.Lock()
	defer t.callsMu.Unlock()
	for _, c := range t.calls {
		c.Store(0)
	}
	t.total.Store(0)
}

// --- Handlers ---

func (t *Tracker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// section serves one per-document resource. Typed sections also require a
// PR, PO or PX TrackingType parameter.
func (t *Tracker) section(pick func(*Document) any, typed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		year, tn := q.Get("Year"), q.Get("TrackingNumber")
		if year == "" || tn == "" {
			writeError(w, http.StatusBadRequest, "Year and TrackingNumber are required")
			return
		}
		if typed {
			if _, ok := forms.ParseTrackingType(q.Get("TrackingType")); !ok {
				writeError(w, http.StatusBadRequest, "TrackingType must be PR, PO or PX")
				return
			}
		}

		t.mu.Lock()
		d, ok := t.docs[docKey(year, tn)]
		var body any
		if ok {
			body = pick(d)
		}
		t.mu.Unlock()

		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("document %s/%s not found", year, tn))
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type indexEntry struct {
	TrackingNumber string    `json:"TrackingNumber"`
	FormType       string    `json:"FormType"`
	Count          int       `json:"Count"`
	LastUploadedAt time.Time `json:"LastUploadedAt"`
}

func (t *Tracker) handleOfficeIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, office := q.Get("Year"), q.Get("OfficeCode")
	if year == "" || office == "" {
		writeError(w, http.StatusBadRequest, "Year and OfficeCode are required")
		return
	}

	t.mu.Lock()
	entries := []indexEntry{}
	for _, d := range t.docs {
		if d.Year != year || d.OfficeCode != office {
			continue
		}
		for _, form := range forms.Catalog {
			stored := t.files[fileKey(d.Year, d.TrackingNumber, string(form))]
			if len(stored) == 0 {
				continue
			}
			e := indexEntry{TrackingNumber: d.TrackingNumber, FormType: string(form), Count: len(stored)}
			for _, f := range stored {
				if f.UploadedAt.After(e.LastUploadedAt) {
					e.LastUploadedAt = f.UploadedAt
				}
			}
			entries = append(entries, e)
		}
	}
	t.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TrackingNumber < entries[j].TrackingNumber
	})
	writeJSON(w, http.StatusOK, entries)
}

func (t *Tracker) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, tn, form := q.Get("Year"), q.Get("TrackingNumber"), q.Get("Form")
	if year == "" || tn == "" || form == "" {
		writeError(w, http.StatusBadRequest, "Year, TrackingNumber and Form are required")
		return
	}

	t.mu.Lock()
	status := t.formFaults[form]
	stored := append([]StoredFile{}, t.files[fileKey(year, tn, form)]...)
	t.mu.Unlock()

	if status != 0 {
		writeError(w, status, fmt.Sprintf("injected failure for form %s", form))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type mutationResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Files   []StoredFile `json:"files,omitempty"`
}

func (t *Tracker) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}

	up := Upload{
		Year:           r.FormValue("Year"),
		TrackingNumber: r.FormValue("TrackingNumber"),
		Form:           r.FormValue("Form"),
		EmployeeNumber: r.FormValue("EmployeeNumber"),
	}

	var parts []UploadedFile
	for _, fh := range r.MultipartForm.File["files[]"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("open part %s: %v", fh.Filename, err))
			return
		}
		n, _ := io.Copy(io.Discard, f)
		f.Close()
		parts = append(parts, UploadedFile{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Size: n})
	}
	up.Files = parts

	t.mu.Lock()
	t.uploads = append(t.uploads, up)
	override, overridden := t.payloads["upload"]
	t.mu.Unlock()

	if overridden {
		writeJSON(w, http.StatusOK, mutationResponse{Status: override.status, Message: override.message})
		return
	}

	if msg := missing(map[string]string{"Year": up.Year, "TrackingNumber": up.TrackingNumber, "Form": up.Form, "EmployeeNumber": up.EmployeeNumber}); msg != "" {
		writeJSON(w, http.StatusOK, mutationResponse{Status: "error", Message: msg})
		return
	}
	if len(parts) == 0 {
		writeJSON(w, http.StatusOK, mutationResponse{Status: "error", Message: "no files received"})
		return
	}
	if _, err := forms.ParseFormType(up.Form); err != nil {
		writeJSON(w, http.StatusOK, mutationResponse{Status: "error", Message: err.Error()})
		return
	}

	now := time.Now().UTC()
	stored := make([]StoredFile, 0, len(parts))
	for _, p := range parts {
		stored = append(stored, StoredFile{
			FileIdentifier: fmt.Sprintf("f-%d", t.nextID.Add(1)),
			FormType:       up.Form,
			FileName:       p.Name,
			UploadedAt:     now,
			UploadedBy:     up.EmployeeNumber,
			Size:           p.Size,
		})
	}

	t.mu.Lock()
	k := fileKey(up.Year, up.TrackingNumber, up.Form)
	t.files[k] = append(t.files[k], stored...)
	t.mu.Unlock()

	writeJSON(w, http.StatusOK, mutationResponse{
		Status:  "success",
		Message: fmt.Sprintf("%d file(s) uploaded", len(stored)),
		Files:   stored,
	})
}

func (t *Tracker) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form body: %v", err))
		return
	}
	year, tn, form := r.PostForm.Get("Year"), r.PostForm.Get("TrackingNumber"), r.PostForm.Get("Form")

	t.mu.Lock()
	override, overridden := t.payloads["remove"]
	t.mu.Unlock()

	if overridden {
		writeJSON(w, http.StatusOK, mutationResponse{Status: override.status, Message: override.message})
		return
	}
	if msg := missing(map[string]string{"Year": year, "TrackingNumber": tn, "Form": form}); msg != "" {
		writeJSON(w, http.StatusOK, mutationResponse{Status: "error", Message: msg})
		return
	}

	t.mu.Lock()
	k := fileKey(year, tn, form)
	n := len(t.files[k])
	delete(t.files, k)
	t.mu.Unlock()

	if n == 0 {
		writeJSON(w, http.StatusOK, mutationResponse{Status: "error", Message: "no attachment to remove"})
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Status: "success", Message: fmt.Sprintf("%d file(s) removed", n)})
}

// --- Helpers ---

func missing(fields map[string]string) string {
	var names []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return "missing " + strings.Join(names, ", ")
}

func listOrEmpty(items []map[string]any) []map[string]any {
	if items == nil {
		return []map[string]any{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
