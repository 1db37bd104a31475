package attachment

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/doctrack/forms"
	"github.com/c360studio/doctrack/query"
	"github.com/c360studio/doctrack/trackertest"
	"github.com/c360studio/doctrack/transport"
)

func fastRetry() transport.RetryConfig {
	return transport.RetryConfig{
		MaxRetries:        2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        5 * time.Millisecond,
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return Notification{}
	}
	return r.got[len(r.got)-1]
}

type fixture struct {
	tracker  *trackertest.Tracker
	cache    *query.Cache
	svc      *Service
	notifier *recordingNotifier
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := trackertest.Start(t)
	cache := query.NewCache(query.WithRetry(fastRetry()))
	notifier := &recordingNotifier{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewService(transport.NewClient(tr.URL), cache,
		WithRetry(fastRetry()),
		WithNotifier(notifier),
		WithMetrics(metrics))

	return &fixture{tracker: tr, cache: cache, svc: svc, notifier: notifier, metrics: metrics}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestForDocument_MissingParameters(t *testing.T) {
	tests := []struct {
		name         string
		year, tn, tt string
		want         []string
	}{
		{"no year", "", "T-001", "PR", []string{"year"}},
		{"no tracking number", "2025", "", "PR", []string{"trackingNumber"}},
		{"no tracking type", "2025", "T-001", "", []string{"trackingType"}},
		{"nothing", "", "", "", []string{"year", "trackingNumber", "trackingType"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			records, err := f.svc.ForDocument(context.Background(), tt.year, tt.tn, tt.tt)
			require.Error(t, err)
			assert.Nil(t, records)

			var missing *MissingParameterError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.want, missing.Params)
			assert.Zero(t, f.tracker.TotalCalls())
		})
	}
}

func TestForDocument_FormOrderAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, forms.FormOBR, records[0].FormType)
	assert.Equal(t, forms.FormPR, records[1].FormType)
	assert.Equal(t, 6, f.tracker.Calls(trackertest.PathAttachments))

	again, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	assert.Equal(t, records, again)
	assert.Equal(t, 6, f.tracker.Calls(trackertest.PathAttachments))
}

func TestForDocument_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.tracker.FailForm("RFQ Form", http.StatusInternalServerError)

	records, err := f.svc.ForDocument(context.Background(), "2025", "T-001", "PR")
	require.Error(t, err)
	assert.Nil(t, records)
	assert.Contains(t, err.Error(), "RFQ Form")
	assert.Equal(t, http.StatusInternalServerError, transport.StatusCode(err))
}

func TestForDocument_SingleFormFallback(t *testing.T) {
	f := newFixture(t)

	records, err := f.svc.ForDocument(context.Background(), "2025", "PO-0042", "PO Form")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "f-po-1", records[0].FileIdentifier)
	assert.Equal(t, 1, f.tracker.Calls(trackertest.PathAttachments))
}

func TestForDocument_UnknownTrackingType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ForDocument(context.Background(), "2025", "T-001", "letter")
	require.ErrorIs(t, err, forms.ErrUnknownForm)
	assert.Zero(t, f.tracker.TotalCalls())
}

func TestDocumentQuery_IdleWhenIncomplete(t *testing.T) {
	f := newFixture(t)

	r := f.svc.DocumentQuery(context.Background(), "2025", "", "PR")
	assert.Equal(t, query.StatusIdle, r.Status)
	assert.NoError(t, r.Err)
	assert.Zero(t, f.tracker.TotalCalls())

	r = f.svc.DocumentQuery(context.Background(), "2025", "PX-0107", "PX")
	assert.Equal(t, query.StatusSuccess, r.Status)
	assert.Empty(t, r.Data)
	assert.NotNil(t, r.Data)
}

func TestOfficeIndex(t *testing.T) {
	t.Run("missing parameters resolve to empty", func(t *testing.T) {
		f := newFixture(t)
		entries := f.svc.OfficeIndex(context.Background(), "", "ENG-01")
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
		assert.Zero(t, f.tracker.TotalCalls())
	})

	t.Run("lists office attachments", func(t *testing.T) {
		f := newFixture(t)
		entries := f.svc.OfficeIndex(context.Background(), "2025", "ENG-01")
		require.Len(t, entries, 3)
		assert.Equal(t, "PO-0042", entries[0].TrackingNumber)
	})

	t.Run("failure degrades to empty", func(t *testing.T) {
		f := newFixture(t)
		f.tracker.FailPath(trackertest.PathOfficeIndex, http.StatusBadGateway, -1)

		entries := f.svc.OfficeIndex(context.Background(), "2025", "ENG-01")
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
		assert.Equal(t, 3, f.tracker.Calls(trackertest.PathOfficeIndex))
	})
}

func TestUpload_InvalidatesExactFormKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	f.svc.OfficeIndex(ctx, "2025", "ENG-01")

	var order []string
	cb := Callbacks{
		OnSuccess: func(*MutationResponse) { order = append(order, "success") },
		OnError:   func(error) { order = append(order, "error") },
		OnSettled: func(*MutationResponse, error) { order = append(order, "settled") },
	}

	path := writeTempFile(t, "obr-signed.pdf", "%PDF-1.4")
	resp, err := f.svc.Upload(ctx, UploadRequest{
		Files:          []File{{URI: "file://" + filepath.ToSlash(path)}},
		Year:           "2025",
		TrackingNumber: "T-001",
		FormType:       "OBR Form",
		EmployeeNumber: "1042",
	}, cb)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []string{"success", "settled"}, order)

	cached, _, ok := f.cache.Peek(FormKey("2025", "T-001", forms.FormOBR))
	require.True(t, ok)
	assert.Len(t, cached.([]Record), 2)
	assert.False(t, f.cache.IsStale(FormKey("2025", "T-001", forms.FormOBR)))

	calls := f.tracker.Calls(trackertest.PathAttachments)
	records, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, calls, f.tracker.Calls(trackertest.PathAttachments))

	uploads := f.tracker.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "1042", uploads[0].EmployeeNumber)
	require.Len(t, uploads[0].Files, 1)
	assert.Equal(t, "obr-signed.pdf", uploads[0].Files[0].Name)
	assert.Equal(t, "application/pdf", uploads[0].Files[0].ContentType)

	assert.Equal(t, LevelInfo, f.notifier.last().Level)
	assert.Equal(t, "Upload successful", f.notifier.last().Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.mutations.WithLabelValues(opUpload, outcomeSuccess)))
}

func TestUpload_LeavesUnrelatedFormsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ForDocument(ctx, "2025", "PX-0107", "PX")
	require.NoError(t, err)

	path := writeTempFile(t, "dv.pdf", "dv")
	_, err = f.svc.Upload(ctx, UploadRequest{
		Files:          []File{{URI: path}},
		Year:           "2025",
		TrackingNumber: "T-001",
		FormType:       "DV Form",
		EmployeeNumber: "1042",
	}, Callbacks{})
	require.NoError(t, err)

	assert.False(t, f.cache.IsStale(DocumentKey("2025", "PX-0107", "PX")))
}

func TestUpload_PayloadErrorRoutesToOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.PayloadStatus("upload", "error", "duplicate file")

	_, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)

	var gotErr error
	settled := false
	path := writeTempFile(t, "obr.pdf", "x")
	resp, err := f.svc.Upload(ctx, UploadRequest{
		Files:          []File{{URI: path}},
		Year:           "2025",
		TrackingNumber: "T-001",
		FormType:       "OBR Form",
		EmployeeNumber: "1042",
	}, Callbacks{
		OnSuccess: func(*MutationResponse) { t.Error("OnSuccess must not run") },
		OnError:   func(err error) { gotErr = err },
		OnSettled: func(*MutationResponse, error) { settled = true },
	})

	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, "error", payloadErr.Status)
	assert.Equal(t, "duplicate file", payloadErr.Message)
	assert.Equal(t, err, gotErr)
	assert.True(t, settled)
	require.NotNil(t, resp)
	assert.Equal(t, "error", resp.Status)

	assert.Equal(t, 1, f.tracker.Calls(trackertest.PathUpload))
	assert.False(t, f.cache.IsStale(DocumentKey("2025", "T-001", "PR")))
	assert.Equal(t, LevelError, f.notifier.last().Level)
	assert.Equal(t, "Upload failed", f.notifier.last().Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.mutations.WithLabelValues(opUpload, outcomeRejected)))
}

func TestUpload_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  UploadRequest
		want []string
	}{
		{
			name: "no files",
			req:  UploadRequest{Year: "2025", TrackingNumber: "T-001", FormType: "OBR Form", EmployeeNumber: "1042"},
			want: []string{"files"},
		},
		{
			name: "no employee number",
			req:  UploadRequest{Files: []File{{URI: "a.pdf"}}, Year: "2025", TrackingNumber: "T-001", FormType: "OBR Form"},
			want: []string{"employeeNumber"},
		},
		{
			name: "no year or tracking number",
			req:  UploadRequest{Files: []File{{URI: "a.pdf"}}, FormType: "OBR Form", EmployeeNumber: "1042"},
			want: []string{"year", "trackingNumber"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var settledErr error

			_, err := f.svc.Upload(context.Background(), tt.req, Callbacks{
				OnSettled: func(_ *MutationResponse, err error) { settledErr = err },
			})

			var missing *MissingParameterError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.want, missing.Params)
			assert.Equal(t, err, settledErr)
			assert.Zero(t, f.tracker.TotalCalls())
			assert.Equal(t, LevelWarn, f.notifier.last().Level)
		})
	}
}

func TestUpload_UnknownFormRejectedBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Files:          []File{{URI: "a.pdf"}},
		Year:           "2025",
		TrackingNumber: "T-001",
		FormType:       "Letter",
		EmployeeNumber: "1042",
	}, Callbacks{})
	require.ErrorIs(t, err, forms.ErrUnknownForm)
	assert.Zero(t, f.tracker.TotalCalls())
}

func TestUpload_MissingLocalFile(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Files:          []File{{URI: filepath.Join(t.TempDir(), "absent.pdf")}},
		Year:           "2025",
		TrackingNumber: "T-001",
		FormType:       "OBR Form",
		EmployeeNumber: "1042",
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Zero(t, f.tracker.TotalCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.mutations.WithLabelValues(opUpload, outcomeError)))
}

func TestUpload_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.tracker.FailPath(trackertest.PathUpload, http.StatusServiceUnavailable, 1)

	path := writeTempFile(t, "po.pdf", "po")
	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Files:          []File{{URI: path, Name: "purchase-order.pdf", MIMEType: "application/pdf"}},
		Year:           "2025",
		TrackingNumber: "PO-0042",
		FormType:       "PO Form",
		EmployeeNumber: "1077",
	}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.tracker.Calls(trackertest.PathUpload))
	assert.Len(t, f.tracker.Files("2025", "PO-0042", "PO Form"), 2)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	require.Len(t, records, 2)

	resp, err := f.svc.Remove(ctx, RemoveRequest{Year: "2025", TrackingNumber: "T-001", FormType: "PR Form"}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "Attachment removed", f.notifier.last().Title)

	records, err = f.svc.ForDocument(ctx, "2025", "T-001", "PR")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, forms.FormOBR, records[0].FormType)

	_, err = f.svc.Remove(ctx, RemoveRequest{Year: "2025", TrackingNumber: "T-001", FormType: "PR Form"}, Callbacks{})
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, "Remove failed", f.notifier.last().Title)
}

func TestRemove_MissingParameters(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Remove(context.Background(), RemoveRequest{Year: "2025"}, Callbacks{})
	var missing *MissingParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"trackingNumber", "formType"}, missing.Params)
	assert.Zero(t, f.tracker.TotalCalls())
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	f.tracker.Delay(trackertest.PathRemove, 200*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Remove(context.Background(), RemoveRequest{Year: "2025", TrackingNumber: "T-001", FormType: "OBR Form"}, Callbacks{})
		done <- err
	}()

	assert.Eventually(t, func() bool {
		return f.svc.Pending("2025", "T-001", forms.FormOBR)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.svc.Pending("2025", "T-001", forms.FormPR))

	require.NoError(t, <-done)
	assert.False(t, f.svc.Pending("2025", "T-001", forms.FormOBR))
}
