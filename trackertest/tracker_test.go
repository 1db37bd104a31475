package trackertest

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, target string, out any) int {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTracker_SeededSections(t *testing.T) {
	tr := Start(t)

	var general map[string]any
	status := getJSON(t, tr.URL+PathGeneral+"?Year=2025&TrackingNumber=T-001", &general)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PR", general["TrackingType"])

	var items []map[string]any
	status = getJSON(t, tr.URL+PathLineItems+"?Year=2025&TrackingNumber=T-001&TrackingType=PR", &items)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, items, 2)

	status = getJSON(t, tr.URL+PathLineItems+"?Year=2025&TrackingNumber=T-001&TrackingType=XX", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = getJSON(t, tr.URL+PathGeneral+"?Year=2025&TrackingNumber=NOPE", nil)
	assert.Equal(t, http.StatusNotFound, status)

	var salary []map[string]any
	getJSON(t, tr.URL+PathSalary+"?Year=2025&TrackingNumber=T-001", &salary)
	assert.NotNil(t, salary)
	assert.Empty(t, salary)

	assert.Equal(t, 2, tr.Calls(PathGeneral))
	assert.Equal(t, 1, tr.Calls(PathSalary))
}

func TestTracker_OfficeIndex(t *testing.T) {
	tr := Start(t)

	var entries []indexEntry
	getJSON(t, tr.URL+PathOfficeIndex+"?Year=2025&OfficeCode=ENG-01", &entries)
	require.Len(t, entries, 3)
	assert.Equal(t, "PO-0042", entries[0].TrackingNumber)
	assert.Equal(t, "T-001", entries[1].TrackingNumber)
	assert.Equal(t, "OBR Form", entries[1].FormType)
	assert.Equal(t, 1, entries[1].Count)
}

func uploadBody(t *testing.T, fields map[string]string, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, n := range names {
		w, err := mw.CreateFormFile("files[]", n)
		require.NoError(t, err)
		_, _ = w.Write([]byte("content of " + n))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestTracker_UploadAndRemove(t *testing.T) {
	tr := Start(t)

	body, ct := uploadBody(t, map[string]string{
		"Year": "2025", "TrackingNumber": "T-001", "Form": "RFQ Form", "EmployeeNumber": "1042",
	}, "rfq.pdf", "rfq-2.pdf")
	resp, err := http.Post(tr.URL+PathUpload, ct, body)
	require.NoError(t, err)
	var out mutationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	assert.Equal(t, "success", out.Status)
	assert.Len(t, tr.Files("2025", "T-001", "RFQ Form"), 2)
	require.Len(t, tr.Uploads(), 1)
	assert.Equal(t, "1042", tr.Uploads()[0].EmployeeNumber)

	form := url.Values{"Year": {"2025"}, "TrackingNumber": {"T-001"}, "Form": {"RFQ Form"}}
	resp, err = http.Post(tr.URL+PathRemove, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	assert.Equal(t, "success", out.Status)
	assert.Empty(t, tr.Files("2025", "T-001", "RFQ Form"))
}

func TestTracker_PayloadStatusOverride(t *testing.T) {
	tr := Start(t)
	tr.PayloadStatus("upload", "error", "storage full")

	body, ct := uploadBody(t, map[string]string{
		"Year": "2025", "TrackingNumber": "T-001", "Form": "OBR Form", "EmployeeNumber": "1042",
	}, "obr-2.pdf")
	resp, err := http.Post(tr.URL+PathUpload, ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out mutationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "storage full", out.Message)
	assert.Len(t, tr.Files("2025", "T-001", "OBR Form"), 1)
}

func TestTracker_Faults(t *testing.T) {
	tr := Start(t)
	tr.FailPath(PathHistory, http.StatusServiceUnavailable, 1)
	tr.FailForm("PR Form", http.StatusInternalServerError)

	target := tr.URL + PathHistory + "?Year=2025&TrackingNumber=T-001"
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, target, nil))
	assert.Equal(t, http.StatusOK, getJSON(t, target, nil))
	assert.Equal(t, 2, tr.Calls(PathHistory))

	assert.Equal(t, http.StatusInternalServerError,
		getJSON(t, tr.URL+PathAttachments+"?Year=2025&TrackingNumber=T-001&Form=PR+Form", nil))
	assert.Equal(t, http.StatusOK,
		getJSON(t, tr.URL+PathAttachments+"?Year=2025&TrackingNumber=T-001&Form=OBR+Form", nil))

	tr.ClearFaults()
	tr.ResetCalls()
	assert.Equal(t, http.StatusOK,
		getJSON(t, tr.URL+PathAttachments+"?Year=2025&TrackingNumber=T-001&Form=PR+Form", nil))
	assert.Equal(t, 1, tr.TotalCalls())
}

func TestTracker_RequireToken(t *testing.T) {
	tr := Start(t)
	tr.RequireToken("secret")

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, tr.URL+"/health", nil))

	req, err := http.NewRequest(http.MethodGet, tr.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
