package attachment

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/doctrack/forms"
)

// Cache resource names. Query keys are (resource, year, tracking number,
// tracking type or form) and (resource, year, office code).
const (
	ResourceFiles = "attachmentFiles"
	ResourceIndex = "tnAttachments"
)

// StatusSuccess is the payload status discriminator of a successful
// mutation. Any other value is a logical failure.
const StatusSuccess = "success"

// Record is one stored file for a (document, form) pair.
type Record struct {
	FileIdentifier string         `json:"FileIdentifier"`
	FormType       forms.FormType `json:"FormType"`
	UploadedAt     time.Time      `json:"UploadedAt"`
	FileName       string         `json:"FileName,omitempty"`
	UploadedBy     string         `json:"UploadedBy,omitempty"`
	URL            string         `json:"URL,omitempty"`
}

// IndexEntry summarizes the attachments of one form on one tracking number
// in an office's index.
type IndexEntry struct {
	TrackingNumber string         `json:"TrackingNumber"`
	FormType       forms.FormType `json:"FormType"`
	Count          int            `json:"Count"`
	LastUploadedAt time.Time      `json:"LastUploadedAt"`
}

// File is a local file staged for upload. URI is a file:// URI or a plain
// path. Name and MIMEType are derived from the URI when empty.
type File struct {
	URI      string
	Name     string
	MIMEType string
}

// UploadRequest attaches files to one form of a document.
type UploadRequest struct {
	Files          []File
	Year           string
	TrackingNumber string
	FormType       string
	EmployeeNumber string
}

// RemoveRequest deletes the attachments of one form of a document.
type RemoveRequest struct {
	Year           string
	TrackingNumber string
	FormType       string
}

// MutationResponse is the body of an upload or remove response.
type MutationResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Files   []Record `json:"files,omitempty"`
}

// Callbacks observe a mutation. OnSettled always runs last, after either
// OnSuccess or OnError; callers use it to clear staged selections.
type Callbacks struct {
	OnSuccess func(resp *MutationResponse)
	OnError   func(err error)
	OnSettled func(resp *MutationResponse, err error)
}

// MissingParameterError reports required identifiers that were empty.
// No request is sent when it is returned.
type MissingParameterError struct {
	Op     string
	Params []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s: missing required parameter(s): %s", e.Op, strings.Join(e.Params, ", "))
}

// PayloadError is a 2xx mutation response whose status is not success.
type PayloadError struct {
	Op      string
	Status  string
	Message string
}

func (e *PayloadError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: status %q", e.Op, e.Status)
	}
	return fmt.Sprintf("%s rejected: status %q: %s", e.Op, e.Status, e.Message)
}

// missingParams returns the names of empty values, in argument order.
// Arguments alternate name, value.
func missingParams(pairs ...string) []string {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	return missing
}
