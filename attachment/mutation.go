package attachment

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/doctrack/forms"
	"github.com/c360studio/doctrack/query"
	"github.com/c360studio/doctrack/transport"
)

const (
	opUpload = "upload"
	opRemove = "remove"
)

// Upload sends req.Files as one multipart request. On a success payload it
// invalidates and refetches every cached list containing the form, then
// calls OnSuccess. Invalid requests, transport failures and non-success
// payloads go to OnError. OnSettled runs last in every case.
func (s *Service) Upload(ctx context.Context, req UploadRequest, cb Callbacks) (*MutationResponse, error) {
	missing := missingParams("year", req.Year, "trackingNumber", req.TrackingNumber,
		"formType", req.FormType, "employeeNumber", req.EmployeeNumber)
	if len(req.Files) == 0 {
		missing = append([]string{"files"}, missing...)
	}
	if len(missing) > 0 {
		return nil, s.invalid(opUpload, &MissingParameterError{Op: opUpload, Params: missing}, cb)
	}

	form, err := forms.ParseFormType(req.FormType)
	if err != nil {
		return nil, s.invalid(opUpload, fmt.Errorf("%s: %w", opUpload, err), cb)
	}

	parts, err := filesToParts(req.Files)
	if err != nil {
		return nil, s.failed(opUpload, err, cb)
	}

	fields := map[string]string{
		"Year":           req.Year,
		"TrackingNumber": req.TrackingNumber,
		"Form":           string(form),
		"EmployeeNumber": req.EmployeeNumber,
	}
	return s.mutate(ctx, opUpload, req.Year, req.TrackingNumber, form, cb, func(ctx context.Context, out *MutationResponse) error {
		return s.client.PostMultipart(ctx, pathUpload, fields, parts, out)
	})
}

// Remove deletes the attachments of one form. Confirmation is the
// caller's responsibility; once called the request is sent. Outcomes are
// routed exactly as for Upload.
func (s *Service) Remove(ctx context.Context, req RemoveRequest, cb Callbacks) (*MutationResponse, error) {
	missing := missingParams("year", req.Year, "trackingNumber", req.TrackingNumber, "formType", req.FormType)
	if len(missing) > 0 {
		return nil, s.invalid(opRemove, &MissingParameterError{Op: opRemove, Params: missing}, cb)
	}

	form, err := forms.ParseFormType(req.FormType)
	if err != nil {
		return nil, s.invalid(opRemove, fmt.Errorf("%s: %w", opRemove, err), cb)
	}

	params := url.Values{
		"Year":           {req.Year},
		"TrackingNumber": {req.TrackingNumber},
		"Form":           {string(form)},
	}
	return s.mutate(ctx, opRemove, req.Year, req.TrackingNumber, form, cb, func(ctx context.Context, out *MutationResponse) error {
		return s.client.PostForm(ctx, pathRemove, params, out)
	})
}

// Pending reports whether a mutation on (year, tn, form) is in flight.
func (s *Service) Pending(year, tn string, form forms.FormType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[pendingKey(year, tn, form)] > 0
}

func pendingKey(year, tn string, form forms.FormType) string {
	return FormKey(year, tn, form).String()
}

func (s *Service) track(year, tn string, form forms.FormType) func() {
	k := pendingKey(year, tn, form)

	s.mu.Lock()
	s.pending[k]++
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pending[k]--; s.pending[k] <= 0 {
			delete(s.pending, k)
		}
	}
}

func (s *Service) mutate(ctx context.Context, op, year, tn string, form forms.FormType, cb Callbacks, call func(context.Context, *MutationResponse) error) (*MutationResponse, error) {
	done := s.track(year, tn, form)
	defer done()

	var resp *MutationResponse
	err := transport.Retry(ctx, s.retry, func(ctx context.Context) error {
		resp = &MutationResponse{}
		return call(ctx, resp)
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Debug("Attachment mutation failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", wait,
			"error", err)
	})
	if err != nil {
		return nil, s.failed(op, fmt.Errorf("%s %s: %w", op, form, err), cb)
	}

	if resp.Status != StatusSuccess {
		perr := &PayloadError{Op: op, Status: resp.Status, Message: resp.Message}
		s.metrics.mutation(op, outcomeRejected)
		s.logger.Warn("Attachment mutation rejected",
			"op", op,
			"year", year,
			"tracking_number", tn,
			"form", form,
			"status", resp.Status,
			"message", resp.Message)
		s.notifier.Notify(Notification{Level: LevelError, Title: failedTitle(op), Message: perr.Error()})
		s.settle(resp, perr, cb)
		return resp, perr
	}

	n := s.Invalidate(ctx, year, tn, form)
	s.metrics.mutation(op, outcomeSuccess)
	s.logger.Info("Attachment mutation succeeded",
		"op", op,
		"year", year,
		"tracking_number", tn,
		"form", form,
		"invalidated", n)
	s.notifier.Notify(Notification{Level: LevelInfo, Title: successTitle(op), Message: resp.Message})
	s.settle(resp, nil, cb)
	return resp, nil
}

// Invalidate marks every cached attachment list that includes form on the
// given document stale and refetches the ones in use, along with the
// office indexes for that year. It returns the number of entries
// invalidated.
func (s *Service) Invalidate(ctx context.Context, year, tn string, form forms.FormType) int {
	return s.cache.Invalidate(ctx, query.Any(
		affectedLists(year, tn, form),
		query.Prefix(ResourceIndex, year),
	))
}

// affectedLists matches the per-form entry for form and every per-document
// entry whose form list contains it.
func affectedLists(year, tn string, form forms.FormType) query.Matcher {
	return func(k query.Key) bool {
		if k.Resource != ResourceFiles || len(k.Params) != 3 {
			return false
		}
		if k.Params[0] != year || k.Params[1] != tn {
			return false
		}
		return forms.Contains(k.Params[2], form)
	}
}

// invalid handles a request rejected before any I/O.
func (s *Service) invalid(op string, err error, cb Callbacks) error {
	s.metrics.mutation(op, outcomeInvalid)
	s.notifier.Notify(Notification{Level: LevelWarn, Title: failedTitle(op), Message: err.Error()})
	s.settle(nil, err, cb)
	return err
}

func (s *Service) failed(op string, err error, cb Callbacks) error {
	s.metrics.mutation(op, outcomeError)
	s.logger.Error("Attachment mutation failed", "op", op, "error", err)
	s.notifier.Notify(Notification{Level: LevelError, Title: failedTitle(op), Message: err.Error()})
	s.settle(nil, err, cb)
	return err
}

func (s *Service) settle(resp *MutationResponse, err error, cb Callbacks) {
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	} else if cb.OnSuccess != nil {
		cb.OnSuccess(resp)
	}
	if cb.OnSettled != nil {
		cb.OnSettled(resp, err)
	}
}

func successTitle(op string) string {
	if op == opRemove {
		return "Attachment removed"
	}
	return "Upload successful"
}

func failedTitle(op string) string {
	if op == opRemove {
		return "Remove failed"
	}
	return "Upload failed"
}

// filesToParts resolves each file's path, name and MIME type. Files are
// checked up front so a bad path fails before any request is sent.
func filesToParts(files []File) ([]transport.Part, error) {
	parts := make([]transport.Part, 0, len(files))
	for _, f := range files {
		path, err := localPath(f.URI)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}

		name := f.Name
		if name == "" {
			name = filepath.Base(path)
		}
		mimeType := f.MIMEType
		if mimeType == "" {
			mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		parts = append(parts, transport.Part{
			FieldName:   "files[]",
			FileName:    name,
			ContentType: mimeType,
			Open: func() (io.ReadCloser, error) {
				return os.Open(path)
			},
		})
	}
	return parts, nil
}

func localPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse file uri %q: %w", uri, err)
	}
	return filepath.FromSlash(u.Path), nil
}
