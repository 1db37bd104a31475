// Package forms maps tracking types to the attachment form categories that
// apply to them.
package forms

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownForm is returned when a form identifier is not in the catalog.
var ErrUnknownForm = errors.New("unknown form type")

// TrackingType is the coarse category of a tracked transaction.
type TrackingType string

const (
	TrackingPR TrackingType = "PR" // Purchase Request
	TrackingPO TrackingType = "PO" // Purchase Order
	TrackingPX TrackingType = "PX" // Payment
)

// ParseTrackingType normalizes s to a known tracking type.
func ParseTrackingType(s string) (TrackingType, bool) {
	switch TrackingType(strings.ToUpper(strings.TrimSpace(s))) {
	case TrackingPR:
		return TrackingPR, true
	case TrackingPO:
		return TrackingPO, true
	case TrackingPX:
		return TrackingPX, true
	default:
		return "", false
	}
}

// FormType names a category of supporting document attachable to a
// tracking number.
type FormType string

const (
	FormOBR        FormType = "OBR Form"
	FormPR         FormType = "PR Form"
	FormPO         FormType = "PO Form"
	FormRFQ        FormType = "RFQ Form"
	FormNOA        FormType = "NOA"
	FormNTP        FormType = "NTP"
	FormAbstract   FormType = "Abstract of Bids"
	FormDV         FormType = "DV Form"
	FormIAR        FormType = "IAR"
	FormPayroll    FormType = "Payroll"
	FormAcceptance FormType = "Certificate of Acceptance"
)

// Catalog lists every known form type.
var Catalog = []FormType{
	FormOBR, FormPR, FormPO, FormRFQ, FormNOA, FormNTP,
	FormAbstract, FormDV, FormIAR, FormPayroll, FormAcceptance,
}

var byTrackingType = map[TrackingType][]FormType{
	TrackingPR: {FormOBR, FormPR, FormPO, FormRFQ, FormNOA, FormNTP},
	TrackingPO: {FormOBR, FormPO, FormAbstract, FormNOA, FormNTP, FormIAR},
	TrackingPX: {FormOBR, FormDV, FormPayroll, FormAcceptance},
}

// ParseFormType matches s against the catalog, ignoring case and
// surrounding whitespace.
func ParseFormType(s string) (FormType, error) {
	trimmed := strings.TrimSpace(s)
	for _, f := range Catalog {
		if strings.EqualFold(string(f), trimmed) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownForm, s)
}

// FormsFor returns the ordered form list for a tracking type.
//
// Callers that already know a single form may pass its name instead of a
// tracking type; the result is then that one form. Anything that is neither
// a tracking type nor a catalog form is rejected.
func FormsFor(trackingType string) ([]FormType, error) {
	if tt, ok := ParseTrackingType(trackingType); ok {
		return slices.Clone(byTrackingType[tt]), nil
	}
	f, err := ParseFormType(trackingType)
	if err != nil {
		return nil, err
	}
	return []FormType{f}, nil
}

// Contains reports whether form is among FormsFor(trackingOrForm).
func Contains(trackingOrForm string, form FormType) bool {
	list, err := FormsFor(trackingOrForm)
	if err != nil {
		return false
	}
	return slices.Contains(list, form)
}

// String returns the catalog name.
func (f FormType) String() string {
	return string(f)
}
