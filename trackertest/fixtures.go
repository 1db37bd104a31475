package trackertest

import "time"

// Document is the server-side record behind every per-document endpoint.
// Section values are served verbatim as JSON.
type Document struct {
	Year           string
	TrackingNumber string
	TrackingType   string
	OfficeCode     string

	General        map[string]any
	OBR            []map[string]any
	Salary         []map[string]any
	History        []map[string]any
	LineItems      []map[string]any
	Breakdown      map[string]any
	PaymentHistory []map[string]any
	Computation    map[string]any
}

// StoredFile is one attachment held by the fake tracker.
type StoredFile struct {
	FileIdentifier string    `json:"FileIdentifier"`
	FormType       string    `json:"FormType"`
	FileName       string    `json:"FileName"`
	UploadedAt     time.Time `json:"UploadedAt"`
	UploadedBy     string    `json:"UploadedBy"`
	Size           int64     `json:"Size"`
}

var seedTime = time.Date(2025, 2, 14, 8, 30, 0, 0, time.UTC)

// Seed loads a small set of PR, PO and PX documents with attachments.
func (t *Tracker) Seed() {
	t.AddDocument(&Document{
		Year:           "2025",
		TrackingNumber: "T-001",
		TrackingType:   "PR",
		OfficeCode:     "ENG-01",
		General: map[string]any{
			"TrackingNumber": "T-001",
			"Year":           "2025",
			"TrackingType":   "PR",
			"DocumentType":   "Purchase Request",
			"Status":         "For Canvass",
			"OfficeCode":     "ENG-01",
			"Claimant":       "Provincial Engineering Office",
			"Description":    "Road maintenance supplies",
			"Amount":         184500.00,
			"DateEncoded":    "2025-02-10",
		},
		OBR: []map[string]any{
			{"ResponsibilityCenter": "1-01-ENG", "FPP": "3000-1", "AccountCode": "5-02-03-990", "Amount": 184500.00},
		},
		History: []map[string]any{
			{"Status": "Encoded", "OfficeCode": "ENG-01", "ActionBy": "jdelacruz", "DateModified": "2025-02-10 09:12", "Remarks": ""},
			{"Status": "For Canvass", "OfficeCode": "GSO", "ActionBy": "mreyes", "DateModified": "2025-02-12 14:03", "Remarks": "complete"},
		},
		LineItems: []map[string]any{
			{"Item": 1, "Description": "Asphalt sealant", "Unit": "pail", "Quantity": 30, "UnitCost": 4150.00, "Total": 124500.00},
			{"Item": 2, "Description": "Reflective paint", "Unit": "gal", "Quantity": 40, "UnitCost": 1500.00, "Total": 60000.00},
		},
		Breakdown: map[string]any{
			"GrossAmount": 184500.00,
			"Deductions":  []map[string]any{{"Name": "EWT", "Amount": 1647.32}, {"Name": "VAT", "Amount": 8236.61}},
			"NetAmount":   174616.07,
		},
		Computation: map[string]any{
			"Lines": []map[string]any{{"Label": "Gross", "Amount": 184500.00}, {"Label": "Less withholding", "Amount": -9883.93}},
			"Total": 174616.07,
		},
	})

	t.AddDocument(&Document{
		Year:           "2025",
		TrackingNumber: "PO-0042",
		TrackingType:   "PO",
		OfficeCode:     "ENG-01",
		General: map[string]any{
			"TrackingNumber": "PO-0042",
			"Year":           "2025",
			"TrackingType":   "PO",
			"DocumentType":   "Purchase Order",
			"Status":         "For Delivery",
			"OfficeCode":     "ENG-01",
			"Claimant":       "Northroad Trading",
			"Amount":         96000.00,
		},
		LineItems: []map[string]any{
			{"Item": 1, "Description": "Traffic cones", "Unit": "pc", "Quantity": 120, "UnitCost": 800.00, "Total": 96000.00},
		},
	})

	t.AddDocument(&Document{
		Year:           "2025",
		TrackingNumber: "PX-0107",
		TrackingType:   "PX",
		OfficeCode:     "HR-02",
		General: map[string]any{
			"TrackingNumber": "PX-0107",
			"Year":           "2025",
			"TrackingType":   "PX",
			"DocumentType":   "Payroll",
			"Status":         "For Payment",
			"OfficeCode":     "HR-02",
			"Amount":         58200.00,
		},
		Salary: []map[string]any{
			{"EmployeeNumber": "1042", "Name": "Dela Cruz, Juan", "Position": "Engineer II", "GrossAmount": 31200.00, "NetAmount": 27580.00},
			{"EmployeeNumber": "1077", "Name": "Reyes, Maria", "Position": "Admin Aide", "GrossAmount": 27000.00, "NetAmount": 24310.00},
		},
		PaymentHistory: []map[string]any{
			{"CheckNumber": "000871", "ADVNumber": "ADV-25-0311", "Amount": 51890.00, "DatePaid": "2025-03-05", "Status": "Released"},
		},
	})

	t.PutFile("2025", "T-001", StoredFile{FileIdentifier: "f-obr-1", FormType: "OBR Form", FileName: "obr.pdf", UploadedAt: seedTime, UploadedBy: "1042"})
	t.PutFile("2025", "T-001", StoredFile{FileIdentifier: "f-pr-1", FormType: "PR Form", FileName: "pr-signed.pdf", UploadedAt: seedTime, UploadedBy: "1042"})
	t.PutFile("2025", "PO-0042", StoredFile{FileIdentifier: "f-po-1", FormType: "PO Form", FileName: "po.pdf", UploadedAt: seedTime, UploadedBy: "1077"})
}
