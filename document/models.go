package document

// GeneralInfo is the header record of a tracked document.
type GeneralInfo struct {
	TrackingNumber string  `json:"TrackingNumber"`
	Year           string  `json:"Year"`
	TrackingType   string  `json:"TrackingType"`
	DocumentType   string  `json:"DocumentType"`
	Status         string  `json:"Status"`
	OfficeCode     string  `json:"OfficeCode"`
	Claimant       string  `json:"Claimant,omitempty"`
	Description    string  `json:"Description,omitempty"`
	Amount         float64 `json:"Amount"`
	DateEncoded    string  `json:"DateEncoded,omitempty"`
}

// OBRLine is one budget line of the obligation request.
type OBRLine struct {
	ResponsibilityCenter string  `json:"ResponsibilityCenter"`
	FPP                  string  `json:"FPP"`
	AccountCode          string  `json:"AccountCode"`
	Amount               float64 `json:"Amount"`
}

type SalaryEntry struct {
	EmployeeNumber string  `json:"EmployeeNumber"`
	Name           string  `json:"Name"`
	Position       string  `json:"Position"`
	GrossAmount    float64 `json:"GrossAmount"`
	NetAmount      float64 `json:"NetAmount"`
}

// HistoryEntry is one status transition of the document.
type HistoryEntry struct {
	Status       string `json:"Status"`
	OfficeCode   string `json:"OfficeCode"`
	ActionBy     string `json:"ActionBy"`
	DateModified string `json:"DateModified"`
	Remarks      string `json:"Remarks,omitempty"`
}

// LineItem is one PR, PO or PX detail line.
type LineItem struct {
	Item        int     `json:"Item"`
	Description string  `json:"Description"`
	Unit        string  `json:"Unit"`
	Quantity    float64 `json:"Quantity"`
	UnitCost    float64 `json:"UnitCost"`
	Total       float64 `json:"Total"`
}

type Deduction struct {
	Name   string  `json:"Name"`
	Amount float64 `json:"Amount"`
}

type PaymentBreakdown struct {
	GrossAmount float64     `json:"GrossAmount"`
	Deductions  []Deduction `json:"Deductions"`
	NetAmount   float64     `json:"NetAmount"`
}

type PaymentHistoryEntry struct {
	CheckNumber string  `json:"CheckNumber"`
	ADVNumber   string  `json:"ADVNumber"`
	Amount      float64 `json:"Amount"`
	DatePaid    string  `json:"DatePaid"`
	Status      string  `json:"Status"`
}

type ComputationLine struct {
	Label  string  `json:"Label"`
	Amount float64 `json:"Amount"`
}

type ComputationBreakdown struct {
	Lines []ComputationLine `json:"Lines"`
	Total float64           `json:"Total"`
}
