package models

// Severity of a single validation or mapping issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found on one record.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// ValidationResult is the per-record outcome of the validation layers. A
// record with any error-severity issue is excluded from import; warnings are
// recorded but do not block.
type ValidationResult struct {
	ExternalID string
	Issues     []Issue
}

func (r *ValidationResult) AddError(field, code, message string) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityError, Field: field, Code: code, Message: message})
}

func (r *ValidationResult) AddWarning(field, code, message string) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityWarning, Field: field, Code: code, Message: message})
}

func (r *ValidationResult) Valid() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *ValidationResult) Warnings() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			n++
		}
	}
	return n
}

// BatchQuality aggregates data-quality statistics across one batch.
type BatchQuality struct {
	Records          int     `json:"records"`
	Duplicates       int     `json:"duplicates"`
	DuplicateRate    float64 `json:"duplicate_rate"`
	CompletenessRate float64 `json:"completeness_rate"`
}
