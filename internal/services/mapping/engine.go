package mapping

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
)

// DefaultMinConfidence is the acceptance floor for fuzzy header matches.
const DefaultMinConfidence = 0.6

// DefaultReviewThreshold flags records whose weakest field match scored
// below it for manual review even when individually valid.
const DefaultReviewThreshold = 0.8

// FieldMatch records which source field served a canonical field and how
// confidently.
type FieldMatch struct {
	CanonicalField string  `json:"canonical_field"`
	SourceField    string  `json:"source_field"`
	Confidence     float64 `json:"confidence"`
}

// Result is the mapping outcome for one raw record. Confidence is the
// lowest confidence among the matched fields.
type Result struct {
	Record     *models.CanonicalRecord
	Confidence float64
	Matches    []FieldMatch
	Issues     []models.Issue
}

// Blocking reports whether any mapping issue must exclude the record.
func (r *Result) Blocking() bool {
	for _, is := range r.Issues {
		if is.Severity == models.SeverityError {
			return true
		}
	}
	return false
}

// Engine applies one mapping rule set to raw records. Rule sets are
// read-only during a job, so an Engine is safe for concurrent use.
type Engine struct {
	set             *models.MappingRuleSet
	minConfidence   float64
	reviewThreshold float64
	co              coercer
}

func NewEngine(set *models.MappingRuleSet, minConfidence, reviewThreshold float64) *Engine {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if reviewThreshold <= 0 {
		reviewThreshold = DefaultReviewThreshold
	}
	return &Engine{
		set:             set,
		minConfidence:   minConfidence,
		reviewThreshold: reviewThreshold,
		co:              newCoercer(set.Locale),
	}
}

// Map turns one raw record into a canonical candidate. Required fields with
// no accepted match or a failed coercion produce blocking issues rather
// than silent nulls; the same problems on optional fields are warnings.
func (e *Engine) Map(raw models.RawRecord) *Result {
	rec := &models.CanonicalRecord{
		ID:         uuid.New(),
		ExternalID: raw.ExternalID,
		EntityType: e.set.EntityType,
	}
	res := &Result{Record: rec, Confidence: 1.0}

	cols := sourceColumns(raw)
	for _, rule := range e.set.Rules {
		source, conf, ok := e.bestCandidate(rule, cols)
		if !ok {
			if rule.Required {
				res.Issues = append(res.Issues, models.Issue{
					Severity: models.SeverityError,
					Field:    rule.CanonicalField,
					Code:     "required_field_unmapped",
					Message:  fmt.Sprintf("no source field matched %q above confidence %.2f", rule.CanonicalField, e.minConfidence),
				})
			}
			continue
		}
		value := strings.TrimSpace(raw.Fields[source])
		if err := e.assign(rec, rule, value); err != nil {
			sev := models.SeverityWarning
			if rule.Required {
				sev = models.SeverityError
			}
			res.Issues = append(res.Issues, models.Issue{
				Severity: sev,
				Field:    rule.CanonicalField,
				Code:     "coercion_failed",
				Message:  err.Error(),
			})
			continue
		}
		res.Matches = append(res.Matches, FieldMatch{CanonicalField: rule.CanonicalField, SourceField: source, Confidence: conf})
		if conf < res.Confidence {
			res.Confidence = conf
		}
	}

	rec.MappingConfidence = res.Confidence
	rec.NeedsReview = res.Confidence < e.reviewThreshold
	rec.Fingerprint = rec.ComputeFingerprint()
	return res
}

// bestCandidate scores every source column against the rule's aliases and
// returns the winner. Exact normalized alias matches win at confidence 1.0;
// otherwise the best similarity above the floor is accepted. Ties keep the
// earlier candidate: aliases in declared order, then columns in source
// order, which makes the tie-break deterministic.
func (e *Engine) bestCandidate(rule models.MappingRule, cols []string) (string, float64, bool) {
	bestField := ""
	bestScore := 0.0
	for _, alias := range rule.Aliases {
		na := normalizeHeader(alias)
		for _, col := range cols {
			nc := normalizeHeader(col)
			if na == nc {
				return col, 1.0, true
			}
			if s := similarity(na, nc); s > bestScore {
				bestField, bestScore = col, s
			}
		}
	}
	if bestScore >= e.minConfidence {
		return bestField, bestScore, true
	}
	if rule.Position != nil && *rule.Position >= 0 && *rule.Position < len(cols) {
		// positional hints are explicit configuration, not a guess
		return cols[*rule.Position], 1.0, true
	}
	return "", 0, false
}

func (e *Engine) assign(rec *models.CanonicalRecord, rule models.MappingRule, value string) error {
	if value == "" {
		if rule.Required {
			return fmt.Errorf("field %q is empty", rule.CanonicalField)
		}
		return nil
	}
	switch rule.CanonicalField {
	case "project_code":
		rec.ProjectCode = value
	case "code":
		rec.Code = value
	case "description":
		rec.Description = value
	case "unit":
		rec.Unit = value
	case "parent_code":
		rec.ParentExternalID = value
	case "quantity":
		n, err := e.co.Number(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", rule.CanonicalField, err)
		}
		rec.Quantity = n
	case "unit_rate":
		n, err := e.co.Number(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", rule.CanonicalField, err)
		}
		rec.UnitRate = n
	case "start_date":
		t, err := e.co.Date(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", rule.CanonicalField, err)
		}
		rec.StartDate = &t
	case "end_date":
		t, err := e.co.Date(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", rule.CanonicalField, err)
		}
		rec.EndDate = &t
	default:
		return fmt.Errorf("unknown canonical field %q", rule.CanonicalField)
	}
	return nil
}

func sourceColumns(raw models.RawRecord) []string {
	if len(raw.Columns) > 0 {
		return raw.Columns
	}
	cols := make([]string, 0, len(raw.Fields))
	for k := range raw.Fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func normalizeHeader(s string) string {
	s = stripDiacritics(s)
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

// similarity is 1 - levenshtein/maxLen over normalized headers.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := math.Max(float64(len(a)), float64(len(b)))
	if maxLen == 0 {
		return 0
	}
	return 1 - float64(levenshtein(a, b))/maxLen
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := 0; i <= len(a); i++ {
		dp[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		dp[0][j] = j
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			dp[i][j] = min(dp[i-1][j]+1, dp[i][j-1]+1, dp[i-1][j-1]+cost)
		}
	}
	return dp[len(a)][len(b)]
}
