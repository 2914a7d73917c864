package validation

import (
	"context"
	"fmt"
	"strconv"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
)

// Lookup resolves references against records already imported by earlier
// batches of the same job.
type Lookup interface {
	HasCode(ctx context.Context, jobID uuid.UUID, code string) (bool, error)
}

// Validator runs the three validation layers over mapped candidate records:
// schema, business rules, then batch-level quality checks. A record that
// fails schema validation skips the later layers but is still counted.
type Validator struct {
	set    *models.MappingRuleSet
	lookup Lookup
}

func New(set *models.MappingRuleSet, lookup Lookup) *Validator {
	return &Validator{set: set, lookup: lookup}
}

// ValidateBatch validates records together so duplicate detection and
// parent resolution can see the whole batch. Results align with recs.
func (v *Validator) ValidateBatch(ctx context.Context, jobID uuid.UUID, recs []*models.CanonicalRecord) ([]*models.ValidationResult, models.BatchQuality, error) {
	results := make([]*models.ValidationResult, len(recs))
	for i, rec := range recs {
		res := &models.ValidationResult{ExternalID: rec.ExternalID}
		v.schema(rec, res)
		results[i] = res
	}

	// parents resolve only against structurally sound siblings; a rejected
	// record cannot anchor anyone else's reference
	codesInBatch := make(map[string]bool, len(recs))
	for i, rec := range recs {
		if results[i].Valid() && rec.Code != "" {
			codesInBatch[rec.Code] = true
		}
	}

	for i, rec := range recs {
		if !results[i].Valid() {
			// structural failure short-circuits the later layers
			continue
		}
		if err := v.business(ctx, jobID, rec, codesInBatch, results[i]); err != nil {
			return nil, models.BatchQuality{}, err
		}
	}

	quality := v.quality(recs, results)
	return results, quality, nil
}

// schema checks required fields, enumerations and declared numeric bounds.
func (v *Validator) schema(rec *models.CanonicalRecord, res *models.ValidationResult) {
	for _, rule := range v.set.Rules {
		value := fieldValue(rec, rule.CanonicalField)
		if rule.Required && value == "" {
			res.AddError(rule.CanonicalField, "required_field_missing", fmt.Sprintf("required field %q is empty", rule.CanonicalField))
			continue
		}
		if value == "" {
			continue
		}
		switch rule.Type {
		case models.FieldEnum:
			if !contains(rule.Enum, value) {
				res.AddError(rule.CanonicalField, "invalid_enum_value", fmt.Sprintf("%q is not an allowed value for %q", value, rule.CanonicalField))
			}
		case models.FieldNumber:
			n, _ := strconv.ParseFloat(value, 64)
			if rule.MinValue != nil && n < *rule.MinValue {
				res.AddError(rule.CanonicalField, "value_below_minimum", fmt.Sprintf("%s=%v is below the minimum %v", rule.CanonicalField, n, *rule.MinValue))
			}
			if rule.MaxValue != nil && n > *rule.MaxValue {
				res.AddError(rule.CanonicalField, "value_above_maximum", fmt.Sprintf("%s=%v is above the maximum %v", rule.CanonicalField, n, *rule.MaxValue))
			}
		}
	}
	if hasRule(v.set, "quantity") && rec.Quantity <= 0 {
		res.AddError("quantity", "quantity_must_be_positive", fmt.Sprintf("quantity %v must be positive", rec.Quantity))
	}
}

// business applies cross-field rules for cost items.
func (v *Validator) business(ctx context.Context, jobID uuid.UUID, rec *models.CanonicalRecord, codesInBatch map[string]bool, res *models.ValidationResult) error {
	if rec.UnitRate < 0 {
		res.AddError("unit_rate", "rate_must_be_positive", fmt.Sprintf("unit rate %v must not be negative", rec.UnitRate))
	} else if rec.UnitRate == 0 && hasRule(v.set, "unit_rate") {
		res.AddWarning("unit_rate", "zero_rate", "unit rate is zero")
	}
	if rec.StartDate != nil && rec.EndDate != nil && rec.EndDate.Before(*rec.StartDate) {
		res.AddError("end_date", "date_range_invalid", "end date precedes start date")
	}
	if rec.ParentExternalID != "" && !codesInBatch[rec.ParentExternalID] {
		ok := false
		if v.lookup != nil {
			var err error
			ok, err = v.lookup.HasCode(ctx, jobID, rec.ParentExternalID)
			if err != nil {
				return err
			}
		}
		if !ok {
			res.AddError("parent_code", "unresolved_parent", fmt.Sprintf("parent %q not found in batch or imported set", rec.ParentExternalID))
		}
	}
	return nil
}

// quality computes batch-level statistics and flags duplicates by the
// composite natural key. The first occurrence of a key stays importable;
// later occurrences are rejected.
func (v *Validator) quality(recs []*models.CanonicalRecord, results []*models.ValidationResult) models.BatchQuality {
	q := models.BatchQuality{Records: len(recs)}
	seen := make(map[string]bool, len(recs))
	var optionalSlots, optionalFilled int
	for i, rec := range recs {
		key := rec.NaturalKey()
		if key != "/" {
			if seen[key] {
				q.Duplicates++
				// schema-failed records are counted but not re-flagged
				if results[i].Valid() {
					results[i].AddError("code", "duplicate_natural_key", fmt.Sprintf("duplicate natural key %q in batch", key))
				}
			}
			seen[key] = true
		}
		for _, rule := range v.set.Rules {
			if rule.Required {
				continue
			}
			optionalSlots++
			if fieldValue(rec, rule.CanonicalField) != "" {
				optionalFilled++
			}
		}
	}
	if q.Records > 0 {
		q.DuplicateRate = float64(q.Duplicates) / float64(q.Records)
	}
	if optionalSlots > 0 {
		q.CompletenessRate = float64(optionalFilled) / float64(optionalSlots)
	}
	return q
}

func fieldValue(rec *models.CanonicalRecord, field string) string {
	switch field {
	case "project_code":
		return rec.ProjectCode
	case "code":
		return rec.Code
	case "description":
		return rec.Description
	case "unit":
		return rec.Unit
	case "parent_code":
		return rec.ParentExternalID
	case "quantity":
		if rec.Quantity == 0 {
			return ""
		}
		return strconv.FormatFloat(rec.Quantity, 'f', -1, 64)
	case "unit_rate":
		if rec.UnitRate == 0 {
			return ""
		}
		return strconv.FormatFloat(rec.UnitRate, 'f', -1, 64)
	case "start_date":
		if rec.StartDate == nil {
			return ""
		}
		return rec.StartDate.Format("2006-01-02")
	case "end_date":
		if rec.EndDate == nil {
			return ""
		}
		return rec.EndDate.Format("2006-01-02")
	default:
		return ""
	}
}

func hasRule(set *models.MappingRuleSet, field string) bool {
	for _, r := range set.Rules {
		if r.CanonicalField == field {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
