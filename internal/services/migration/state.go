package migration

import (
	"fmt"

	"construction-migration-backend/internal/models"
)

// transitions is the closed set of allowed phase transitions. Anything not
// listed here is illegal; the tracker refuses it at transition time instead
// of leaving free-form status strings around.
var transitions = map[models.Phase][]models.Phase{
	"":                          {models.PhaseDiscovery},
	models.PhaseDiscovery:       {models.PhaseExtraction, models.PhaseFailed, models.PhaseCanceled},
	models.PhaseExtraction:      {models.PhaseTransformation, models.PhaseFailed, models.PhaseCanceled},
	models.PhaseTransformation:  {models.PhaseValidation, models.PhaseFailed, models.PhaseCanceled},
	models.PhaseValidation:      {models.PhaseImport, models.PhaseFailed, models.PhaseCanceled},
	models.PhaseImport:          {models.PhaseVerification, models.PhaseFailed, models.PhaseCanceled},
	models.PhaseVerification:    {models.PhaseCompleted, models.PhaseFailed, models.PhaseCanceled},
}

// CanTransition reports whether from → to is an allowed phase transition.
func CanTransition(from, to models.Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a transition is not in the table.
type ErrIllegalTransition struct {
	From, To models.Phase
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal phase transition %q -> %q", e.From, e.To)
}
