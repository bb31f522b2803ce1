package detector

import (
	"fmt"

	"github.com/rewired-gh/pricealert/internal/models"
)

// Evaluate dispatches a to the checker for its type.
func Evaluate(env *Env, a *models.Alert) (Result, error) {
	if env == nil || env.Snapshot == nil {
		return Result{Status: Unavailable}, nil
	}
	switch a.Type {
	case models.TypeAbove, models.TypeBelow:
		return CheckPrice(env, a), nil
	case models.TypeSpread:
		return CheckSpread(env, a), nil
	case models.TypeSpike:
		return CheckSpike(env, a), nil
	case models.TypeThreshold:
		return CheckThreshold(env, a), nil
	case models.TypeDump:
		return CheckDump(env, a), nil
	}
	return Result{Status: Unavailable}, fmt.Errorf("unsupported alert type %q", a.Type)
}
