package relay

import (
	"math/big"

	"go.uber.org/zap"
)

// AmountRequired tracks a monotonic balance threshold (manager min balance,
// worker min balance, ...) and logs on every satisfied/unsatisfied
// transition, exactly once per transition.
type AmountRequired struct {
	description string
	required    *big.Int
	current     *big.Int
	satisfied   bool
	log         *zap.Logger
}

func NewAmountRequired(description string, required *big.Int, log *zap.Logger) *AmountRequired {
	return &AmountRequired{
		description: description,
		required:    required,
		current:     big.NewInt(0),
		satisfied:   false,
		log:         log.With(zap.String("requirement", description)),
	}
}

// Set updates current and logs if satisfaction changed since the last call.
func (a *AmountRequired) Set(current *big.Int) {
	wasSatisfied := a.satisfied
	a.current = current
	a.satisfied = current.Cmp(a.required) >= 0

	if wasSatisfied && !a.satisfied {
		a.log.Warn("requirement no longer satisfied",
			zap.String("required", a.required.String()),
			zap.String("current", current.String()))
	} else if !wasSatisfied && a.satisfied {
		a.log.Info("requirement satisfied",
			zap.String("required", a.required.String()),
			zap.String("current", current.String()))
	}
}

func (a *AmountRequired) IsSatisfied() bool {
	return a.satisfied
}

func (a *AmountRequired) Current() *big.Int {
	return a.current
}

func (a *AmountRequired) Required() *big.Int {
	return a.required
}

// Deficit returns required-current, floored at zero.
func (a *AmountRequired) Deficit() *big.Int {
	d := new(big.Int).Sub(a.required, a.current)
	if d.Sign() < 0 {
		return big.NewInt(0)
	}
	return d
}
