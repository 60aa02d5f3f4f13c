// Package deduction holds the pure balance arithmetic shared by the cache and store paths.
//
// The Lua script in internal/balancecache mirrors this package operation for operation;
// changing the order of any arithmetic here requires the same change there.
package deduction

// Epsilon is the smallest remainder still treated as unsatisfied.
const Epsilon = 1e-9

// Input is a single-source deduction request.
type Input struct {
	CurrentBalance      float64
	CurrentAdjustment   float64
	Amount              float64
	MinBalance          *float64
	MaxBalance          *float64
	AlterGrantedBalance bool
}

// Result is the outcome of Deduct.
type Result struct {
	Deducted      float64
	NewBalance    float64
	NewAdjustment float64
	Remaining     float64
}

// Deduct clamps CurrentBalance-Amount into [MinBalance, MaxBalance] and reports what was taken.
func Deduct(in Input) Result {
	newBalance := in.CurrentBalance - in.Amount
	if in.MinBalance != nil && newBalance < *in.MinBalance {
		newBalance = *in.MinBalance
	}
	if in.MaxBalance != nil && newBalance > *in.MaxBalance {
		newBalance = *in.MaxBalance
	}

	deducted := in.CurrentBalance - newBalance
	res := Result{
		Deducted:      deducted,
		NewBalance:    newBalance,
		NewAdjustment: in.CurrentAdjustment,
		Remaining:     in.Amount - deducted,
	}
	if in.AlterGrantedBalance && deducted != 0 {
		res.NewAdjustment = in.CurrentAdjustment - deducted
	}
	return res
}

// Float returns a pointer to v, for optional bounds.
func Float(v float64) *float64 {
	return &v
}
