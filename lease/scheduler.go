package lease

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lease-engine/core"
)

// DefaultScheduleLeadDays is how far out the first installment falls when
// the caller doesn't supply a start date.
const DefaultScheduleLeadDays = 30

// GenerateSchedule divides principal into termMonths equal installments,
// spaced 30 days apart starting at startDate (or today+30 days if
// startDate is zero). Each installment is rounded to two decimal places
// using half-even ("banker's") rounding; the rounding residual left over
// from dividing an amount that doesn't split evenly is absorbed entirely
// into the final installment so the installments sum exactly to
// principal: divide, round every installment but the last, then set the
// last to principal minus the sum of the others.
//
// principal must be positive and termMonths must fall within 1..60;
// either violation returns a *core.ValidationError.
func GenerateSchedule(principal core.Money, termMonths int, startDate time.Time) ([]Installment, error) {
	if !principal.IsPositive() {
		return nil, &core.ValidationError{Field: "principal", Reason: "must be greater than zero"}
	}
	if termMonths < 1 || termMonths > 60 {
		return nil, &core.ValidationError{Field: "termMonths", Reason: "must be between 1 and 60"}
	}
	if startDate.IsZero() {
		startDate = core.Now().AddDate(0, 0, DefaultScheduleLeadDays)
	}

	per := principal.Div(core.NewMoney(decimal.NewFromInt(int64(termMonths)))).Quantize2()

	schedule := make([]Installment, termMonths)
	running := core.NewMoney(decimal.Zero)
	for i := 0; i < termMonths-1; i++ {
		schedule[i] = Installment{
			Number:  i + 1,
			DueDate: startDate.AddDate(0, 0, 30*i),
			Amount:  per,
		}
		running = running.Add(per)
	}

	schedule[termMonths-1] = Installment{
		Number:  termMonths,
		DueDate: startDate.AddDate(0, 0, 30*(termMonths-1)),
		Amount:  principal.Sub(running),
	}

	return schedule, nil
}
