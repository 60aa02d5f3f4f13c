package deduction

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// Credit links a credit-system feature that can cover the target's shortfall.
type Credit struct {
	FeatureID string
	// Rate is the number of credits one unit of the target feature costs.
	Rate    float64
	Sources Sources
}

// Options tune how a plan treats shortfalls.
type Options struct {
	Overage             domain.OverageBehaviour
	AlterGrantedBalance bool
	Precedence          domain.Precedence
}

// Request is the input of Plan.
type Request struct {
	Target  Sources
	Credit  *Credit
	Amounts []float64
	Options Options
}

// Change is the net effect of a plan on one source.
type Change struct {
	Source          Source
	Deducted        float64
	AdjustmentDelta float64
}

// Item is the tally of one requested amount.
type Item struct {
	Amount    float64
	Deducted  float64
	Remaining float64
	OK        bool
}

// Outcome is the result of Plan.
type Outcome struct {
	Items        []Item
	SuccessCount int
	Deducted     float64
	Changes      []Change
	Target       Sources
	Credit       *Credit
}

// Success reports whether every item was applied.
func (o Outcome) Success() bool {
	return o.SuccessCount == len(o.Items)
}

// Plan applies amounts in order against working copies of the sources.
//
// Consumption order per amount: balances and rollovers floored at zero, then additional
// balance and the credit system in the configured precedence, then overage on sources
// that allow it. With OverageReject an amount that cannot be fully satisfied leaves every
// source untouched and is reported as failed; later amounts are still attempted.
func Plan(req Request) Outcome {
	p := &planner{
		target:  req.Target.clone(),
		opts:    req.Options,
		changes: map[string]int{},
	}
	if req.Credit != nil && req.Credit.Rate > 0 {
		c := *req.Credit
		c.Sources = req.Credit.Sources.clone()
		p.credit = &c
	}

	out := Outcome{Items: make([]Item, 0, len(req.Amounts))}
	for _, amount := range req.Amounts {
		item := p.apply(amount)
		if item.OK {
			out.SuccessCount++
			out.Deducted += item.Deducted
		}
		out.Items = append(out.Items, item)
	}

	out.Changes = p.changeList
	out.Target = p.target
	out.Credit = p.credit
	return out
}

type planner struct {
	target     Sources
	credit     *Credit
	opts       Options
	changes    map[string]int
	changeList []Change
}

type savepoint struct {
	target     Sources
	credit     Sources
	changeList []Change
	changes    map[string]int
}

func (p *planner) save() savepoint {
	sp := savepoint{
		target:     p.target.clone(),
		changeList: append([]Change(nil), p.changeList...),
		changes:    make(map[string]int, len(p.changes)),
	}
	for k, v := range p.changes {
		sp.changes[k] = v
	}
	if p.credit != nil {
		sp.credit = p.credit.Sources.clone()
	}
	return sp
}

func (p *planner) restore(sp savepoint) {
	p.target = sp.target
	p.changeList = sp.changeList
	p.changes = sp.changes
	if p.credit != nil {
		p.credit.Sources = sp.credit
	}
}

func (p *planner) apply(amount float64) Item {
	item := Item{Amount: amount}
	if amount == 0 {
		item.OK = true
		return item
	}
	if amount < 0 {
		return p.refund(amount)
	}

	sp := p.save()
	remaining := p.drain(p.target.Primary, amount, p.opts.AlterGrantedBalance)

	if p.opts.Precedence == domain.PrecedenceCreditFirst {
		remaining = p.drainCredit(remaining)
		remaining = p.drain(p.target.Additional, remaining, false)
	} else {
		remaining = p.drain(p.target.Additional, remaining, false)
		remaining = p.drainCredit(remaining)
	}
	remaining = p.drainOverage(p.target.Primary, remaining)

	if remaining > Epsilon {
		if p.opts.Overage == domain.OverageReject {
			p.restore(sp)
			item.Remaining = amount
			return item
		}
		item.Remaining = remaining
	}
	item.Deducted = amount - item.Remaining
	item.OK = true
	return item
}

// refund credits the first pool of the target.
func (p *planner) refund(amount float64) Item {
	item := Item{Amount: amount}
	list := p.target.Primary
	if len(list) == 0 {
		list = p.target.Additional
	}
	if len(list) == 0 {
		item.Remaining = amount
		return item
	}
	res := Deduct(Input{
		CurrentBalance:      list[0].Balance,
		CurrentAdjustment:   list[0].Adjustment,
		Amount:              amount,
		AlterGrantedBalance: p.opts.AlterGrantedBalance && list[0].Kind == domain.SourceBalance,
	})
	p.record(&list[0], res)
	item.Deducted = res.Deducted
	item.Remaining = res.Remaining
	item.OK = true
	return item
}

// drain takes remaining from each source down to zero. Only current-period balances carry
// an adjustment, so alter is ignored for rollovers and additional balance.
func (p *planner) drain(list []Source, remaining float64, alter bool) float64 {
	for i := range list {
		if remaining <= Epsilon {
			break
		}
		if list[i].Balance <= 0 {
			continue
		}
		res := Deduct(Input{
			CurrentBalance:      list[i].Balance,
			CurrentAdjustment:   list[i].Adjustment,
			Amount:              remaining,
			MinBalance:          Float(0),
			AlterGrantedBalance: alter && list[i].Kind == domain.SourceBalance,
		})
		p.record(&list[i], res)
		remaining = res.Remaining
	}
	return remaining
}

// drainOverage lets overage-permitting balances go below zero.
func (p *planner) drainOverage(list []Source, remaining float64) float64 {
	for i := range list {
		if remaining <= Epsilon {
			break
		}
		src := &list[i]
		if !src.Overage || src.Kind != domain.SourceBalance {
			continue
		}
		if src.Min != nil && src.Balance <= *src.Min {
			continue
		}
		res := Deduct(Input{
			CurrentBalance:      src.Balance,
			CurrentAdjustment:   src.Adjustment,
			Amount:              remaining,
			MinBalance:          src.Min,
			AlterGrantedBalance: p.opts.AlterGrantedBalance,
		})
		p.record(src, res)
		remaining = res.Remaining
	}
	return remaining
}

// drainCredit converts remaining into credits and draws them from the credit feature.
func (p *planner) drainCredit(remaining float64) float64 {
	if p.credit == nil || remaining <= Epsilon {
		return remaining
	}
	credits := remaining * p.credit.Rate
	left := p.drain(p.credit.Sources.Primary, credits, false)
	left = p.drain(p.credit.Sources.Additional, left, false)
	if left <= Epsilon {
		return 0
	}
	return left / p.credit.Rate
}

func (p *planner) record(src *Source, res Result) {
	adjDelta := res.NewAdjustment - src.Adjustment
	src.Balance = res.NewBalance
	src.Adjustment = res.NewAdjustment

	idx, ok := p.changes[src.Key]
	if !ok {
		p.changes[src.Key] = len(p.changeList)
		p.changeList = append(p.changeList, Change{Source: *src, Deducted: res.Deducted, AdjustmentDelta: adjDelta})
		return
	}
	ch := &p.changeList[idx]
	ch.Source = *src
	ch.Deducted += res.Deducted
	ch.AdjustmentDelta += adjDelta
}

// EffectiveOverage forces reject for paid continuous-use features.
func EffectiveOverage(feature domain.Feature, paid bool, requested domain.OverageBehaviour) domain.OverageBehaviour {
	if feature.Kind == domain.FeatureKindContinuousUse && paid {
		return domain.OverageReject
	}
	if requested == "" {
		return domain.OverageCap
	}
	return requested
}
