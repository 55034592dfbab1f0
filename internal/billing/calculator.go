package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Split divides item across modalities proportionally to their repasse weights. The result is
// ordered by ascending modality id; rounding drift is pushed onto the last entry with a positive
// weight so that the splits add up to the item quantity, the item total value and 100 percent
// exactly. Zero-weight entries always stay at zero.
func Split(item OrderItem, modalities []Modality) ([]AllocationSplit, error) {
	alloc, err := SplitItem(item, modalities)
	if err != nil {
		return nil, err
	}
	return alloc.Splits, nil
}

// SplitItem is Split returning the full item allocation.
func SplitItem(item OrderItem, modalities []Modality) (ItemAllocation, error) {
	if len(modalities) == 0 {
		return ItemAllocation{}, &ItemError{OrderItemID: item.ID, Err: ErrNoModalitiesConfigured}
	}
	if !item.Quantity.IsPositive() || item.UnitPrice.IsNegative() {
		return ItemAllocation{}, &ItemError{OrderItemID: item.ID, Err: ErrInvalidItem}
	}

	ordered := make([]Modality, len(modalities))
	copy(ordered, modalities)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	weightSum := decimal.Zero
	for _, m := range ordered {
		if m.RepasseWeight.IsNegative() {
			return ItemAllocation{}, &ItemError{OrderItemID: item.ID, ModalityID: m.ID, Err: ErrNegativeWeight}
		}
		weightSum = weightSum.Add(m.RepasseWeight)
	}
	if weightSum.IsZero() {
		return ItemAllocation{}, &ItemError{OrderItemID: item.ID, Err: ErrZeroWeightSum}
	}

	total := item.TotalValue()
	splits := make([]AllocationSplit, 0, len(ordered))
	sumPct, sumQty, sumValue := decimal.Zero, decimal.Zero, decimal.Zero
	for _, m := range ordered {
		pct := m.RepasseWeight.Mul(hundred).DivRound(weightSum, divisionScale)
		qty := item.Quantity.Mul(m.RepasseWeight).DivRound(weightSum, divisionScale)
		value := qty.Mul(item.UnitPrice)

		split := AllocationSplit{
			ModalityID:    m.ID,
			ModalityName:  m.Name,
			RepasseWeight: m.RepasseWeight,
			Percentage:    roundPercentage(pct),
			Quantity:      roundQuantity(qty),
			Value:         roundValue(value),
		}
		sumPct = sumPct.Add(split.Percentage)
		sumQty = sumQty.Add(split.Quantity)
		sumValue = sumValue.Add(split.Value)
		splits = append(splits, split)
	}

	corrected := absorbDrift(splits, hundred.Sub(sumPct), func(s *AllocationSplit) *decimal.Decimal { return &s.Percentage })
	if absorbDrift(splits, item.Quantity.Sub(sumQty), func(s *AllocationSplit) *decimal.Decimal { return &s.Quantity }) {
		corrected = true
	}
	if absorbDrift(splits, total.Sub(sumValue), func(s *AllocationSplit) *decimal.Decimal { return &s.Value }) {
		corrected = true
	}

	if err := checkReconciled(item, total, splits); err != nil {
		return ItemAllocation{}, err
	}

	return ItemAllocation{
		OrderItemID: item.ID,
		ProductID:   item.ProductID,
		Quantity:    item.Quantity,
		UnitPrice:   item.UnitPrice,
		TotalValue:  total,
		Splits:      splits,
		Corrected:   corrected,
	}, nil
}

// absorbDrift applies drift to the field of the last positive-weight split. A negative drift
// larger than that entry spills backwards over earlier positive-weight splits so no entry
// drops below zero.
func absorbDrift(splits []AllocationSplit, drift decimal.Decimal, field func(*AllocationSplit) *decimal.Decimal) bool {
	if drift.IsZero() {
		return false
	}
	for i := len(splits) - 1; i >= 0 && !drift.IsZero(); i-- {
		if !splits[i].RepasseWeight.IsPositive() {
			continue
		}
		v := field(&splits[i])
		if drift.IsPositive() {
			*v = v.Add(drift)
			return true
		}
		take := decimal.Min(*v, drift.Neg())
		*v = v.Sub(take)
		drift = drift.Add(take)
	}
	return true
}

func checkReconciled(item OrderItem, total decimal.Decimal, splits []AllocationSplit) error {
	sumQty, sumValue := decimal.Zero, decimal.Zero
	for _, s := range splits {
		if s.Quantity.IsNegative() || s.Value.IsNegative() || s.Percentage.IsNegative() {
			return &ItemError{OrderItemID: item.ID, ModalityID: s.ModalityID, Err: ErrPrecision}
		}
		sumQty = sumQty.Add(s.Quantity)
		sumValue = sumValue.Add(s.Value)
	}
	if exceeds(sumQty.Sub(item.Quantity), quantityTolerance) || exceeds(sumValue.Sub(total), valueTolerance) {
		return &ItemError{OrderItemID: item.ID, Err: ErrPrecision}
	}
	return nil
}
