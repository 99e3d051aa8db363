// Package money splits integer minor-unit amounts without losing a single unit.
package money

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNoWeights      = errors.New("money: no weights")
	ErrNegativeWeight = errors.New("money: negative weight")
	ErrZeroWeights    = errors.New("money: weights sum to zero")
	ErrNegativeTotal  = errors.New("money: negative total")
	ErrFeeOutOfRange  = errors.New("money: application fee must be in [0, 1)")
)

// Allocate splits total across len(weights) buckets in proportion to weights.
// Every bucket receives floor(total*w/sum); the units lost to flooring go one
// each to the buckets with the largest remainders, lower index first on ties.
// The result always sums to total.
func Allocate(total int64, weights []int64) ([]int64, error) {
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	if total < 0 {
		return nil, ErrNegativeTotal
	}

	var sum uint64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrNegativeWeight
		}
		sum += uint64(w)
	}
	if sum == 0 {
		return nil, ErrZeroWeights
	}

	shares := make([]int64, len(weights))
	remainders := make([]uint64, len(weights))
	var allocated int64
	for i, w := range weights {
		// total*w/sum cannot overflow the quotient since w <= sum
		hi, lo := bits.Mul64(uint64(total), uint64(w))
		quo, rem := bits.Div64(hi, lo, sum)
		shares[i] = int64(quo)
		remainders[i] = rem
		allocated += int64(quo)
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})

	for k := int64(0); k < total-allocated; k++ {
		shares[order[k]]++
	}

	return shares, nil
}

// NetOfFee returns price minus the platform's application fee, rounded half-even
// to a whole minor unit.
func NetOfFee(price int64, feeFraction float64) (int64, error) {
	if feeFraction < 0 || feeFraction >= 1 {
		return 0, ErrFeeOutOfRange
	}
	if price < 0 {
		return 0, ErrNegativeTotal
	}

	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(feeFraction))
	return decimal.NewFromInt(price).Mul(keep).RoundBank(0).IntPart(), nil
}

// Split sums weights[0:from] as already earned and weights[from:] as still owed to the buyer.
func Split(weights []int64, from int) (earned, refund int64, err error) {
	if from < 0 || from > len(weights) {
		return 0, 0, fmt.Errorf("money: split index %d out of range [0, %d]", from, len(weights))
	}
	for i, w := range weights {
		if i < from {
			earned += w
		} else {
			refund += w
		}
	}
	return earned, refund, nil
}

// Refund computes how much of price goes back to the buyer when a commission is
// unwound from milestone from. earned is what the artist keeps.
func Refund(price int64, feeFraction float64, weights []int64, from int) (refund, earned int64, err error) {
	net, err := NetOfFee(price, feeFraction)
	if err != nil {
		return 0, 0, err
	}

	earnedWeight, refundWeight, err := Split(weights, from)
	if err != nil {
		return 0, 0, err
	}
	if earnedWeight+refundWeight == 0 {
		return 0, 0, ErrZeroWeights
	}

	parts, err := Allocate(net, []int64{earnedWeight, refundWeight})
	if err != nil {
		return 0, 0, err
	}
	return parts[1], parts[0], nil
}
