// Package price converts object sizes into a number of passes.
//
// Storage is charged per share: an object of size S encoded k-of-n is
// stored as n shares of ceil(S/k) bytes each, and every pass buys
// PassValue bytes of share storage for one lease period.
package price

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// LeasePeriod is the full period paid for by a lease renewal.
const LeasePeriod = 31 * 24 * time.Hour

var (
	// ErrNegativeSize is returned when a size below zero is priced.
	ErrNegativeSize = errors.New("negative size")

	// ErrOverflow is returned when a price does not fit in an int64.
	ErrOverflow = errors.New("price overflows int64")
)

// Calculator prices objects for a fixed encoding and pass value.
type Calculator struct {
	SharesNeeded int
	SharesTotal  int
	PassValue    int64
}

// NewCalculator validates the encoding parameters and pass value.
func NewCalculator(sharesNeeded, sharesTotal int, passValue int64) (*Calculator, error) {
	if sharesNeeded < 1 {
		return nil, fmt.Errorf("shares needed must be positive, got %d", sharesNeeded)
	}
	if sharesTotal < sharesNeeded {
		return nil, fmt.Errorf("shares total (%d) must be at least shares needed (%d)", sharesTotal, sharesNeeded)
	}
	if passValue < 1 {
		return nil, fmt.Errorf("pass value must be positive, got %d", passValue)
	}
	return &Calculator{SharesNeeded: sharesNeeded, SharesTotal: sharesTotal, PassValue: passValue}, nil
}

// Calculate returns the number of passes required to store objects of
// the given sizes. The price is the sum of the per-object prices.
func (c *Calculator) Calculate(sizes []int64) (int64, error) {
	total := new(big.Int)
	for _, size := range sizes {
		if size < 0 {
			return 0, fmt.Errorf("%w: %d", ErrNegativeSize, size)
		}
		shareSize := ShareSizeForData(c.SharesNeeded, size)
		stored := new(big.Int).Mul(big.NewInt(shareSize), big.NewInt(int64(c.SharesTotal)))
		total.Add(total, divCeil(stored, big.NewInt(c.PassValue)))
	}
	if !total.IsInt64() {
		return 0, ErrOverflow
	}
	return total.Int64(), nil
}

// Period returns the storage period bought by a price, given the lease
// time a client already holds. It never goes below zero.
func Period(minTimeRemaining time.Duration) time.Duration {
	if minTimeRemaining >= LeasePeriod {
		return 0
	}
	if minTimeRemaining < 0 {
		return LeasePeriod
	}
	return LeasePeriod - minTimeRemaining
}

// ShareSizeForData is the size of one share of an object of the given
// size encoded with sharesNeeded required shares.
func ShareSizeForData(sharesNeeded int, size int64) int64 {
	n := int64(sharesNeeded)
	q, r := size/n, size%n
	if r > 0 {
		q++
	}
	return q
}

// RequiredPasses returns the number of passes needed to pay for shares
// of the given sizes.
func RequiredPasses(passValue int64, shareSizes []int64) (int64, error) {
	if passValue < 1 {
		return 0, fmt.Errorf("pass value must be positive, got %d", passValue)
	}
	sum := new(big.Int)
	for _, s := range shareSizes {
		if s < 0 {
			return 0, fmt.Errorf("%w: %d", ErrNegativeSize, s)
		}
		sum.Add(sum, big.NewInt(s))
	}
	result := divCeil(sum, big.NewInt(passValue))
	if !result.IsInt64() {
		return 0, ErrOverflow
	}
	return result.Int64(), nil
}

func divCeil(a, b *big.Int) *big.Int {
	q, m := new(big.Int).DivMod(a, b, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
