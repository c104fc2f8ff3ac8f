package credential

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// recCost is the recommended bcrypt cost, which balances hash
	// strength and efficiency.
	recCost = 12

	// upBoundCost is a sane upper bound on bcrypt cost: high enough to
	// ensure secure hashing, low enough to not put unnecessary load on
	// the broker during interactive logins.
	upBoundCost = 16
)

// checkCost returns an error if the hash provided does not meet lower
// or upper bound cost requirements. This prevents configured hashes
// with costs that are too high or low from reaching login time.
func checkCost(hash []byte) error {
	actual, err := bcrypt.Cost(hash)
	if err != nil {
		return fmt.Errorf("parsing bcrypt hash: %v", err)
	}
	if actual < bcrypt.DefaultCost {
		return fmt.Errorf("given hash cost = %d does not meet minimum cost requirement = %d", actual, bcrypt.DefaultCost)
	}
	if actual > upBoundCost {
		return fmt.Errorf("given hash cost = %d is above upper bound cost = %d, recommended cost = %d", actual, upBoundCost, recCost)
	}
	return nil
}
