package order

import (
	"fmt"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
)

// Default numbering parameters.
const (
	DefaultNumberPrefix = "OSCR"
	DefaultNumberOffset = 100000
)

// NumberGenerator derives order numbers from basket identity.
type NumberGenerator struct {
	Prefix string
	Offset int64
}

// NewNumberGenerator returns a generator producing "<prefix>-<offset+id>".
func NewNumberGenerator(prefix string, offset int64) NumberGenerator {
	return NumberGenerator{Prefix: prefix, Offset: offset}
}

// Generate returns the order number for b. The same basket always yields the
// same number.
func (g NumberGenerator) Generate(b *basket.Basket) string {
	return g.ForBasketID(b.ID)
}

// ForBasketID returns the order number for the basket with the given id.
func (g NumberGenerator) ForBasketID(id int64) string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.Offset+id)
}
