// Package catalog holds the purchasable credit packages. The catalog is
// fixed at deployment time; checkout requests may only reference packages
// listed here, so a tampered or stale price id can never reach the
// payment provider.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPriceID  = errors.New("unknown price id")
	ErrInactivePackage = errors.New("inactive package")
	ErrInvalidPackage  = errors.New("invalid package")
	ErrEmptyCatalog    = errors.New("empty catalog")
)

// placeholderPrefixes match unconfigured deployment templates. A catalog
// entry carrying one of these is a deployment mistake, not a product.
var placeholderPrefixes = []string{"price_REPLACE", "price_xxx", "CHANGEME"}

// Package is one purchasable credit bundle.
type Package struct {
	PriceID     string
	PackageID   string
	Credits     int64
	AmountCents int64
	Currency    string
	Active      bool
}

// Catalog is an immutable, validated set of packages keyed by price id.
type Catalog struct {
	byPriceID map[string]Package
}

// New validates every package and builds the lookup table. Duplicate
// price ids, placeholder ids, and non-positive amounts are rejected.
func New(packages []Package) (*Catalog, error) {
	if len(packages) == 0 {
		return nil, ErrEmptyCatalog
	}
	byPriceID := make(map[string]Package, len(packages))
	for _, entry := range packages {
		if err := validatePackage(entry); err != nil {
			return nil, err
		}
		if _, exists := byPriceID[entry.PriceID]; exists {
			return nil, fmt.Errorf("%w: duplicate price id %q", ErrInvalidPackage, entry.PriceID)
		}
		byPriceID[entry.PriceID] = entry
	}
	return &Catalog{byPriceID: byPriceID}, nil
}

// Lookup resolves a price id to an active package.
func (catalog *Catalog) Lookup(priceID string) (Package, error) {
	entry, exists := catalog.byPriceID[strings.TrimSpace(priceID)]
	if !exists {
		return Package{}, fmt.Errorf("%w: %q", ErrUnknownPriceID, priceID)
	}
	if !entry.Active {
		return Package{}, fmt.Errorf("%w: %q", ErrInactivePackage, priceID)
	}
	return entry, nil
}

// Packages returns the active packages. Order is not stable; callers
// needing a stable listing should sort by PackageID.
func (catalog *Catalog) Packages() []Package {
	active := make([]Package, 0, len(catalog.byPriceID))
	for _, entry := range catalog.byPriceID {
		if entry.Active {
			active = append(active, entry)
		}
	}
	return active
}

func validatePackage(entry Package) error {
	priceID := strings.TrimSpace(entry.PriceID)
	if priceID == "" {
		return fmt.Errorf("%w: empty price id", ErrInvalidPackage)
	}
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(priceID, prefix) {
			return fmt.Errorf("%w: placeholder price id %q", ErrInvalidPackage, priceID)
		}
	}
	if strings.TrimSpace(entry.PackageID) == "" {
		return fmt.Errorf("%w: empty package id for %q", ErrInvalidPackage, priceID)
	}
	if entry.Credits <= 0 {
		return fmt.Errorf("%w: non-positive credits for %q", ErrInvalidPackage, priceID)
	}
	if entry.AmountCents <= 0 {
		return fmt.Errorf("%w: non-positive amount for %q", ErrInvalidPackage, priceID)
	}
	if strings.TrimSpace(entry.Currency) == "" {
		return fmt.Errorf("%w: empty currency for %q", ErrInvalidPackage, priceID)
	}
	return nil
}
