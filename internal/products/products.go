// Package products manages vendor listings. Listings are never deleted;
// a vendor deactivates one and it drops out of searches and price
// discovery.
package products

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/mandi/internal/users"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrNotOwner        = errors.New("product not owned by caller")
	ErrNotVendor       = errors.New("only vendors can list products")
)

// Category is the closed set of listing categories.
type Category string

const (
	CategoryVegetables Category = "vegetables"
	CategoryFruits     Category = "fruits"
	CategoryGrains     Category = "grains"
	CategorySpices     Category = "spices"
	CategoryDairy      Category = "dairy"
	CategoryMeat       Category = "meat"
	CategoryFish       Category = "fish"
	CategoryPulses     Category = "pulses"
	CategoryOils       Category = "oils"
	CategoryOthers     Category = "others"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryVegetables, CategoryFruits, CategoryGrains, CategorySpices, CategoryDairy,
	CategoryMeat, CategoryFish, CategoryPulses, CategoryOils, CategoryOthers,
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Unit is the closed set of selling units.
type Unit string

const (
	UnitKg      Unit = "kg"
	UnitGram    Unit = "gram"
	UnitLiter   Unit = "liter"
	UnitPiece   Unit = "piece"
	UnitDozen   Unit = "dozen"
	UnitQuintal Unit = "quintal"
)

// Units lists every valid unit.
var Units = []Unit{UnitKg, UnitGram, UnitLiter, UnitPiece, UnitDozen, UnitQuintal}

// Valid reports whether u is one of Units.
func (u Unit) Valid() bool {
	for _, v := range Units {
		if u == v {
			return true
		}
	}
	return false
}

// Product is a vendor's listing.
type Product struct {
	ID           string         `json:"id"`
	VendorID     string         `json:"vendorId"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     Category       `json:"category"`
	BasePrice    float64        `json:"basePrice"`
	CurrentPrice float64        `json:"currentPrice"`
	Unit         Unit           `json:"unit"`
	Quantity     float64        `json:"quantity"`
	Images       []string       `json:"images"`
	Location     users.Location `json:"location"`
	IsActive     bool           `json:"isActive"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Sort fields accepted by List.
const (
	SortCreatedAt    = "createdAt"
	SortUpdatedAt    = "updatedAt"
	SortCurrentPrice = "currentPrice"
	SortName         = "name"
)

// Filter selects listings. City, State and Search match case-insensitive
// substrings. Zero values disable a condition.
type Filter struct {
	Category        Category
	City            string
	State           string
	VendorID        string
	Search          string
	MinPrice        float64
	MaxPrice        float64
	UpdatedSince    time.Time
	IncludeInactive bool
	SortBy          string
	SortAsc         bool
	Limit           int // 0 returns every match
	Offset          int
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id string) (*Product, error)
	// Update replaces the mutable fields of a listing owned by p.VendorID.
	Update(ctx context.Context, p *Product) error
	// Deactivate clears the active flag of a listing owned by vendorID.
	Deactivate(ctx context.Context, id, vendorID string, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Product, error)
	Count(ctx context.Context, f Filter) (int, error)
}
