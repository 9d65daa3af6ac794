// Package seed loads a small demo marketplace into empty stores so a
// development server has vendors, buyers and listings to negotiate over.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/users"
)

// Demo account ids. Stable so dev tokens can be issued by id.
const (
	VendorPune    = "usr_demo_vendor_pune"
	VendorNashik  = "usr_demo_vendor_nashik"
	VendorKolkata = "usr_demo_vendor_kolkata"
	BuyerMumbai   = "usr_demo_buyer_mumbai"
	BuyerChennai  = "usr_demo_buyer_chennai"
)

var (
	pune    = users.Location{City: "Pune", State: "Maharashtra", Coordinates: [2]float64{73.8567, 18.5204}}
	nashik  = users.Location{City: "Nashik", State: "Maharashtra", Coordinates: [2]float64{73.7898, 19.9975}}
	kolkata = users.Location{City: "Kolkata", State: "West Bengal", Coordinates: [2]float64{88.3639, 22.5726}}
	mumbai  = users.Location{City: "Mumbai", State: "Maharashtra", Coordinates: [2]float64{72.8777, 19.0760}}
	chennai = users.Location{City: "Chennai", State: "Tamil Nadu", Coordinates: [2]float64{80.2707, 13.0827}}
)

func demoUsers() []*users.User {
	return []*users.User{
		{ID: VendorPune, Name: "Sunita Pawar", Email: "sunita@demo.mandi", Phone: "+919800000001", Role: users.RoleVendor, PreferredLanguage: "mr", Location: pune, IsVerified: true},
		{ID: VendorNashik, Name: "Ramesh Jadhav", Email: "ramesh@demo.mandi", Phone: "+919800000002", Role: users.RoleVendor, PreferredLanguage: "hi", Location: nashik, IsVerified: true},
		{ID: VendorKolkata, Name: "Ananya Ghosh", Email: "ananya@demo.mandi", Phone: "+919800000003", Role: users.RoleVendor, PreferredLanguage: "bn", Location: kolkata},
		{ID: BuyerMumbai, Name: "Arjun Mehta", Email: "arjun@demo.mandi", Phone: "+919800000004", Role: users.RoleBuyer, PreferredLanguage: "en", Location: mumbai},
		{ID: BuyerChennai, Name: "Lakshmi Iyer", Email: "lakshmi@demo.mandi", Phone: "+919800000005", Role: users.RoleBuyer, PreferredLanguage: "ta", Location: chennai},
	}
}

type listing struct {
	id       string
	vendor   string
	name     string
	desc     string
	category products.Category
	price    float64
	unit     products.Unit
	qty      float64
	loc      users.Location
	age      time.Duration
}

func demoListings() []listing {
	day := 24 * time.Hour
	return []listing{
		{"prd_demo_tomatoes_pune", VendorPune, "Tomatoes", "Farm fresh hybrid tomatoes", products.CategoryVegetables, 32, products.UnitKg, 400, pune, 2 * day},
		{"prd_demo_onions_pune", VendorPune, "Red Onions", "Dry red onions, medium size", products.CategoryVegetables, 28, products.UnitKg, 900, pune, 5 * day},
		{"prd_demo_grapes_nashik", VendorNashik, "Thompson Grapes", "Seedless green grapes", products.CategoryFruits, 85, products.UnitKg, 250, nashik, day},
		{"prd_demo_onions_nashik", VendorNashik, "Nashik Onions", "Lasalgaon market grade A", products.CategoryVegetables, 24, products.UnitKg, 1500, nashik, 3 * day},
		{"prd_demo_wheat_nashik", VendorNashik, "Sharbati Wheat", "Cleaned and graded", products.CategoryGrains, 3100, products.UnitQuintal, 40, nashik, 9 * day},
		{"prd_demo_rice_kolkata", VendorKolkata, "Gobindobhog Rice", "Aromatic short grain rice", products.CategoryGrains, 110, products.UnitKg, 300, kolkata, 4 * day},
		{"prd_demo_hilsa_kolkata", VendorKolkata, "Hilsa", "Fresh river hilsa", products.CategoryFish, 1400, products.UnitKg, 30, kolkata, 12 * time.Hour},
		{"prd_demo_mustard_kolkata", VendorKolkata, "Mustard Oil", "Cold pressed kachi ghani", products.CategoryOils, 190, products.UnitLiter, 120, kolkata, 6 * day},
	}
}

// Result counts what was inserted.
type Result struct {
	Users    int
	Products int
}

// Load inserts the demo data. Records that already exist are skipped, so
// Load is safe to call on every start.
func Load(ctx context.Context, userStore users.Store, productStore products.Store, now time.Time) (Result, error) {
	var res Result

	for _, u := range demoUsers() {
		if _, err := userStore.Get(ctx, u.ID); err == nil {
			continue
		} else if !errors.Is(err, users.ErrUserNotFound) {
			return res, fmt.Errorf("seed: lookup user %s: %w", u.ID, err)
		}
		u.CreatedAt = now
		u.UpdatedAt = now
		if err := userStore.Create(ctx, u); err != nil {
			if errors.Is(err, users.ErrEmailTaken) {
				continue
			}
			return res, fmt.Errorf("seed: create user %s: %w", u.ID, err)
		}
		res.Users++
	}

	for _, l := range demoListings() {
		if _, err := productStore.Get(ctx, l.id); err == nil {
			continue
		} else if !errors.Is(err, products.ErrProductNotFound) {
			return res, fmt.Errorf("seed: lookup product %s: %w", l.id, err)
		}
		created := now.Add(-l.age)
		p := &products.Product{
			ID:           l.id,
			VendorID:     l.vendor,
			Name:         l.name,
			Description:  l.desc,
			Category:     l.category,
			BasePrice:    l.price,
			CurrentPrice: l.price,
			Unit:         l.unit,
			Quantity:     l.qty,
			Images:       []string{},
			Location:     l.loc,
			IsActive:     true,
			CreatedAt:    created,
			UpdatedAt:    created,
		}
		if err := productStore.Create(ctx, p); err != nil {
			return res, fmt.Errorf("seed: create product %s: %w", l.id, err)
		}
		res.Products++
	}

	return res, nil
}
