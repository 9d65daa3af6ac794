package products

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/mandi/internal/idgen"
	"github.com/mbd888/mandi/internal/money"
	"github.com/mbd888/mandi/internal/pagination"
	"github.com/mbd888/mandi/internal/users"
	"github.com/mbd888/mandi/internal/validation"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	maxImages            = 10
)

// Request is the body for creating or replacing a listing.
type Request struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     Category       `json:"category"`
	BasePrice    float64        `json:"basePrice"`
	CurrentPrice *float64       `json:"currentPrice"`
	Unit         Unit           `json:"unit"`
	Quantity     float64        `json:"quantity"`
	Images       []string       `json:"images"`
	Location     users.Location `json:"location"`
}

// Validate checks the request and normalises its text fields.
func (r *Request) Validate() error {
	r.Name = validation.SanitizeText(r.Name, 0)
	r.Description = validation.SanitizeText(r.Description, 0)
	r.Location.City = strings.TrimSpace(r.Location.City)
	r.Location.State = strings.TrimSpace(r.Location.State)

	current := r.BasePrice
	if r.CurrentPrice != nil {
		current = *r.CurrentPrice
	}

	errs := validation.Validate(
		validation.Required("name", r.Name),
		validation.MaxLength("name", r.Name, maxNameLength),
		validation.Required("description", r.Description),
		validation.MaxLength("description", r.Description, maxDescriptionLength),
		validation.Required("category", string(r.Category)),
		validation.OneOf("category", string(r.Category), categoryNames()),
		validation.Required("unit", string(r.Unit)),
		validation.OneOf("unit", string(r.Unit), unitNames()),
		validation.NonNegative("basePrice", r.BasePrice),
		validation.NonNegative("currentPrice", current),
		validation.NonNegative("quantity", r.Quantity),
		validation.Required("location.city", r.Location.City),
		validation.Required("location.state", r.Location.State),
		func() *validation.ValidationError {
			if len(r.Images) > maxImages {
				return &validation.ValidationError{Field: "images", Message: fmt.Sprintf("at most %d images", maxImages)}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func categoryNames() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}

func unitNames() []string {
	out := make([]string, len(Units))
	for i, u := range Units {
		out[i] = string(u)
	}
	return out
}

// Page is one page of listings.
type Page struct {
	Products   []*Product      `json:"products"`
	Pagination pagination.Meta `json:"pagination"`
}

// Service implements listing business logic.
type Service struct {
	store  Store
	users  users.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new listing service.
func NewService(store Store, userStore users.Store, logger *slog.Logger) *Service {
	return &Service{store: store, users: userStore, logger: logger, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create lists a new product for vendorID.
func (s *Service) Create(ctx context.Context, vendorID string, req Request) (*Product, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	vendor, err := s.users.Get(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if vendor.Role != users.RoleVendor {
		return nil, ErrNotVendor
	}

	now := s.now()
	p := &Product{
		ID:        idgen.WithPrefix(idgen.PrefixProduct),
		VendorID:  vendorID,
		IsActive:  true,
		CreatedAt: now,
	}
	apply(p, req, now)

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	s.logger.Info("product listed", "product_id", p.ID, "vendor_id", vendorID, "category", p.Category)
	return p, nil
}

// Get returns a listing, active or not.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	return s.store.Get(ctx, id)
}

// Update replaces a listing's fields. Only the owning vendor may update.
func (s *Service) Update(ctx context.Context, id, vendorID string, req Request) (*Product, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.VendorID != vendorID {
		return nil, ErrNotOwner
	}
	apply(p, req, s.now())
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Deactivate soft-deletes a listing. Only the owning vendor may deactivate.
func (s *Service) Deactivate(ctx context.Context, id, vendorID string) error {
	return s.store.Deactivate(ctx, id, vendorID, s.now())
}

// List returns one page of active listings matching f.
func (s *Service) List(ctx context.Context, f Filter, page pagination.Params) (*Page, error) {
	f.IncludeInactive = false
	f.Limit = page.Limit
	f.Offset = page.Offset()

	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Product{}
	}
	return &Page{Products: items, Pagination: pagination.NewMeta(page, total)}, nil
}

func apply(p *Product, req Request, now time.Time) {
	p.Name = req.Name
	p.Description = req.Description
	p.Category = req.Category
	p.BasePrice = money.Round2(req.BasePrice)
	p.CurrentPrice = p.BasePrice
	if req.CurrentPrice != nil {
		p.CurrentPrice = money.Round2(*req.CurrentPrice)
	}
	p.Unit = req.Unit
	p.Quantity = req.Quantity
	p.Images = append([]string{}, req.Images...)
	p.Location = req.Location
	p.UpdatedAt = now
}

// IsValidationError reports whether err came from request validation.
func IsValidationError(err error) (validation.ValidationErrors, bool) {
	var verrs validation.ValidationErrors
	ok := errors.As(err, &verrs)
	return verrs, ok
}
