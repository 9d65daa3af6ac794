// Package users holds marketplace accounts: buyers and vendors with a
// preferred language and a home location.
package users

import (
	"context"
	"errors"
	"time"

	"golang.org/x/text/language"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// Role is either buyer or vendor.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleVendor
}

// DefaultLanguage is used when a user has no usable preference.
const DefaultLanguage = "hi"

// SupportedLanguages lists the language codes the service can tag and
// translate between.
var SupportedLanguages = []string{"hi", "en", "bn", "te", "mr", "ta", "gu", "kn", "ml", "pa", "or", "as"}

var languageMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(SupportedLanguages))
	for i, code := range SupportedLanguages {
		tags[i] = language.MustParse(code)
	}
	return language.NewMatcher(tags)
}()

// NormalizeLanguage maps a BCP 47 tag or Accept-Language style value
// ("hi-IN", "mr-IN,en;q=0.8") onto a supported base language code.
// Anything unrecognised becomes DefaultLanguage.
func NormalizeLanguage(tag string) string {
	if tag == "" {
		return DefaultLanguage
	}
	tags, _, err := language.ParseAcceptLanguage(tag)
	if err != nil || len(tags) == 0 {
		return DefaultLanguage
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return DefaultLanguage
	}
	return SupportedLanguages[idx]
}

// IsSupportedLanguage reports whether code is exactly one of SupportedLanguages.
func IsSupportedLanguage(code string) bool {
	for _, c := range SupportedLanguages {
		if c == code {
			return true
		}
	}
	return false
}

// Location is a city/state pair with an optional [longitude, latitude].
type Location struct {
	City        string     `json:"city"`
	State       string     `json:"state"`
	Coordinates [2]float64 `json:"coordinates"`
}

// User is a marketplace account.
type User struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone,omitempty"`
	Role              Role      `json:"role"`
	PreferredLanguage string    `json:"preferredLanguage"`
	Location          Location  `json:"location"`
	IsVerified        bool      `json:"isVerified"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context, role Role, limit int) ([]*User, error)
}
