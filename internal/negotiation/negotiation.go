// Package negotiation runs bargaining threads between one buyer and one
// vendor over one listing.
//
// Flow:
//  1. A buyer opens a negotiation on another vendor's product with an initial offer
//  2. Either party posts messages; a message carrying price and quantity is an offer
//  3. The latest offer becomes the current offer, subject to the OfferPolicy
//  4. Either party completes (freezing the final price and quantity) or cancels
//
// Completed and cancelled negotiations are terminal and never change again.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNegotiationNotFound     = errors.New("negotiation not found")
	ErrProductNotFound         = errors.New("product not found")
	ErrSelfNegotiation         = errors.New("cannot negotiate on your own product")
	ErrActiveNegotiationExists = errors.New("active negotiation already exists for this product")
	ErrNotActive               = errors.New("negotiation is not active")
	ErrInvalidOffer            = errors.New("invalid offer")
	ErrVersionConflict         = errors.New("negotiation was modified concurrently")
)

// Status is the lifecycle state of a negotiation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s.IsTerminal()
}

// OfferPolicy decides whose offers may replace the current offer.
type OfferPolicy string

const (
	// PolicyAnyParty lets either party replace the current offer, including
	// the party that proposed it.
	PolicyAnyParty OfferPolicy = "any_party"
	// PolicyOpposingParty only moves the current offer on a counter-offer
	// from the other party.
	PolicyOpposingParty OfferPolicy = "opposing_party"
)

// ParseOfferPolicy converts a config value to an OfferPolicy.
func ParseOfferPolicy(s string) (OfferPolicy, error) {
	switch p := OfferPolicy(s); p {
	case PolicyAnyParty, PolicyOpposingParty:
		return p, nil
	case "":
		return PolicyAnyParty, nil
	default:
		return "", fmt.Errorf("unknown offer policy %q", s)
	}
}

// Offer is a proposed price per unit and quantity.
type Offer struct {
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	ProposedBy string  `json:"proposedBy"`
}

// Message is one append-only entry of a negotiation's log.
type Message struct {
	ID                string    `json:"id"`
	SenderID          string    `json:"senderId"`
	Message           string    `json:"message"`
	TranslatedMessage string    `json:"translatedMessage,omitempty"`
	OfferPrice        *float64  `json:"offerPrice,omitempty"`
	OfferQuantity     *float64  `json:"offerQuantity,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// HasOffer reports whether the message carries both a price and a quantity.
// A message with only one of the two is plain chat as far as the current
// offer is concerned.
func (m Message) HasOffer() bool {
	return m.OfferPrice != nil && m.OfferQuantity != nil
}

// Negotiation is a bargaining thread over one product.
type Negotiation struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"productId"`
	BuyerID       string    `json:"buyerId"`
	VendorID      string    `json:"vendorId"`
	Status        Status    `json:"status"`
	Messages      []Message `json:"messages,omitempty"`
	MessageCount  int       `json:"messageCount"`
	CurrentOffer  Offer     `json:"currentOffer"`
	FinalPrice    *float64  `json:"finalPrice,omitempty"`
	FinalQuantity *float64  `json:"finalQuantity,omitempty"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or the vendor.
func (n *Negotiation) IsParty(userID string) bool {
	return userID != "" && (userID == n.BuyerID || userID == n.VendorID)
}

// Counterparty returns the other party for userID, or "" if userID is not a party.
func (n *Negotiation) Counterparty(userID string) string {
	switch userID {
	case n.BuyerID:
		return n.VendorID
	case n.VendorID:
		return n.BuyerID
	}
	return ""
}

// Append adds msg to the log. An offer-bearing message replaces the current
// offer unless policy is PolicyOpposingParty and the sender already holds it.
// It reports whether the current offer changed.
func (n *Negotiation) Append(msg Message, policy OfferPolicy, now time.Time) (bool, error) {
	if n.Status != StatusActive {
		return false, ErrNotActive
	}
	if !n.IsParty(msg.SenderID) {
		return false, ErrNegotiationNotFound
	}
	if err := validOffer(msg.OfferPrice, msg.OfferQuantity); err != nil {
		return false, err
	}

	n.Messages = append(n.Messages, msg)
	n.MessageCount++
	n.touch(now)

	if !msg.HasOffer() {
		return false, nil
	}
	if policy == PolicyOpposingParty && msg.SenderID == n.CurrentOffer.ProposedBy {
		return false, nil
	}
	n.CurrentOffer = Offer{
		Price:      *msg.OfferPrice,
		Quantity:   *msg.OfferQuantity,
		ProposedBy: msg.SenderID,
	}
	return true, nil
}

// Complete freezes the current offer as the final price and quantity.
func (n *Negotiation) Complete(now time.Time) error {
	if n.Status != StatusActive {
		return ErrNotActive
	}
	price, qty := n.CurrentOffer.Price, n.CurrentOffer.Quantity
	n.Status = StatusCompleted
	n.FinalPrice = &price
	n.FinalQuantity = &qty
	n.touch(now)
	return nil
}

// Cancel ends the negotiation without a final price.
func (n *Negotiation) Cancel(now time.Time) error {
	if n.Status != StatusActive {
		return ErrNotActive
	}
	n.Status = StatusCancelled
	n.touch(now)
	return nil
}

func (n *Negotiation) touch(now time.Time) {
	n.UpdatedAt = now
	n.Version++
}

func (n *Negotiation) clone() *Negotiation {
	cp := *n
	cp.Messages = append([]Message(nil), n.Messages...)
	if n.FinalPrice != nil {
		v := *n.FinalPrice
		cp.FinalPrice = &v
	}
	if n.FinalQuantity != nil {
		v := *n.FinalQuantity
		cp.FinalQuantity = &v
	}
	return &cp
}

func validOffer(price, quantity *float64) error {
	if price != nil && *price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOffer)
	}
	if quantity != nil && *quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidOffer)
	}
	return nil
}

// Filter narrows List and Count to one user's negotiations.
type Filter struct {
	UserID string // buyer or vendor
	Status Status // empty for every status
	Limit  int
	Offset int
}

// Store persists negotiations.
//
// Update writes the header of n and inserts appended, failing with
// ErrVersionConflict unless the stored version is n.Version-1.
type Store interface {
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	FindActive(ctx context.Context, productID, buyerID string) (*Negotiation, error)
	Update(ctx context.Context, n *Negotiation, appended []Message) error
	List(ctx context.Context, f Filter) ([]*Negotiation, error)
	Count(ctx context.Context, f Filter) (int, error)
	CountForProducts(ctx context.Context, productIDs []string, status string, since time.Time) (int, error)
}
