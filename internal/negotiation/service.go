package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/mandi/internal/idgen"
	"github.com/mbd888/mandi/internal/metrics"
	"github.com/mbd888/mandi/internal/money"
	"github.com/mbd888/mandi/internal/pagination"
	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/retry"
	"github.com/mbd888/mandi/internal/syncutil"
	"github.com/mbd888/mandi/internal/traces"
	"github.com/mbd888/mandi/internal/translation"
	"github.com/mbd888/mandi/internal/users"
	"github.com/mbd888/mandi/internal/validation"
)

const maxMessageLength = 2000

// OfferInput is a price and quantity pair in a request body.
type OfferInput struct {
	Price    *float64 `json:"price"`
	Quantity *float64 `json:"quantity"`
}

// CreateRequest opens a negotiation.
type CreateRequest struct {
	ProductID    string     `json:"productId"`
	InitialOffer OfferInput `json:"initialOffer"`
	Message      string     `json:"message"`
}

// Validate checks the request and normalises its text.
func (r *CreateRequest) Validate() error {
	r.Message = validation.SanitizeText(r.Message, 0)
	errs := validation.Validate(
		validation.Required("productId", r.ProductID),
		validation.Required("message", r.Message),
		validation.MaxLength("message", r.Message, maxMessageLength),
		required("initialOffer.price", r.InitialOffer.Price),
		required("initialOffer.quantity", r.InitialOffer.Quantity),
		nonNegative("initialOffer.price", r.InitialOffer.Price),
		nonNegative("initialOffer.quantity", r.InitialOffer.Quantity),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// MessageRequest posts a message, optionally with an offer.
type MessageRequest struct {
	Message       string   `json:"message"`
	OfferPrice    *float64 `json:"offerPrice"`
	OfferQuantity *float64 `json:"offerQuantity"`
}

// Validate checks the request and normalises its text.
func (r *MessageRequest) Validate() error {
	r.Message = validation.SanitizeText(r.Message, 0)
	errs := validation.Validate(
		validation.Required("message", r.Message),
		validation.MaxLength("message", r.Message, maxMessageLength),
		nonNegative("offerPrice", r.OfferPrice),
		nonNegative("offerQuantity", r.OfferQuantity),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func required(field string, v *float64) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if v == nil {
			return &validation.ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

func nonNegative(field string, v *float64) func() *validation.ValidationError {
	if v == nil {
		return func() *validation.ValidationError { return nil }
	}
	return validation.NonNegative(field, *v)
}

// IsValidationError reports whether err came from request validation.
func IsValidationError(err error) (validation.ValidationErrors, bool) {
	var verrs validation.ValidationErrors
	ok := errors.As(err, &verrs)
	return verrs, ok
}

// Page is one page of a user's negotiations.
type Page struct {
	Negotiations []*Negotiation  `json:"negotiations"`
	Pagination   pagination.Meta `json:"pagination"`
}

// PostResult is the outcome of PostMessage.
type PostResult struct {
	Negotiation  *Negotiation `json:"-"`
	Message      Message      `json:"message"`
	CurrentOffer Offer        `json:"currentOffer"`
	OfferChanged bool         `json:"offerChanged"`
	Suggestion   *Suggestion  `json:"suggestion,omitempty"`
}

// Service implements the negotiation state machine on top of a Store.
// Mutations of one negotiation are serialised in-process; the store's
// version check catches writers in other processes.
type Service struct {
	store      Store
	products   ProductLookup
	users      users.Store
	translator translation.Translator
	engine     *Engine
	policy     OfferPolicy
	suggest    bool
	locks      *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

const (
	conflictRetries = 3
	conflictBackoff = 20 * time.Millisecond
)

// NewService creates a negotiation service.
func NewService(store Store, productLookup ProductLookup, userStore users.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		products: productLookup,
		users:    userStore,
		policy:   PolicyAnyParty,
		locks:    syncutil.NewKeyedMutex(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithTranslator enables translation of messages between parties whose
// preferred languages differ.
func (s *Service) WithTranslator(t translation.Translator) *Service {
	s.translator = t
	return s
}

// WithEngine attaches the negotiation engine. When suggestOnOffer is set,
// every offer-bearing message is answered with a counter-offer suggestion.
func (s *Service) WithEngine(e *Engine, suggestOnOffer bool) *Service {
	s.engine = e
	s.suggest = suggestOnOffer
	return s
}

// WithOfferPolicy sets who may replace the current offer.
func (s *Service) WithOfferPolicy(p OfferPolicy) *Service {
	s.policy = p
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a negotiation for buyerID with an initial offer.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (n *Negotiation, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "negotiation.Create", traces.ProductID(req.ProductID), traces.UserID(buyerID))
	defer func() { traces.End(span, err) }()

	p, err := s.products.Get(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, products.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrProductNotFound
	}
	if p.VendorID == buyerID {
		return nil, ErrSelfNegotiation
	}

	unlock, err := s.locks.LockContext(ctx, "create:"+p.ID+":"+buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.FindActive(ctx, p.ID, buyerID); err == nil {
		return nil, ErrActiveNegotiationExists
	} else if !errors.Is(err, ErrNegotiationNotFound) {
		return nil, err
	}

	now := s.now()
	price, qty := money.Round2(*req.InitialOffer.Price), *req.InitialOffer.Quantity
	first := Message{
		ID:            idgen.WithPrefix(idgen.PrefixMessage),
		SenderID:      buyerID,
		Message:       req.Message,
		OfferPrice:    &price,
		OfferQuantity: &qty,
		Timestamp:     now,
	}
	first.TranslatedMessage = s.translateFor(ctx, first.Message, buyerID, p.VendorID)

	n = &Negotiation{
		ID:           idgen.WithPrefix(idgen.PrefixNegotiation),
		ProductID:    p.ID,
		BuyerID:      buyerID,
		VendorID:     p.VendorID,
		Status:       StatusActive,
		Messages:     []Message{first},
		MessageCount: 1,
		CurrentOffer: Offer{Price: price, Quantity: qty, ProposedBy: buyerID},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, n); err != nil {
		if errors.Is(err, ErrActiveNegotiationExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create negotiation: %w", err)
	}

	metrics.NegotiationsTotal.WithLabelValues("created").Inc()
	metrics.NegotiationMessagesTotal.WithLabelValues("offer").Inc()
	s.logger.Info("negotiation opened",
		"negotiation_id", n.ID, "product_id", p.ID, "buyer_id", buyerID, "vendor_id", p.VendorID)
	return n, nil
}

// Get returns a negotiation with its messages. Callers who are not a party
// get ErrNegotiationNotFound.
func (s *Service) Get(ctx context.Context, id, userID string) (*Negotiation, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !n.IsParty(userID) {
		return nil, ErrNegotiationNotFound
	}
	return n, nil
}

// List returns one page of userID's negotiations, most recently updated first.
func (s *Service) List(ctx context.Context, userID string, status Status, page pagination.Params) (*Page, error) {
	if status != "" && !status.Valid() {
		return nil, validation.ValidationErrors{{Field: "status", Message: "must be one of active, completed, cancelled"}}
	}
	f := Filter{UserID: userID, Status: status, Limit: page.Limit, Offset: page.Offset()}

	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Negotiation{}
	}
	return &Page{Negotiations: items, Pagination: pagination.NewMeta(page, total)}, nil
}

// PostMessage appends a message from senderID. A message with both an
// offer price and quantity may replace the current offer.
func (s *Service) PostMessage(ctx context.Context, id, senderID string, req MessageRequest) (*PostResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		msg     Message
		changed bool
	)
	n, err := s.mutate(ctx, "PostMessage", id, senderID, func(n *Negotiation, now time.Time) ([]Message, error) {
		if n.Status != StatusActive {
			return nil, ErrNotActive
		}
		msg = Message{
			ID:            idgen.WithPrefix(idgen.PrefixMessage),
			SenderID:      senderID,
			Message:       req.Message,
			OfferPrice:    roundedPtr(req.OfferPrice),
			OfferQuantity: req.OfferQuantity,
			Timestamp:     now,
		}
		msg.TranslatedMessage = s.translateFor(ctx, msg.Message, senderID, n.Counterparty(senderID))

		var err error
		changed, err = n.Append(msg, s.policy, now)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	})
	if err != nil {
		return nil, err
	}

	kind := "message"
	if msg.HasOffer() {
		kind = "offer"
	}
	metrics.NegotiationMessagesTotal.WithLabelValues(kind).Inc()

	res := &PostResult{
		Negotiation:  n,
		Message:      msg,
		CurrentOffer: n.CurrentOffer,
		OfferChanged: changed,
	}
	if msg.HasOffer() && s.suggest && s.engine != nil {
		// Rounds are the messages exchanged before this offer.
		res.Suggestion = s.engine.suggestAfter(ctx, id, n.MessageCount-1, *msg.OfferPrice, *msg.OfferQuantity)
	}
	return res, nil
}

// Complete accepts the current offer and ends the negotiation.
func (s *Service) Complete(ctx context.Context, id, userID string) (*Negotiation, error) {
	n, err := s.mutate(ctx, "Complete", id, userID, func(n *Negotiation, now time.Time) ([]Message, error) {
		return nil, n.Complete(now)
	})
	if err != nil {
		return nil, err
	}
	metrics.NegotiationsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("negotiation completed",
		"negotiation_id", id, "user_id", userID, "final_price", *n.FinalPrice, "final_quantity", *n.FinalQuantity)
	return n, nil
}

// Cancel ends the negotiation without a deal.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Negotiation, error) {
	n, err := s.mutate(ctx, "Cancel", id, userID, func(n *Negotiation, now time.Time) ([]Message, error) {
		return nil, n.Cancel(now)
	})
	if err != nil {
		return nil, err
	}
	metrics.NegotiationsTotal.WithLabelValues("cancelled").Inc()
	s.logger.Info("negotiation cancelled", "negotiation_id", id, "user_id", userID)
	return n, nil
}

// Suggest asks the engine for a counter-offer on behalf of a party. The
// result is nil when the engine has nothing to say.
func (s *Service) Suggest(ctx context.Context, id, userID string, price, quantity float64) (*Suggestion, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	if s.engine == nil {
		return nil, nil
	}
	return s.engine.SuggestCounterOffer(ctx, id, price, quantity), nil
}

// Fairness scores a negotiation for one of its parties.
func (s *Service) Fairness(ctx context.Context, id, userID string) (*FairnessReport, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	if s.engine == nil {
		return nil, nil
	}
	return s.engine.AnalyzeFairness(ctx, id), nil
}

// OptimalPrice recommends a unit price for buying quantity of a listing.
func (s *Service) OptimalPrice(ctx context.Context, productID string, quantity float64) *OptimalPrice {
	if s.engine == nil {
		return nil
	}
	return s.engine.GetOptimalPrice(ctx, productID, quantity)
}

// mutate loads, changes and saves one negotiation under its lock. fn
// returns the messages it appended.
func (s *Service) mutate(ctx context.Context, op, id, userID string, fn func(*Negotiation, time.Time) ([]Message, error)) (n *Negotiation, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation."+op, traces.NegotiationID(id), traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The keyed lock only covers this process. Another instance sharing the
	// database can still win the version race, so reload and reapply.
	err = retry.Do(ctx, conflictRetries, conflictBackoff, func() error {
		loaded, err := s.Get(ctx, id, userID)
		if err != nil {
			return retry.Permanent(err)
		}
		appended, err := fn(loaded, s.now())
		if err != nil {
			return retry.Permanent(err)
		}
		if err := s.store.Update(ctx, loaded, appended); err != nil {
			return retry.Only(err, ErrVersionConflict)
		}
		n = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// translateFor returns text translated for receiverID, or "" when the
// parties share a language or translation is unavailable.
func (s *Service) translateFor(ctx context.Context, text, senderID, receiverID string) string {
	if s.translator == nil || s.users == nil || receiverID == "" {
		return ""
	}
	sender, err := s.users.Get(ctx, senderID)
	if err != nil {
		s.logger.Warn("translation skipped: sender lookup failed", "user_id", senderID, "error", err)
		return ""
	}
	receiver, err := s.users.Get(ctx, receiverID)
	if err != nil {
		s.logger.Warn("translation skipped: receiver lookup failed", "user_id", receiverID, "error", err)
		return ""
	}
	translated, ok := translation.ForRecipient(ctx, s.translator, text,
		sender.PreferredLanguage, receiver.PreferredLanguage, s.logger)
	if !ok {
		return ""
	}
	return translated
}

func roundedPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := money.Round2(*v)
	return &r
}
