package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/mandi/internal/pagination"
	"github.com/mbd888/mandi/internal/pricing"
	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/translation"
	"github.com/mbd888/mandi/internal/users"
)

var testNow = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

// fixedMarket returns the same record for every query.
type fixedMarket struct {
	rec *pricing.Record
}

func (m fixedMarket) GetPriceDiscovery(_ context.Context, category, location string) *pricing.Record {
	if m.rec == nil {
		return nil
	}
	cp := *m.rec
	cp.ProductCategory = category
	cp.Location = location
	return &cp
}

func vegetableMarket() *pricing.Record {
	return &pricing.Record{
		AveragePrice: 50,
		PriceRange:   pricing.PriceRange{Min: 20, Max: 80},
		MarketTrend:  pricing.TrendStable,
		Confidence:   0.6,
	}
}

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	products *products.MemoryStore
	users    *users.MemoryStore
	product  *products.Product
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		store:    NewMemoryStore(),
		products: products.NewMemoryStore(),
		users:    users.NewMemoryStore(),
	}

	for _, u := range []*users.User{
		{ID: "usr_vendor", Name: "Ramesh", Email: "ramesh@example.com", Role: users.RoleVendor, PreferredLanguage: "hi"},
		{ID: "usr_buyer", Name: "Anita", Email: "anita@example.com", Role: users.RoleBuyer, PreferredLanguage: "en"},
		{ID: "usr_buyer_hi", Name: "Suresh", Email: "suresh@example.com", Role: users.RoleBuyer, PreferredLanguage: "hi"},
		{ID: "usr_stranger", Name: "Meena", Email: "meena@example.com", Role: users.RoleBuyer, PreferredLanguage: "ta"},
	} {
		if err := env.users.Create(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	env.product = &products.Product{
		ID:           "prd_tomatoes",
		VendorID:     "usr_vendor",
		Name:         "Tomatoes",
		Description:  "Fresh red tomatoes",
		Category:     products.CategoryVegetables,
		BasePrice:    50,
		CurrentPrice: 50,
		Unit:         products.UnitKg,
		Quantity:     100,
		Location:     users.Location{City: "Pune", State: "Maharashtra"},
		IsActive:     true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	if err := env.products.Create(ctx, env.product); err != nil {
		t.Fatalf("create product: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(env.store, env.products, fixedMarket{rec: vegetableMarket()}, logger)
	env.svc = NewService(env.store, env.products, env.users, logger).
		WithTranslator(translation.Tagger{}).
		WithEngine(engine, true).
		WithClock(func() time.Time { return testNow })
	return env
}

func (e *testEnv) open(t *testing.T, buyerID string, price, qty float64) *Negotiation {
	t.Helper()
	n, err := e.svc.Create(context.Background(), buyerID, CreateRequest{
		ProductID:    e.product.ID,
		InitialOffer: OfferInput{Price: ptr(price), Quantity: ptr(qty)},
		Message:      "Can you do a better price?",
	})
	if err != nil {
		t.Fatalf("create negotiation: %v", err)
	}
	return n
}

// --- State machine ---

func TestAppend_OfferReplacement(t *testing.T) {
	n := &Negotiation{
		BuyerID: "b", VendorID: "v", Status: StatusActive,
		CurrentOffer: Offer{Price: 45, Quantity: 10, ProposedBy: "b"},
	}

	changed, err := n.Append(Message{SenderID: "v", Message: "48?", OfferPrice: ptr(48), OfferQuantity: ptr(10)}, PolicyAnyParty, testNow)
	if err != nil || !changed {
		t.Fatalf("expected offer change, got changed=%v err=%v", changed, err)
	}
	if n.CurrentOffer != (Offer{Price: 48, Quantity: 10, ProposedBy: "v"}) {
		t.Errorf("unexpected current offer %+v", n.CurrentOffer)
	}

	// Price without quantity is chat only.
	changed, _ = n.Append(Message{SenderID: "b", Message: "46?", OfferPrice: ptr(46)}, PolicyAnyParty, testNow)
	if changed {
		t.Error("price-only message must not change the current offer")
	}
	changed, _ = n.Append(Message{SenderID: "b", Message: "20kg?", OfferQuantity: ptr(20)}, PolicyAnyParty, testNow)
	if changed {
		t.Error("quantity-only message must not change the current offer")
	}
	if n.CurrentOffer.Price != 48 || n.CurrentOffer.ProposedBy != "v" {
		t.Errorf("current offer moved: %+v", n.CurrentOffer)
	}
	if len(n.Messages) != 3 || n.MessageCount != 3 {
		t.Errorf("expected 3 messages, got %d/%d", len(n.Messages), n.MessageCount)
	}
	if n.Version != 3 {
		t.Errorf("expected version 3, got %d", n.Version)
	}
}

func TestAppend_OpposingPartyPolicy(t *testing.T) {
	n := &Negotiation{
		BuyerID: "b", VendorID: "v", Status: StatusActive,
		CurrentOffer: Offer{Price: 45, Quantity: 10, ProposedBy: "b"},
	}

	changed, err := n.Append(Message{SenderID: "b", OfferPrice: ptr(46), OfferQuantity: ptr(10)}, PolicyOpposingParty, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if changed || n.CurrentOffer.Price != 45 {
		t.Errorf("same party revision must not move the offer under opposing_party, got %+v", n.CurrentOffer)
	}

	changed, _ = n.Append(Message{SenderID: "v", OfferPrice: ptr(49), OfferQuantity: ptr(10)}, PolicyOpposingParty, testNow)
	if !changed || n.CurrentOffer.ProposedBy != "v" {
		t.Errorf("counter-offer should move the offer, got %+v", n.CurrentOffer)
	}

	// Under any_party the proposer may revise.
	changed, _ = n.Append(Message{SenderID: "v", OfferPrice: ptr(47), OfferQuantity: ptr(10)}, PolicyAnyParty, testNow)
	if !changed || n.CurrentOffer.Price != 47 {
		t.Errorf("any_party should accept own revision, got %+v", n.CurrentOffer)
	}
}

func TestAppend_RejectsNegativeOffer(t *testing.T) {
	n := &Negotiation{BuyerID: "b", VendorID: "v", Status: StatusActive}
	_, err := n.Append(Message{SenderID: "b", OfferPrice: ptr(-1), OfferQuantity: ptr(1)}, PolicyAnyParty, testNow)
	if !errors.Is(err, ErrInvalidOffer) {
		t.Errorf("expected ErrInvalidOffer, got %v", err)
	}
	if len(n.Messages) != 0 {
		t.Error("rejected message must not be appended")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, end := range []func(*Negotiation) error{
		func(n *Negotiation) error { return n.Complete(testNow) },
		func(n *Negotiation) error { return n.Cancel(testNow) },
	} {
		n := &Negotiation{
			BuyerID: "b", VendorID: "v", Status: StatusActive,
			CurrentOffer: Offer{Price: 45, Quantity: 10, ProposedBy: "b"},
		}
		if err := end(n); err != nil {
			t.Fatal(err)
		}
		before := n.clone()

		if _, err := n.Append(Message{SenderID: "b", OfferPrice: ptr(1), OfferQuantity: ptr(1)}, PolicyAnyParty, testNow); !errors.Is(err, ErrNotActive) {
			t.Errorf("append: expected ErrNotActive, got %v", err)
		}
		if err := n.Complete(testNow); !errors.Is(err, ErrNotActive) {
			t.Errorf("complete: expected ErrNotActive, got %v", err)
		}
		if err := n.Cancel(testNow); !errors.Is(err, ErrNotActive) {
			t.Errorf("cancel: expected ErrNotActive, got %v", err)
		}

		if n.Status != before.Status || n.CurrentOffer != before.CurrentOffer || len(n.Messages) != len(before.Messages) || n.Version != before.Version {
			t.Errorf("terminal negotiation changed: %+v -> %+v", before, n)
		}
	}
}

func TestCancel_NoFinalPrice(t *testing.T) {
	n := &Negotiation{BuyerID: "b", VendorID: "v", Status: StatusActive, CurrentOffer: Offer{Price: 45, Quantity: 10}}
	if err := n.Cancel(testNow); err != nil {
		t.Fatal(err)
	}
	if n.FinalPrice != nil || n.FinalQuantity != nil {
		t.Error("cancelled negotiation must not record a final price")
	}
}

func TestParseOfferPolicy(t *testing.T) {
	if p, err := ParseOfferPolicy(""); err != nil || p != PolicyAnyParty {
		t.Errorf("empty policy: got %q, %v", p, err)
	}
	if p, err := ParseOfferPolicy("opposing_party"); err != nil || p != PolicyOpposingParty {
		t.Errorf("opposing_party: got %q, %v", p, err)
	}
	if _, err := ParseOfferPolicy("vendor_only"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// --- Service ---

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	n := env.open(t, "usr_buyer", 45, 10)

	if !strings.HasPrefix(n.ID, "neg_") {
		t.Errorf("expected neg_ prefix, got %s", n.ID)
	}
	if n.Status != StatusActive || n.VendorID != "usr_vendor" {
		t.Errorf("unexpected negotiation %+v", n)
	}
	if n.CurrentOffer != (Offer{Price: 45, Quantity: 10, ProposedBy: "usr_buyer"}) {
		t.Errorf("unexpected current offer %+v", n.CurrentOffer)
	}
	if len(n.Messages) != 1 || !n.Messages[0].HasOffer() {
		t.Fatalf("expected one offer message, got %+v", n.Messages)
	}
	if !strings.HasPrefix(n.Messages[0].ID, "msg_") {
		t.Errorf("expected msg_ prefix, got %s", n.Messages[0].ID)
	}
}

func TestCreate_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, "usr_vendor", CreateRequest{
		ProductID: env.product.ID, InitialOffer: OfferInput{Price: ptr(45), Quantity: ptr(10)}, Message: "mine",
	})
	if !errors.Is(err, ErrSelfNegotiation) {
		t.Errorf("expected ErrSelfNegotiation, got %v", err)
	}

	_, err = env.svc.Create(ctx, "usr_buyer", CreateRequest{
		ProductID: "prd_missing", InitialOffer: OfferInput{Price: ptr(45), Quantity: ptr(10)}, Message: "hi",
	})
	if !errors.Is(err, ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}

	_, err = env.svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: env.product.ID, Message: "no offer"})
	if _, ok := IsValidationError(err); !ok {
		t.Errorf("expected validation error, got %v", err)
	}

	if err := env.products.Deactivate(ctx, env.product.ID, "usr_vendor", testNow); err != nil {
		t.Fatal(err)
	}
	_, err = env.svc.Create(ctx, "usr_buyer", CreateRequest{
		ProductID: env.product.ID, InitialOffer: OfferInput{Price: ptr(45), Quantity: ptr(10)}, Message: "hi",
	})
	if !errors.Is(err, ErrProductNotFound) {
		t.Errorf("inactive product: expected ErrProductNotFound, got %v", err)
	}
}

func TestCreate_SingleActivePerProductAndBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.open(t, "usr_buyer", 45, 10)

	_, err := env.svc.Create(ctx, "usr_buyer", CreateRequest{
		ProductID: env.product.ID, InitialOffer: OfferInput{Price: ptr(40), Quantity: ptr(5)}, Message: "again",
	})
	if !errors.Is(err, ErrActiveNegotiationExists) {
		t.Fatalf("expected ErrActiveNegotiationExists, got %v", err)
	}

	// Another buyer is unaffected.
	env.open(t, "usr_buyer_hi", 44, 5)

	// Once the first one ends, the buyer may open a new one.
	if _, err := env.svc.Cancel(ctx, first.ID, "usr_buyer"); err != nil {
		t.Fatal(err)
	}
	env.open(t, "usr_buyer", 46, 10)
}

func TestCreate_ConcurrentOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Create(context.Background(), "usr_buyer", CreateRequest{
				ProductID: env.product.ID, InitialOffer: OfferInput{Price: ptr(45), Quantity: ptr(10)}, Message: "race",
			})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one negotiation, got %d", created)
	}
}

func TestAuthorization_NonPartyGetsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := env.open(t, "usr_buyer", 45, 10)

	if _, err := env.svc.Get(ctx, n.ID, "usr_stranger"); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("get: expected not found, got %v", err)
	}
	if _, err := env.svc.PostMessage(ctx, n.ID, "usr_stranger", MessageRequest{Message: "hello"}); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("post: expected not found, got %v", err)
	}
	if _, err := env.svc.Complete(ctx, n.ID, "usr_stranger"); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("complete: expected not found, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, n.ID, "usr_stranger"); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("cancel: expected not found, got %v", err)
	}
	if _, err := env.svc.Fairness(ctx, n.ID, "usr_stranger"); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("fairness: expected not found, got %v", err)
	}
	if _, err := env.svc.Suggest(ctx, n.ID, "usr_stranger", 45, 10); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("suggest: expected not found, got %v", err)
	}

	got, err := env.svc.Get(ctx, n.ID, "usr_buyer")
	if err != nil || got.Status != StatusActive || len(got.Messages) != 1 {
		t.Errorf("party read failed: %+v, %v", got, err)
	}
}

func TestEndToEnd_AcceptVendorCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := env.open(t, "usr_buyer", 45, 10)

	res, err := env.svc.PostMessage(ctx, n.ID, "usr_vendor", MessageRequest{
		Message: "48 is my best price", OfferPrice: ptr(48), OfferQuantity: ptr(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OfferChanged || res.CurrentOffer != (Offer{Price: 48, Quantity: 10, ProposedBy: "usr_vendor"}) {
		t.Fatalf("unexpected current offer %+v", res.CurrentOffer)
	}
	if res.Suggestion == nil {
		t.Error("expected a counter-offer suggestion for an offer message")
	}

	done, err := env.svc.Complete(ctx, n.ID, "usr_buyer")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted || *done.FinalPrice != 48 || *done.FinalQuantity != 10 {
		t.Fatalf("unexpected completed negotiation %+v", done)
	}

	if _, err := env.svc.PostMessage(ctx, n.ID, "usr_buyer", MessageRequest{Message: "wait", OfferPrice: ptr(1), OfferQuantity: ptr(1)}); !errors.Is(err, ErrNotActive) {
		t.Errorf("post after completion: expected ErrNotActive, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, n.ID, "usr_vendor"); !errors.Is(err, ErrNotActive) {
		t.Errorf("cancel after completion: expected ErrNotActive, got %v", err)
	}
	if _, err := env.svc.Complete(ctx, n.ID, "usr_vendor"); !errors.Is(err, ErrNotActive) {
		t.Errorf("complete twice: expected ErrNotActive, got %v", err)
	}

	final, _ := env.svc.Get(ctx, n.ID, "usr_vendor")
	if len(final.Messages) != 2 || *final.FinalPrice != 48 || final.CurrentOffer.Price != 48 {
		t.Errorf("terminal negotiation changed: %+v", final)
	}
}

func TestPostMessage_TranslationGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// en buyer -> hi vendor: translated.
	n := env.open(t, "usr_buyer", 45, 10)
	if got := n.Messages[0].TranslatedMessage; got != "[HI] Can you do a better price?" {
		t.Errorf("expected translated opening message, got %q", got)
	}
	res, err := env.svc.PostMessage(ctx, n.ID, "usr_vendor", MessageRequest{Message: "नहीं"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.TranslatedMessage != "[EN] नहीं" {
		t.Errorf("expected vendor message translated to en, got %q", res.Message.TranslatedMessage)
	}

	// Output identical to the input is not attached.
	res, err = env.svc.PostMessage(ctx, n.ID, "usr_buyer", MessageRequest{Message: "₹46"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.TranslatedMessage != "" {
		t.Errorf("identical translation must be dropped, got %q", res.Message.TranslatedMessage)
	}

	// hi buyer -> hi vendor: never translated.
	same := env.open(t, "usr_buyer_hi", 45, 10)
	if same.Messages[0].TranslatedMessage != "" {
		t.Errorf("same-language message translated: %q", same.Messages[0].TranslatedMessage)
	}
	res, err = env.svc.PostMessage(ctx, same.ID, "usr_vendor", MessageRequest{Message: "ठीक है"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.TranslatedMessage != "" {
		t.Errorf("same-language message translated: %q", res.Message.TranslatedMessage)
	}
}

type failingTranslator struct{}

func (failingTranslator) Translate(context.Context, string, string, string) (translation.Result, error) {
	return translation.Result{}, errors.New("backend unavailable")
}

func TestPostMessage_TranslationFailureKeepsOriginal(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithTranslator(failingTranslator{})
	n := env.open(t, "usr_buyer", 45, 10)

	res, err := env.svc.PostMessage(context.Background(), n.ID, "usr_buyer", MessageRequest{Message: "still there?"})
	if err != nil {
		t.Fatalf("translation failure must not fail the message: %v", err)
	}
	if res.Message.Message != "still there?" || res.Message.TranslatedMessage != "" {
		t.Errorf("unexpected message %+v", res.Message)
	}
}

func TestPostMessage_NoSuggestionForChat(t *testing.T) {
	env := newTestEnv(t)
	n := env.open(t, "usr_buyer", 45, 10)

	res, err := env.svc.PostMessage(context.Background(), n.ID, "usr_vendor", MessageRequest{Message: "How many kg?", OfferPrice: ptr(47)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Suggestion != nil || res.OfferChanged {
		t.Errorf("partial offer should be plain chat, got %+v", res)
	}
}

func TestPostMessage_SuggestionCountsEarlierRounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := env.open(t, "usr_buyer", 45, 10)

	res, err := env.svc.PostMessage(ctx, n.ID, "usr_vendor", MessageRequest{
		Message: "48 for 10 kg", OfferPrice: ptr(48), OfferQuantity: ptr(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Suggestion == nil {
		t.Fatal("expected a suggestion")
	}
	if res.Suggestion.SuggestedPrice != 49 {
		t.Errorf("expected ₹49 after one earlier round, got %v", res.Suggestion.SuggestedPrice)
	}
	if !strings.HasPrefix(res.Suggestion.Reasoning, "Based on 1 rounds") {
		t.Errorf("unexpected reasoning %q", res.Suggestion.Reasoning)
	}

	// The explicit suggestion endpoint counts everything stored so far.
	s, err := env.svc.Suggest(ctx, n.ID, "usr_buyer", 48, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.SuggestedPrice != 48 {
		t.Errorf("expected ₹48 after two stored messages, got %+v", s)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	n := env.open(t, "usr_buyer", 45, 10)

	_, err := env.svc.PostMessage(context.Background(), n.ID, "usr_buyer", MessageRequest{Message: "  "})
	if _, ok := IsValidationError(err); !ok {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = env.svc.PostMessage(context.Background(), n.ID, "usr_buyer", MessageRequest{Message: "x", OfferPrice: ptr(-5), OfferQuantity: ptr(1)})
	if _, ok := IsValidationError(err); !ok {
		t.Errorf("expected validation error for negative price, got %v", err)
	}
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := env.open(t, "usr_buyer", 45, 10)

	stale, _ := env.store.Get(ctx, n.ID)
	fresh, _ := env.store.Get(ctx, n.ID)

	msg := Message{ID: "msg_a", SenderID: "usr_buyer", Message: "a", Timestamp: testNow}
	if _, err := fresh.Append(msg, PolicyAnyParty, testNow); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Update(ctx, fresh, []Message{msg}); err != nil {
		t.Fatal(err)
	}

	msg2 := Message{ID: "msg_b", SenderID: "usr_vendor", Message: "b", Timestamp: testNow}
	if _, err := stale.Append(msg2, PolicyAnyParty, testNow); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Update(ctx, stale, []Message{msg2}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConcurrentMessagesAreAllKept(t *testing.T) {
	env := newTestEnv(t)
	n := env.open(t, "usr_buyer", 45, 10)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "usr_buyer"
			if i%2 == 0 {
				sender = "usr_vendor"
			}
			if _, err := env.svc.PostMessage(context.Background(), n.ID, sender, MessageRequest{Message: "ping"}); err != nil {
				t.Errorf("post %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := env.svc.Get(context.Background(), n.ID, "usr_buyer")
	if len(got.Messages) != writers+1 {
		t.Errorf("expected %d messages, got %d", writers+1, len(got.Messages))
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clock := testNow
	env.svc.WithClock(func() time.Time { clock = clock.Add(time.Minute); return clock })

	a := env.open(t, "usr_buyer", 45, 10)
	b := env.open(t, "usr_buyer_hi", 44, 5)
	if _, err := env.svc.Cancel(ctx, a.ID, "usr_buyer"); err != nil {
		t.Fatal(err)
	}

	page, err := env.svc.List(ctx, "usr_vendor", "", pagination.Normalize(1, 10))
	if err != nil {
		t.Fatal(err)
	}
	if page.Pagination.Total != 2 || len(page.Negotiations) != 2 {
		t.Fatalf("expected 2 negotiations, got %+v", page.Pagination)
	}
	if page.Negotiations[0].ID != a.ID {
		t.Errorf("expected most recently updated first, got %s", page.Negotiations[0].ID)
	}
	if page.Negotiations[1].MessageCount != 1 || page.Negotiations[1].Messages != nil {
		t.Errorf("list should carry counts, not messages: %+v", page.Negotiations[1])
	}

	page, _ = env.svc.List(ctx, "usr_vendor", StatusActive, pagination.Normalize(1, 10))
	if page.Pagination.Total != 1 || page.Negotiations[0].ID != b.ID {
		t.Errorf("status filter failed: %+v", page)
	}

	page, _ = env.svc.List(ctx, "usr_buyer", "", pagination.Normalize(1, 10))
	if page.Pagination.Total != 1 {
		t.Errorf("buyer should see only their own negotiation, got %d", page.Pagination.Total)
	}

	page, _ = env.svc.List(ctx, "usr_stranger", "", pagination.Normalize(1, 10))
	if page.Negotiations == nil || len(page.Negotiations) != 0 {
		t.Errorf("expected empty non-nil page, got %+v", page.Negotiations)
	}

	if _, err := env.svc.List(ctx, "usr_vendor", "pending", pagination.Normalize(1, 10)); err == nil {
		t.Error("expected validation error for unknown status")
	}
}

func TestCountForProducts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, "usr_buyer", 45, 10)
	env.open(t, "usr_buyer_hi", 44, 5)
	if _, err := env.svc.Complete(ctx, a.ID, "usr_vendor"); err != nil {
		t.Fatal(err)
	}

	ids := []string{env.product.ID}
	if n, _ := env.store.CountForProducts(ctx, ids, "", testNow.Add(-time.Hour)); n != 2 {
		t.Errorf("all: expected 2, got %d", n)
	}
	if n, _ := env.store.CountForProducts(ctx, ids, "completed", testNow.Add(-time.Hour)); n != 1 {
		t.Errorf("completed: expected 1, got %d", n)
	}
	if n, _ := env.store.CountForProducts(ctx, ids, "", testNow.Add(time.Hour)); n != 0 {
		t.Errorf("since future: expected 0, got %d", n)
	}
	if n, _ := env.store.CountForProducts(ctx, nil, "", time.Time{}); n != 0 {
		t.Errorf("no products: expected 0, got %d", n)
	}
}

// The store satisfies the price-discovery counter.
var _ pricing.NegotiationCounter = (*MemoryStore)(nil)

// racingStore simulates another instance committing first: its Update
// reports a version conflict a fixed number of times.
type racingStore struct {
	*MemoryStore
	conflicts int
	updates   int
}

func (r *racingStore) Update(ctx context.Context, n *Negotiation, appended []Message) error {
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		return ErrVersionConflict
	}
	return r.MemoryStore.Update(ctx, n, appended)
}

func TestMutate_RetriesVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	n := env.open(t, "usr_buyer", 45, 10)
	ctx := context.Background()

	racing := &racingStore{MemoryStore: env.store, conflicts: 2}
	svc := NewService(racing, env.products, env.users, nil).WithClock(func() time.Time { return testNow })

	res, err := svc.PostMessage(ctx, n.ID, "usr_vendor", MessageRequest{Message: "48?", OfferPrice: ptr(48), OfferQuantity: ptr(10)})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if racing.updates != 3 {
		t.Errorf("expected 3 update attempts, got %d", racing.updates)
	}
	if res.CurrentOffer.Price != 48 {
		t.Errorf("expected offer 48, got %v", res.CurrentOffer.Price)
	}
	stored, _ := env.store.Get(ctx, n.ID)
	if stored.MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", stored.MessageCount)
	}

	racing.conflicts = 10
	racing.updates = 0
	if _, err := svc.Cancel(ctx, n.ID, "usr_buyer"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict after exhausting retries, got %v", err)
	}
	if racing.updates != conflictRetries {
		t.Errorf("expected %d attempts, got %d", conflictRetries, racing.updates)
	}
}
