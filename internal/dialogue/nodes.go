package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/policy"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/session"
)

const (
	maxQueryChars     = 500
	followUpWordLimit = 5
	// knowledgeBoost scales similarity when a retrieved product is also recommended.
	knowledgeBoost = 0.25
)

func (o *Orchestrator) extractQuery(_ context.Context, t *Turn) error {
	msg := strings.Join(strings.Fields(t.Message), " ")
	if msg == "" {
		return apperr.Validation("empty message")
	}
	t.Message = msg
	query := msg
	// Short follow-ups carry little meaning alone.
	if len(strings.Fields(msg)) <= followUpWordLimit {
		if prev := previousUserMessage(t.History); prev != "" {
			query = prev + " " + msg
		}
	}
	if r := []rune(query); len(r) > maxQueryChars {
		query = string(r[len(r)-maxQueryChars:])
	}
	t.Query = query
	return nil
}

func previousUserMessage(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func (o *Orchestrator) classifyIntent(_ context.Context, t *Turn) error {
	t.Access = policy.DecideAccess(t.Message)
	t.Intent = ClassifyIntent(t.Message, t.PreviousIntent)
	return nil
}

func (o *Orchestrator) categories(ctx context.Context, t *Turn) ([]catalog.Category, error) {
	if t.allCategories != nil || o.deps.Catalog == nil {
		return t.allCategories, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.CatalogTimeout)
	defer cancel()
	cats, err := o.deps.Catalog.ListCategories(ctx)
	if err != nil {
		o.opts.Metrics.ObserveExternalError("catalog")
		return nil, apperr.External("catalog", err)
	}
	t.allCategories = cats
	return cats, nil
}

func (o *Orchestrator) extractShoppingDetails(ctx context.Context, t *Turn) error {
	cats, err := o.categories(ctx, t)
	t.Details = ExtractShoppingDetails(t.Message, cats)
	t.Learned = t.Details.Preferences()
	return err
}

// extractPreferences records stated constraints on non-shopping turns
// without steering the reply.
func (o *Orchestrator) extractPreferences(ctx context.Context, t *Turn) error {
	cats, err := o.categories(ctx, t)
	d := ExtractShoppingDetails(t.Message, cats)
	t.Learned = d.Preferences()
	return err
}

func (o *Orchestrator) verifyVoiceSecurity(_ context.Context, t *Turn) error {
	switch {
	case t.Access.Blocked:
		t.AuthRequired = false
	case t.UserID == "":
		t.AuthRequired = true
	case t.Intent == IntentOrderAction && !t.VoiceAuthenticated:
		t.AuthRequired = true
	default:
		t.AuthRequired = false
	}
	return nil
}

func (o *Orchestrator) handleOrderActions(ctx context.Context, t *Turn) error {
	if t.Access.Blocked {
		t.Order = &OrderOutcome{Action: "blocked", Detail: t.Access.Reason}
		return nil
	}
	if o.deps.Catalog == nil {
		return errors.New("catalog not configured")
	}
	lctx, cancel := context.WithTimeout(ctx, o.opts.CatalogTimeout)
	orders, err := o.deps.Catalog.ListOrdersByUser(lctx, t.UserID)
	cancel()
	if err != nil {
		o.opts.Metrics.ObserveExternalError("catalog")
		return apperr.External("catalog", err)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })

	wanted := OrderIDFrom(t.Message)
	if t.Intent == IntentOrderStatus {
		t.Order = orderStatus(orders, wanted)
		return nil
	}
	return o.orderAction(ctx, t, orders, wanted)
}

func orderStatus(orders []catalog.Order, wanted string) *OrderOutcome {
	out := &OrderOutcome{Action: "status", OrderID: wanted}
	if len(orders) == 0 {
		out.Detail = "I couldn't find any orders on your account."
		return out
	}
	if wanted != "" {
		for _, o := range orders {
			if o.ID == wanted {
				out.Orders = []catalog.Order{o}
				out.Detail = describeOrder(o)
				return out
			}
		}
		out.Detail = fmt.Sprintf("I couldn't find order %s on your account.", wanted)
		return out
	}
	n := min(len(orders), 3)
	out.Orders = orders[:n]
	lines := make([]string, 0, n)
	for _, o := range orders[:n] {
		lines = append(lines, describeOrder(o))
	}
	out.Detail = strings.Join(lines, " ")
	return out
}

func describeOrder(o catalog.Order) string {
	return fmt.Sprintf("Order %s (%s) is %s.", o.ID, formatPrice(o.Total), o.Status)
}

func (o *Orchestrator) orderAction(ctx context.Context, t *Turn, orders []catalog.Order, wanted string) error {
	in := strings.ToLower(t.Message)
	if !strings.Contains(in, "cancel") {
		t.Order = &OrderOutcome{
			Action:  "manual",
			OrderID: wanted,
			Detail:  "Address changes and returns are handled by our support team; I've noted your request and an agent will confirm the change.",
		}
		return nil
	}

	target := wanted
	if target == "" {
		for _, ord := range orders {
			if ord.Cancellable() {
				target = ord.ID
				break
			}
		}
	}
	if target == "" {
		t.Order = &OrderOutcome{Action: "cancel", Detail: "None of your orders can be cancelled any more; shipped orders can be returned after delivery."}
		return nil
	}
	if o.deps.Orders == nil {
		return errors.New("order actions not configured")
	}

	cctx, cancel := context.WithTimeout(ctx, o.opts.CatalogTimeout)
	defer cancel()
	order, err := o.deps.Orders.CancelOrder(cctx, t.UserID, target)
	switch {
	case err == nil:
		t.Order = &OrderOutcome{Action: "cancel", OrderID: order.ID, Orders: []catalog.Order{order}, Performed: true,
			Detail: fmt.Sprintf("Order %s has been cancelled. Your refund of %s is on its way.", order.ID, formatPrice(order.Total))}
	case errors.Is(err, apperr.ErrNotFound):
		t.Order = &OrderOutcome{Action: "cancel", OrderID: target, Detail: fmt.Sprintf("I couldn't find order %s on your account.", target)}
	case errors.Is(err, apperr.ErrValidation):
		t.Order = &OrderOutcome{Action: "cancel", OrderID: target, Detail: fmt.Sprintf("Order %s can no longer be cancelled.", target)}
	default:
		o.opts.Metrics.ObserveExternalError("order_actions")
		return apperr.External("order_actions", err)
	}
	return nil
}

func (o *Orchestrator) retrieveContext(ctx context.Context, t *Turn) error {
	t.Knowledge = nil
	if o.deps.Knowledge == nil || t.AuthRequired {
		return nil
	}
	var filter knowledge.Filter
	limit := 3
	switch t.Intent {
	case IntentShopping:
		limit = 6
	case IntentSupport, IntentOrderStatus, IntentOrderAction:
		filter = knowledge.Filter{knowledge.MetaSourceType: knowledge.SourceFAQ}
	}
	results, err := o.deps.Knowledge.SearchSimilar(ctx, t.Query, limit, filter)
	if err != nil {
		return err
	}
	t.Knowledge = results
	return nil
}

func (o *Orchestrator) enrichUserContext(ctx context.Context, t *Turn) error {
	t.Preferences = t.SessionPrefs.Merge(t.Learned)
	var errs []error

	if t.UserID != "" && o.deps.Recommender != nil && t.Intent == IntentShopping {
		derived, err := o.deps.Recommender.GetUserPreferences(ctx, t.UserID)
		if err != nil {
			errs = append(errs, err)
		} else {
			// Stated preferences outrank what order history implies.
			t.Preferences = derived.Merge(t.SessionPrefs).Merge(t.Learned)
		}
	}

	if t.UserID != "" && o.deps.Carts != nil && (t.Intent == IntentShopping || t.Intent == IntentGeneral) {
		cctx, cancel := context.WithTimeout(ctx, o.opts.CatalogTimeout)
		cart, err := o.deps.Carts.CartPreview(cctx, t.UserID)
		cancel()
		switch {
		case err == nil && len(cart.Items) > 0:
			t.Cart = &cart
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			errs = append(errs, apperr.External("cart", err))
		}
	}

	if t.Intent == IntentShopping || t.Intent == IntentGeneral {
		cats, err := o.categories(ctx, t)
		if err != nil {
			errs = append(errs, err)
		}
		t.Categories = relevantCategories(cats, t.Details.CategoryID)
	}
	return errors.Join(errs...)
}

func relevantCategories(cats []catalog.Category, categoryID string) []catalog.Category {
	if categoryID == "" {
		return cats
	}
	for _, c := range cats {
		if c.ID == categoryID {
			return []catalog.Category{c}
		}
	}
	return cats
}

// getRecommendations blends engine scores with retrieval similarity and
// applies the shopper's stated constraints.
func (o *Orchestrator) getRecommendations(ctx context.Context, t *Turn) error {
	t.Recommendations = nil
	if t.Intent != IntentShopping || o.deps.Recommender == nil {
		return nil
	}
	limit := o.opts.MaxRecommended

	candidates, err := o.deps.Recommender.RecommendForPreferences(ctx, t.Preferences, 50)
	if err != nil {
		return err
	}
	similarity := make(map[string]float64)
	for _, r := range t.Knowledge {
		if r.Metadata[knowledge.MetaSourceType] == knowledge.SourceProduct {
			if id := r.Metadata[knowledge.MetaSourceID]; id != "" {
				similarity[id] = max(similarity[id], r.Score)
			}
		}
	}

	blended := make([]recommend.Scored, 0, len(candidates))
	for _, c := range candidates {
		if !t.Details.Matches(c.Product) {
			continue
		}
		c.Score = roundScore(c.Score + knowledgeBoost*similarity[c.ID])
		blended = append(blended, c)
	}
	sort.SliceStable(blended, func(i, j int) bool {
		if blended[i].Score != blended[j].Score {
			return blended[i].Score > blended[j].Score
		}
		if blended[i].Price != blended[j].Price {
			return blended[i].Price < blended[j].Price
		}
		return blended[i].ID < blended[j].ID
	})

	if len(blended) == 0 && t.Details.MaxPrice > 0 {
		budget, err := o.deps.Recommender.GetBudgetProducts(ctx, t.Details.MaxPrice, limit)
		if err != nil {
			return err
		}
		blended = budget
	}
	if len(blended) > limit {
		blended = blended[:limit]
	}
	t.Recommendations = blended
	return nil
}

func roundScore(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

var systemPrompts = map[Intent]string{
	IntentShopping: "You are a friendly shop assistant. Recommend only the listed products, mention prices, and keep it under four sentences.",
	IntentSupport:  "You are a calm customer support agent. Answer from the provided policy passages; if they do not cover the question, say a human agent can help.",
	IntentGeneral:  "You are a helpful shop assistant. Answer briefly and offer to help find products.",
}

func (o *Orchestrator) generateResponse(ctx context.Context, t *Turn) error {
	switch {
	case t.Access.Blocked:
		t.Response, t.RuleBased = "I'm sorry, I can't share other customers' information or payment secrets.", true
		return nil
	case t.AuthRequired:
		t.Response, t.RuleBased = authPrompt(t), true
		return nil
	case t.Intent.NeedsOrderAccess():
		t.Response, t.RuleBased = composeResponse(t), true
		return nil
	}

	prompt := llm.Prompt{
		SessionID: t.SessionID,
		Intent:    string(t.Intent),
		System:    systemPrompts[t.Intent],
		Input:     t.Message,
	}
	for _, m := range t.History {
		prompt.History = append(prompt.History, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	for _, k := range t.Knowledge {
		if k.Metadata[knowledge.MetaSourceType] != knowledge.SourceProduct {
			prompt.Knowledge = append(prompt.Knowledge, k.Text)
		}
	}
	for _, r := range t.Recommendations {
		prompt.Products = append(prompt.Products, productLine(r))
	}

	gctx, cancel := context.WithTimeout(ctx, o.opts.LLMTimeout)
	defer cancel()
	resp, err := o.deps.LLM.Generate(gctx, prompt, nil)
	if err != nil {
		o.opts.Metrics.ObserveExternalError("llm")
		return apperr.External("llm", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return apperr.External("llm", errors.New("empty completion"))
	}
	t.Response = strings.TrimSpace(resp.Text)
	return nil
}

func authPrompt(t *Turn) string {
	if t.UserID == "" {
		return "Please sign in to your account so I can look up your orders."
	}
	return "For your security, please verify your identity with voice authentication before I make changes to your order."
}

func productLine(r recommend.Scored) string {
	return fmt.Sprintf("%s (%s)", r.Name, formatPrice(r.Price))
}

func formatPrice(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

// composeResponse builds a reply from whatever the turn gathered, without a
// language model.
func composeResponse(t *Turn) string {
	switch {
	case t.Access.Blocked:
		return "I'm sorry, I can't share other customers' information or payment secrets."
	case t.AuthRequired:
		return authPrompt(t)
	case t.Order != nil:
		return t.Order.Detail
	}

	var parts []string
	if len(t.Recommendations) > 0 {
		lines := make([]string, 0, len(t.Recommendations))
		for _, r := range t.Recommendations {
			lines = append(lines, productLine(r))
		}
		parts = append(parts, "Here are some picks for you: "+strings.Join(lines, ", ")+".")
	}
	for _, k := range t.Knowledge {
		if k.Metadata[knowledge.MetaSourceType] == knowledge.SourceFAQ {
			parts = append(parts, strings.TrimSpace(k.Text))
			break
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if t.Intent == IntentShopping {
		return "I couldn't find products matching that right now. Could you tell me a bit more about what you're looking for?"
	}
	return "I'm sorry, I'm having trouble answering that right now. Could you rephrase, or ask me about products, orders or our policies?"
}

func (o *Orchestrator) generateSuggestions(_ context.Context, t *Turn) error {
	var out []string
	switch {
	case t.AuthRequired:
		out = []string{"How do I verify my identity?", "What can you help me with?"}
	case t.Intent == IntentShopping:
		if len(t.Recommendations) > 0 {
			out = append(out, fmt.Sprintf("Show me more like %s", t.Recommendations[0].Name))
			cheapest := t.Recommendations[0].Price
			for _, r := range t.Recommendations {
				cheapest = min(cheapest, r.Price)
			}
			if cheapest > 20 {
				out = append(out, fmt.Sprintf("Anything under $%d?", int(cheapest)))
			}
		}
		if t.Cart != nil {
			out = append(out, "What's in my cart?")
		}
		out = append(out, "What's trending right now?")
	case t.Intent == IntentOrderStatus:
		out = []string{"When will my order arrive?", "Can I cancel my order?", "What is your return policy?"}
	case t.Intent == IntentOrderAction:
		out = []string{"Where is my order?", "How long do refunds take?"}
	default:
		out = DefaultSuggestions(t.Intent)
	}
	t.Suggestions = dedupe(out, 4)
	return nil
}

// DefaultSuggestions are follow-ups offered when nothing better is known.
func DefaultSuggestions(intent Intent) []string {
	switch intent {
	case IntentSupport:
		return []string{"What is your return policy?", "How long does shipping take?", "Can I talk to a human agent?"}
	case IntentShopping:
		return []string{"What's trending right now?", "Show me gifts under $50"}
	default:
		return []string{"What's trending right now?", "Where is my order?", "What is your return policy?"}
	}
}

func dedupe(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
