package dialogue

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/policy"
)

type Intent string

const (
	IntentShopping    Intent = "shopping"
	IntentOrderStatus Intent = "order_status"
	IntentOrderAction Intent = "order_action"
	IntentSupport     Intent = "support"
	IntentGeneral     Intent = "general"
)

// NeedsOrderAccess reports whether the intent touches the caller's orders.
func (i Intent) NeedsOrderAccess() bool {
	return i == IntentOrderStatus || i == IntentOrderAction
}

var (
	supportKeywords = []string{
		"refund", "return policy", "returns", "shipping", "delivery time", "warranty",
		"complaint", "problem", "broken", "damaged", "defective", "not working",
		"help me", "support", "agent", "human", "manager", "payment failed",
		"charged twice", "exchange", "size guide", "sizing",
	}
	shoppingKeywords = []string{
		"buy", "looking for", "recommend", "suggest", "show me", "i need", "i want",
		"shopping", "price", "cheap", "budget", "under $", "gift", "best", "compare",
		"in stock", "available", "new arrivals", "deal", "sale", "options",
	}
	followUpKeywords = []string{
		"cheaper", "more like", "another", "other options", "what about", "any other",
		"similar", "more expensive", "something else", "in blue", "in black", "bigger", "smaller",
	}
)

// ClassifyIntent picks the handling path for msg. previous is the session's
// last intent and only decides short follow-ups that carry no signal of their own.
func ClassifyIntent(msg string, previous Intent) Intent {
	in := strings.ToLower(strings.TrimSpace(msg))
	switch policy.DecideAccess(in).Level {
	case policy.AccessOrderAction:
		return IntentOrderAction
	case policy.AccessAccount:
		return IntentOrderStatus
	}
	if containsAny(in, supportKeywords) {
		return IntentSupport
	}
	if containsAny(in, shoppingKeywords) || pricePattern.MatchString(in) {
		return IntentShopping
	}
	if previous == IntentShopping && containsAny(in, followUpKeywords) {
		return IntentShopping
	}
	if orderIDPattern.MatchString(in) {
		return IntentOrderStatus
	}
	return IntentGeneral
}

func containsAny(in string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(in, t) {
			return true
		}
	}
	return false
}

// ShoppingDetails are the constraints a shopper stated in one message.
type ShoppingDetails struct {
	CategoryID string   `json:"category_id,omitempty"`
	MinPrice   float64  `json:"min_price,omitempty"`
	MaxPrice   float64  `json:"max_price,omitempty"`
	Terms      []string `json:"terms,omitempty"`
}

func (d ShoppingDetails) Preferences() catalog.Preferences {
	var p catalog.Preferences
	if d.MaxPrice > 0 || d.MinPrice > 0 {
		p.PriceRange = &catalog.PriceRange{Min: d.MinPrice, Max: d.MaxPrice}
	}
	if d.CategoryID != "" {
		p.FavoriteCategories = []string{d.CategoryID}
	}
	return p
}

// Matches reports whether p satisfies every stated constraint.
func (d ShoppingDetails) Matches(p catalog.Product) bool {
	if d.CategoryID != "" && p.CategoryID != d.CategoryID {
		return false
	}
	if d.MaxPrice > 0 && p.Price > d.MaxPrice {
		return false
	}
	return p.Price >= d.MinPrice
}

var (
	pricePattern   = regexp.MustCompile(`\$\s?\d+|\d+\s?(?:dollars|usd|bucks)`)
	betweenPattern = regexp.MustCompile(`between\s+\$?\s?(\d+(?:\.\d+)?)\s+(?:and|to|-)\s+\$?\s?(\d+(?:\.\d+)?)`)
	maxPattern     = regexp.MustCompile(`(?:under|below|less than|cheaper than|max(?:imum)?|up to|no more than|within)\s+\$?\s?(\d+(?:\.\d+)?)`)
	minPattern     = regexp.MustCompile(`(?:over|above|more than|at least|from)\s+\$?\s?(\d+(?:\.\d+)?)`)
	orderIDPattern = regexp.MustCompile(`(?i)\b(o-\d+)\b`)
	wordPattern    = regexp.MustCompile(`[a-z][a-z'-]+`)
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "some": {}, "any": {}, "that": {},
	"this": {}, "you": {}, "have": {}, "can": {}, "please": {}, "want": {}, "need": {},
	"looking": {}, "show": {}, "me": {}, "under": {}, "below": {}, "over": {}, "above": {},
	"between": {}, "dollars": {}, "buy": {}, "something": {}, "what": {}, "about": {},
	"recommend": {}, "suggest": {}, "are": {}, "there": {}, "good": {}, "best": {},
	"less": {}, "than": {}, "more": {}, "cheap": {}, "budget": {}, "from": {},
}

// ExtractShoppingDetails parses price bounds, a category and search terms.
func ExtractShoppingDetails(msg string, categories []catalog.Category) ShoppingDetails {
	in := strings.ToLower(msg)
	var d ShoppingDetails

	if m := betweenPattern.FindStringSubmatch(in); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			lo, hi = hi, lo
		}
		d.MinPrice, d.MaxPrice = lo, hi
	} else {
		if m := maxPattern.FindStringSubmatch(in); m != nil {
			d.MaxPrice, _ = strconv.ParseFloat(m[1], 64)
		}
		if m := minPattern.FindStringSubmatch(in); m != nil {
			d.MinPrice, _ = strconv.ParseFloat(m[1], 64)
		}
		if d.MaxPrice > 0 && d.MinPrice > d.MaxPrice {
			d.MinPrice = 0
		}
	}

	words := wordPattern.FindAllString(in, -1)
	d.CategoryID = matchCategory(words, categories)
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		d.Terms = append(d.Terms, w)
	}
	return d
}

// matchCategory returns the category whose name, slug or description shares
// the most words with the message. Ties keep catalog order.
func matchCategory(words []string, categories []catalog.Category) string {
	if len(words) == 0 {
		return ""
	}
	msgStems := make(map[string]struct{}, len(words))
	for _, w := range words {
		msgStems[stem(w)] = struct{}{}
	}

	best, bestHits := "", 0
	for _, c := range categories {
		hits := 0
		text := strings.ToLower(c.Name + " " + c.Slug + " " + c.Description)
		counted := make(map[string]struct{})
		for _, w := range wordPattern.FindAllString(text, -1) {
			if len(w) < 4 {
				continue
			}
			s := stem(w)
			if _, ok := msgStems[s]; !ok {
				continue
			}
			if _, dup := counted[s]; dup {
				continue
			}
			counted[s] = struct{}{}
			hits++
		}
		if hits > bestHits {
			best, bestHits = c.ID, hits
		}
	}
	return best
}

func stem(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "es") && (strings.HasSuffix(w, "shes") || strings.HasSuffix(w, "ches")):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

// OrderIDFrom returns an order id mentioned in msg, or "".
func OrderIDFrom(msg string) string {
	if m := orderIDPattern.FindStringSubmatch(msg); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}
