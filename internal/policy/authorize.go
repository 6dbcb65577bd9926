package policy

import (
	"regexp"
	"strings"
)

// Access levels for an assistant request.
const (
	AccessPublic      = "public"
	AccessAccount     = "account"
	AccessOrderAction = "order_action"
	AccessBlocked     = "blocked"
)

type AccessDecision struct {
	Level             string
	RequiresIdentity  bool
	RequiresVoiceAuth bool
	Blocked           bool
	Reason            string
}

var (
	blockedRequestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(someone else'?s|another (customer|user)'?s?|other people'?s)\b.*\b(order|address|account|card)s?\b`),
		regexp.MustCompile(`(?i)\b(show|reveal|give|tell)\b.*\b(full )?(card number|cvv|password)\b`),
	}
	orderActionKeywords = []string{
		"cancel my order", "cancel order", "cancel the order", "return my order",
		"change my address", "change the address", "change delivery address",
		"update my order", "modify my order", "refund my order",
	}
	accountKeywords = []string{
		"my order", "order status", "track my", "tracking number", "where is my", "delivery status",
		"my account", "my purchases",
	}
)

// DecideAccess classifies the access a message needs before the assistant acts on it.
func DecideAccess(text string) AccessDecision {
	in := strings.ToLower(strings.TrimSpace(text))
	if in == "" {
		return AccessDecision{Level: AccessPublic}
	}

	for _, re := range blockedRequestPatterns {
		if re.MatchString(in) {
			return AccessDecision{
				Level:   AccessBlocked,
				Blocked: true,
				Reason:  "Request asks for another customer's data or secret payment details.",
			}
		}
	}

	for _, kw := range orderActionKeywords {
		if strings.Contains(in, kw) {
			return AccessDecision{
				Level:             AccessOrderAction,
				RequiresIdentity:  true,
				RequiresVoiceAuth: true,
			}
		}
	}

	for _, kw := range accountKeywords {
		if strings.Contains(in, kw) {
			return AccessDecision{
				Level:            AccessAccount,
				RequiresIdentity: true,
			}
		}
	}

	return AccessDecision{Level: AccessPublic}
}

// LooksLikeOrderAction reports whether text asks to mutate an existing order.
func LooksLikeOrderAction(text string) bool {
	return DecideAccess(text).Level == AccessOrderAction
}

// LooksLikeAccountQuery reports whether text asks about the caller's own orders.
func LooksLikeAccountQuery(text string) bool {
	return DecideAccess(text).Level == AccessAccount
}
