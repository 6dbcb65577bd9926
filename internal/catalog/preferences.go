package catalog

type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Preferences is what the assistant knows about a shopper's taste.
type Preferences struct {
	PriceRange         *PriceRange `json:"price_range,omitempty"`
	FavoriteCategories []string    `json:"favorite_categories,omitempty"`
	PurchaseHistory    []string    `json:"purchase_history,omitempty"`
	ItemSKUs           []string    `json:"item_skus,omitempty"`
}

// Merge returns p with every non-empty field of in taking precedence.
func (p Preferences) Merge(in Preferences) Preferences {
	out := p.Clone()
	if in.PriceRange != nil {
		pr := *in.PriceRange
		out.PriceRange = &pr
	}
	if len(in.FavoriteCategories) > 0 {
		out.FavoriteCategories = append([]string(nil), in.FavoriteCategories...)
	}
	if len(in.PurchaseHistory) > 0 {
		out.PurchaseHistory = append([]string(nil), in.PurchaseHistory...)
	}
	if len(in.ItemSKUs) > 0 {
		out.ItemSKUs = append([]string(nil), in.ItemSKUs...)
	}
	return out
}

func (p Preferences) Clone() Preferences {
	out := Preferences{
		FavoriteCategories: append([]string(nil), p.FavoriteCategories...),
		PurchaseHistory:    append([]string(nil), p.PurchaseHistory...),
		ItemSKUs:           append([]string(nil), p.ItemSKUs...),
	}
	if p.PriceRange != nil {
		pr := *p.PriceRange
		out.PriceRange = &pr
	}
	return out
}

func (p Preferences) IsZero() bool {
	return p.PriceRange == nil && len(p.FavoriteCategories) == 0 &&
		len(p.PurchaseHistory) == 0 && len(p.ItemSKUs) == 0
}
