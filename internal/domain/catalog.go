package domain

// Rarity is the tier of a marketplace item
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Price band relative to an item's base price
const (
	MinPriceFactor = 0.5
	MaxPriceFactor = 2.0
)

// Effects are multiplicative bonuses granted while an item is equipped.
// A zero value means the item has no effect on that stat.
type Effects struct {
	ClickMultiplier      float64 `json:"clickMultiplier,omitempty"`
	ProductionMultiplier float64 `json:"productionMultiplier,omitempty"`
}

// Item is an entry in the static marketplace catalog
type Item struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Rarity      Rarity  `json:"rarity"`
	Description string  `json:"description"`
	BasePrice   float64 `json:"basePrice"`
	Effects     Effects `json:"effects"`
}

// MinPrice is the lowest price the item may be listed for
func (i Item) MinPrice() float64 {
	return i.BasePrice * MinPriceFactor
}

// MaxPrice is the highest price the item may be listed for
func (i Item) MaxPrice() float64 {
	return i.BasePrice * MaxPriceFactor
}

// PriceAllowed reports whether price falls inside the item's band
func (i Item) PriceAllowed(price float64) bool {
	return price > 0 && price >= i.MinPrice() && price <= i.MaxPrice()
}

var catalog = []Item{
	{ID: "item1", Name: "Digital Coin", Rarity: RarityCommon, BasePrice: 1000,
		Description: "A basic digital collectible that boosts click power",
		Effects:     Effects{ClickMultiplier: 1.1}},
	{ID: "item2", Name: "Virtual Gem", Rarity: RarityRare, BasePrice: 10000,
		Description: "A rare virtual gemstone that enhances production",
		Effects:     Effects{ProductionMultiplier: 1.15}},
	{ID: "item3", Name: "Cyber Artifact", Rarity: RarityEpic, BasePrice: 100000,
		Description: "An epic cyber artifact that boosts both click and production",
		Effects:     Effects{ClickMultiplier: 1.2, ProductionMultiplier: 1.2}},
	{ID: "item4", Name: "Quantum Token", Rarity: RarityLegendary, BasePrice: 1000000,
		Description: "A legendary quantum token with massive click power boost",
		Effects:     Effects{ClickMultiplier: 1.5}},
	{ID: "item5", Name: "Reality Fragment", Rarity: RarityLegendary, BasePrice: 10000000,
		Description: "A fragment of reality itself - massive production boost",
		Effects:     Effects{ProductionMultiplier: 1.75}},
	{ID: "item6", Name: "Cosmic Relic", Rarity: RarityEpic, BasePrice: 500000,
		Description: "A relic from the cosmos - powerful production enhancer",
		Effects:     Effects{ProductionMultiplier: 1.35}},
	{ID: "item7", Name: "Neural Interface", Rarity: RarityRare, BasePrice: 50000,
		Description: "A rare neural interface chip - balanced boost",
		Effects:     Effects{ClickMultiplier: 1.12, ProductionMultiplier: 1.12}},
	{ID: "item8", Name: "Data Crystal", Rarity: RarityCommon, BasePrice: 5000,
		Description: "A common data storage crystal - small production boost",
		Effects:     Effects{ProductionMultiplier: 1.08}},
}

// Catalog returns a copy of the marketplace catalog
func Catalog() []Item {
	out := make([]Item, len(catalog))
	copy(out, catalog)
	return out
}

// LookupItem finds a catalog item by ID
func LookupItem(id string) (Item, bool) {
	for _, item := range catalog {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// ValidateListing checks an item ID and price against the catalog
func ValidateListing(itemID string, price float64) error {
	item, ok := LookupItem(itemID)
	if !ok {
		return ErrUnknownItem
	}
	if !item.PriceAllowed(price) {
		return ErrInvalidPrice
	}
	return nil
}
