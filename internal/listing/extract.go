package listing

import (
	"strings"

	"giftradar/internal/payload"
)

// Candidate key priority for the destination of an action. Markets differ:
// transfers carry "recipient", generic actions carry "destination".
var destinationKeys = []string{"destination", "recipient", "to", "new_owner"}

// Candidate keys for the traded NFT's address.
var assetKeys = []string{"nft", "nft_item", "nft_address", "item"}

// Candidate keys for the offer amount.
var amountKeys = []string{"price", "full_price", "amount", "payment"}

// FromAction recovers a candidate listing from one decoded event action.
// An action qualifies only when its type mentions "nft" and its destination
// resolves to one of the watched market accounts. Whatever fields the action
// itself carries are extracted here; the rest come from enrichment.
func FromAction(actionType string, raw map[string]any, markets *Markets) (Listing, bool) {
	if !strings.Contains(strings.ToLower(actionType), "nft") {
		return Listing{}, false
	}
	dest, ok := payload.FindAddress(raw, destinationKeys...)
	if !ok || !markets.Contains(dest) {
		return Listing{}, false
	}
	asset, ok := payload.FindAddress(raw, assetKeys...)
	if !ok {
		return Listing{}, false
	}

	l := Listing{
		AssetID:       asset,
		MarketAccount: dest,
		MarketLabel:   markets.Label(dest),
	}
	if amt, ok := payload.FindAmount(raw, amountKeys...); ok {
		l.Price, l.HasPrice = amt, true
	}
	return l, true
}
