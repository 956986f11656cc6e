// Package alert renders enriched listings into Telegram MarkdownV2 captions
// and routing metadata. Everything here is pure: same listing in, same
// caption and buy URL out.
package alert

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"giftradar/internal/listing"
)

// MarkdownV2 reserved characters. Free text interpolated into a caption must
// escape every one of these; URLs inside link parens escape a smaller set.
const mdReserved = "_*[]()~`>#+-=|{}.!\\"

const urlReserved = ")\\"

// EscapeMarkdown escapes every MarkdownV2-reserved character in s.
func EscapeMarkdown(s string) string {
	return escape(s, mdReserved)
}

// EscapeURL escapes the characters that break a MarkdownV2 inline-link URL.
func EscapeURL(s string) string {
	return escape(s, urlReserved)
}

func escape(s, reserved string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Recognized marketplaces, matched as case-insensitive substrings of the
// display label. Formatting of the label does not matter; "Getgems 💎"
// and "getgems" map to the same template.
var buyTemplates = []struct {
	match string
	tmpl  string
}{
	{"getgems", "https://getgems.io/nft/%s"},
	{"fragment", "https://fragment.com/nft/%s"},
	{"portals", "https://t.me/portals/market?startapp=gift_%s"},
	{"tonnel", "https://t.me/tonnel_network_bot/gift?startapp=%s"},
	{"mrkt", "https://t.me/mrkt/app?startapp=%s"},
}

// Unrecognized markets link to the generic chain explorer.
const explorerTemplate = "https://tonviewer.com/%s"

// BuyURL maps a market display label and asset id to the marketplace buy
// page. Pure: identical inputs always yield identical URLs.
func BuyURL(marketLabel, assetID string) string {
	lower := strings.ToLower(marketLabel)
	for _, e := range buyTemplates {
		if strings.Contains(lower, e.match) {
			return fmt.Sprintf(e.tmpl, assetID)
		}
	}
	return fmt.Sprintf(explorerTemplate, assetID)
}

// Formatter builds alert captions. Floor prices are static and
// environment-configured; the low-budget threshold, when set, tags cheap
// listings in the caption.
type Formatter struct {
	FloorPrices  map[string]decimal.Decimal // lowercased model -> floor in TON
	LowBudgetMax decimal.Decimal
	HasLowBudget bool
	BuyTemplate  string // optional override; %s is the asset id
}

// BuyURL applies the configured template override, falling back to the
// market mapping.
func (f *Formatter) BuyURL(marketLabel, assetID string) string {
	if f.BuyTemplate != "" {
		return fmt.Sprintf(f.BuyTemplate, assetID)
	}
	return BuyURL(marketLabel, assetID)
}

// Caption renders the alert body. Title is model+serial when known, the raw
// asset id otherwise, linked to the buy URL. Lines for fields the listing
// does not carry are omitted rather than rendered empty.
func (f *Formatter) Caption(l listing.Listing, sales []decimal.Decimal) string {
	var b strings.Builder

	b.WriteString("🎁 *New listing\\!*\n\n")

	title := l.AssetID
	if l.Model != "" {
		title = l.Model
		if l.Serial != "" {
			title += " #" + l.Serial
		}
	}
	fmt.Fprintf(&b, "[%s](%s)\n", EscapeMarkdown(title), EscapeURL(f.BuyURL(l.MarketLabel, l.AssetID)))
	fmt.Fprintf(&b, "Market: %s\n", EscapeMarkdown(l.MarketLabel))

	if l.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", EscapeMarkdown(l.Model))
	}
	if l.Background != "" {
		fmt.Fprintf(&b, "Backdrop: %s\n", EscapeMarkdown(l.Background))
	}
	if l.Model != "" {
		if floor, ok := f.FloorPrices[strings.ToLower(l.Model)]; ok {
			fmt.Fprintf(&b, "Floor: %s\n", escapedTon(floor))
		}
	}
	if len(sales) > 0 {
		parts := make([]string, 0, len(sales))
		for _, s := range sales {
			parts = append(parts, EscapeMarkdown(s.String()))
		}
		fmt.Fprintf(&b, "Recent sales: %s TON\n", strings.Join(parts, ", "))
	}

	if l.HasPrice {
		fmt.Fprintf(&b, "\nPrice: %s", escapedTon(l.Price))
		if f.HasLowBudget && l.Price.Cmp(f.LowBudgetMax) <= 0 {
			b.WriteString("\n💸 *Budget pick*")
		}
	} else {
		b.WriteString("\nPrice: unknown")
	}

	return b.String()
}

func escapedTon(d decimal.Decimal) string {
	return EscapeMarkdown(d.String()) + " TON"
}
