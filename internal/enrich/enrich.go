// Package enrich fills in listing fields that the event action does not
// carry, through two independent TTL caches: per-asset metadata and
// per-model recent-sale samples.
package enrich

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"giftradar/internal/listing"
	"giftradar/internal/payload"
	"giftradar/internal/tonapi"
)

// At most this many sale samples are collected per alert, to bound latency
// and outbound call volume.
const maxSaleSamples = 3

// One activity-history page per market per scan.
const activityPageLimit = 20

// Purchase-class action types, matched as case-insensitive substrings.
var purchaseWords = []string{"purchase", "sale", "buy"}

// Lookup is the slice of the indexer client the enricher needs.
type Lookup interface {
	NFTItem(ctx context.Context, id string) (map[string]any, error)
	AccountEvents(ctx context.Context, account string, limit int) ([]tonapi.Event, error)
}

// Metadata is what a successful asset lookup resolves to. An empty Model on
// a cached entry means the metadata genuinely carries no model trait.
type Metadata struct {
	Model        string
	Background   string
	Serial       string
	CollectionID string
	ImageURL     string
}

type metaEntry struct {
	fetchedAt time.Time
	meta      Metadata
}

type salesEntry struct {
	fetchedAt time.Time
	prices    []decimal.Decimal
}

type Enricher struct {
	api      Lookup
	markets  *listing.Markets
	log      *slog.Logger
	metaTTL  time.Duration
	salesTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	meta  map[string]metaEntry  // asset id -> entry
	sales map[string]salesEntry // lowercased model -> entry
}

func New(api Lookup, markets *listing.Markets, metaTTL, salesTTL time.Duration, logger *slog.Logger) *Enricher {
	return &Enricher{
		api:      api,
		markets:  markets,
		log:      logger,
		metaTTL:  metaTTL,
		salesTTL: salesTTL,
		now:      time.Now,
		meta:     make(map[string]metaEntry),
		sales:    make(map[string]salesEntry),
	}
}

// Metadata resolves asset metadata through the cache. Transient fetch
// failures are returned as errors and intentionally not cached; only a
// successful lookup that resolves to "no model" is cached negatively.
func (e *Enricher) Metadata(ctx context.Context, assetID string) (Metadata, error) {
	now := e.now()
	e.mu.Lock()
	if ent, ok := e.meta[assetID]; ok && now.Sub(ent.fetchedAt) <= e.metaTTL {
		e.mu.Unlock()
		return ent.meta, nil
	}
	e.mu.Unlock()

	item, err := e.api.NFTItem(ctx, assetID)
	if err != nil {
		return Metadata{}, err
	}
	md := parseMetadata(item)

	e.mu.Lock()
	e.meta[assetID] = metaEntry{fetchedAt: now, meta: md}
	e.mu.Unlock()
	return md, nil
}

// Enrich merges resolved metadata into a listing. A failed lookup degrades
// to the fields recoverable from the action itself; that single listing
// loses its model lines, nothing else.
func (e *Enricher) Enrich(ctx context.Context, l listing.Listing) listing.Listing {
	md, err := e.Metadata(ctx, l.AssetID)
	if err != nil {
		e.log.Debug("metadata lookup failed",
			slog.String("asset", l.AssetID),
			slog.String("err", err.Error()))
		return l
	}
	return l.Merge(listing.Listing{
		Model:        md.Model,
		Background:   md.Background,
		Serial:       md.Serial,
		CollectionID: md.CollectionID,
		ImageURL:     md.ImageURL,
	})
}

// RecentSales returns up to maxSaleSamples recent sale prices for a model,
// through the per-model TTL cache. Markets are scanned in configured order;
// the scan stops early once the sample cap is reached.
func (e *Enricher) RecentSales(ctx context.Context, model string) []decimal.Decimal {
	key := strings.ToLower(model)
	now := e.now()

	e.mu.Lock()
	if ent, ok := e.sales[key]; ok && now.Sub(ent.fetchedAt) <= e.salesTTL {
		e.mu.Unlock()
		return ent.prices
	}
	e.mu.Unlock()

	prices, fetched := e.scanSales(ctx, model)

	// A scan where every activity lookup failed says nothing about the
	// model; caching it would pin an empty sample list for the full TTL.
	if fetched {
		e.mu.Lock()
		e.sales[key] = salesEntry{fetchedAt: now, prices: prices}
		e.mu.Unlock()
	}
	return prices
}

// scanSales reports whether at least one market's activity was actually
// fetched; an empty market list counts as fetched.
func (e *Enricher) scanSales(ctx context.Context, model string) ([]decimal.Decimal, bool) {
	prices := make([]decimal.Decimal, 0, maxSaleSamples)
	fetched := len(e.markets.Accounts()) == 0
	for _, acct := range e.markets.Accounts() {
		events, err := e.api.AccountEvents(ctx, acct, activityPageLimit)
		if err != nil {
			e.log.Debug("activity lookup failed",
				slog.String("account", acct),
				slog.String("err", err.Error()))
			continue
		}
		fetched = true
		for _, ev := range events {
			for _, act := range ev.Actions {
				if !isPurchase(act.Type) {
					continue
				}
				asset, ok := payload.FindAddress(act.Raw, "nft", "nft_item", "nft_address", "item")
				if !ok {
					continue
				}
				md, err := e.Metadata(ctx, asset)
				if err != nil || !strings.EqualFold(md.Model, model) {
					continue
				}
				price, ok := payload.FindAmount(act.Raw, "price", "amount", "full_price")
				if !ok {
					continue
				}
				prices = append(prices, price)
				if len(prices) >= maxSaleSamples {
					return prices, true
				}
			}
		}
	}
	return prices, fetched
}

func isPurchase(actionType string) bool {
	lower := strings.ToLower(actionType)
	for _, w := range purchaseWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// CacheSizes reports current entry counts, for the status endpoint.
func (e *Enricher) CacheSizes() (meta, sales int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.meta), len(e.sales)
}

// parseMetadata extracts the fields we alert on from a metadata tree.
// Traits arrive as {"trait_type": ..., "value": ...} objects; each pair is
// read from its own object, so a non-string value (a numeric serial, say)
// skips that trait without shifting the ones after it.
func parseMetadata(item map[string]any) Metadata {
	var md Metadata

	for _, p := range traitPairs(item) {
		switch strings.ToLower(p[0]) {
		case "model":
			if md.Model == "" {
				md.Model = p[1]
			}
		case "backdrop", "background":
			if md.Background == "" {
				md.Background = p[1]
			}
		}
	}
	if md.Model == "" {
		md.Model, _ = payload.FindString(item, "model")
	}

	md.Serial, _ = payload.FindString(item, "serial", "number")
	if md.Serial == "" {
		// Gift names usually end in "#<serial>".
		if name, ok := payload.FindString(item, "name"); ok {
			if i := strings.LastIndexByte(name, '#'); i >= 0 && i+1 < len(name) {
				md.Serial = strings.TrimSpace(name[i+1:])
			}
		}
	}

	md.CollectionID, _ = payload.FindAddress(item, "collection", "collection_address")

	if img, ok := payload.FindString(item, "image", "image_url", "preview"); ok {
		md.ImageURL = NormalizeImageURL(img)
	}
	return md
}

// traitPairs walks the tree for objects carrying both a string "trait_type"
// and a string "value", pairing them in walk order. Maps descend in sorted
// key order, slices in natural order.
func traitPairs(v any) [][2]string {
	var out [][2]string
	var walk func(any)
	walk = func(n any) {
		switch t := n.(type) {
		case map[string]any:
			tt, okType := t["trait_type"].(string)
			val, okVal := t["value"].(string)
			if okType && okVal {
				out = append(out, [2]string{tt, val})
			}
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, el := range t {
				walk(el)
			}
		}
	}
	walk(v)
	return out
}

// NormalizeImageURL rewrites content-addressed URIs to an HTTP gateway so
// the messaging channel can fetch them.
func NormalizeImageURL(s string) string {
	if rest, ok := strings.CutPrefix(s, "ipfs://"); ok {
		return "https://ipfs.io/ipfs/" + rest
	}
	return s
}
