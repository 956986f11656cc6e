// Package pipeline wires the stages together: dedup gate, event fetch,
// extraction, enrichment, preference filter, format, dispatch.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"giftradar/internal/alert"
	"giftradar/internal/dedup"
	"giftradar/internal/listing"
	"giftradar/internal/tonapi"
)

// EventAPI is the slice of the indexer client the pipeline needs.
type EventAPI interface {
	Event(ctx context.Context, hash string) (*tonapi.Event, error)
}

type Enricher interface {
	Enrich(ctx context.Context, l listing.Listing) listing.Listing
	RecentSales(ctx context.Context, model string) []decimal.Decimal
}

type PrefStore interface {
	Filters(ctx context.Context) (*listing.Filters, error)
	ReportSeenModel(model string)
}

type Dispatcher interface {
	SendListingAlert(ctx context.Context, caption, imageURL, buyURL string) error
}

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	Processed int64 `json:"processed"`
	Deduped   int64 `json:"deduped"`
	Alerted   int64 `json:"alerted"`
	Dropped   int64 `json:"dropped"`
}

type Pipeline struct {
	api     EventAPI
	dedup   *dedup.Cache
	enrich  Enricher
	prefs   PrefStore
	send    Dispatcher
	format  *alert.Formatter
	markets *listing.Markets
	log     *slog.Logger

	// Optional: when set, only listings from this collection alert.
	collectionFilter string

	processed atomic.Int64
	deduped   atomic.Int64
	alerted   atomic.Int64
	dropped   atomic.Int64
}

func New(api EventAPI, dd *dedup.Cache, enricher Enricher, prefs PrefStore, send Dispatcher,
	format *alert.Formatter, markets *listing.Markets, collectionFilter string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		api:              api,
		dedup:            dd,
		enrich:           enricher,
		prefs:            prefs,
		send:             send,
		format:           format,
		markets:          markets,
		collectionFilter: collectionFilter,
		log:              logger,
	}
}

// Run consumes trace notifications until the channel closes or the context
// is cancelled. Each trace is handled on its own goroutine: distinct events
// may be in flight concurrently with no ordering guarantees between them,
// while listings inside one event stay sequential.
func (p *Pipeline) Run(ctx context.Context, traces <-chan tonapi.TraceEvent) {
	for {
		select {
		case tr, ok := <-traces:
			if !ok {
				return
			}
			go p.HandleTrace(ctx, tr)
		case <-ctx.Done():
			return
		}
	}
}

// HandleTrace processes one inbound trace notification end to end.
func (p *Pipeline) HandleTrace(ctx context.Context, tr tonapi.TraceEvent) {
	if p.dedup.MarkAndCheck(tr.Hash) {
		p.deduped.Add(1)
		return
	}
	p.processed.Add(1)

	ev, err := p.api.Event(ctx, tr.Hash)
	if err != nil {
		// A missed alert, not a fatal error.
		p.log.Debug("event fetch failed",
			slog.String("hash", tr.Hash),
			slog.String("err", err.Error()))
		p.dropped.Add(1)
		return
	}

	for _, act := range ev.Actions {
		cand, ok := listing.FromAction(act.Type, act.Raw, p.markets)
		if !ok {
			continue
		}
		p.handleListing(ctx, cand)
	}
}

func (p *Pipeline) handleListing(ctx context.Context, cand listing.Listing) {
	l := p.enrich.Enrich(ctx, cand)

	if p.collectionFilter != "" && !strings.EqualFold(l.CollectionID, p.collectionFilter) {
		p.dropped.Add(1)
		return
	}

	p.prefs.ReportSeenModel(l.Model)

	filters, err := p.prefs.Filters(ctx)
	if err != nil {
		// Fail open: a broken preference store must not silence alerts.
		p.log.Warn("filters fetch failed, alerting unfiltered", slog.String("err", err.Error()))
		filters = nil
	}
	if !listing.Matches(l, filters) {
		return
	}

	var sales []decimal.Decimal
	if l.Model != "" {
		sales = p.enrich.RecentSales(ctx, l.Model)
	}

	caption := p.format.Caption(l, sales)
	buyURL := p.format.BuyURL(l.MarketLabel, l.AssetID)
	if err := p.send.SendListingAlert(ctx, caption, l.ImageURL, buyURL); err != nil {
		p.log.Error("alert dispatch failed",
			slog.String("asset", l.AssetID),
			slog.String("err", err.Error()))
		return
	}
	p.alerted.Add(1)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Snapshot {
	return Snapshot{
		Processed: p.processed.Load(),
		Deduped:   p.deduped.Load(),
		Alerted:   p.alerted.Load(),
		Dropped:   p.dropped.Load(),
	}
}
