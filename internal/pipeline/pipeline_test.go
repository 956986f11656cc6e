package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"giftradar/internal/alert"
	"giftradar/internal/dedup"
	"giftradar/internal/listing"
	"giftradar/internal/tonapi"
)

const (
	marketAddr = "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"
	assetAddr  = "0:1111111111111111111111111111111111111111111111111111111111111111"
)

type fakeAPI struct {
	events map[string]string // hash -> event JSON
	err    error
}

func (f *fakeAPI) Event(ctx context.Context, hash string) (*tonapi.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.events[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	var ev tonapi.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type fakeEnricher struct {
	meta  listing.Listing // fields merged into every listing
	fail  bool
	sales []decimal.Decimal
}

func (f *fakeEnricher) Enrich(ctx context.Context, l listing.Listing) listing.Listing {
	if f.fail {
		return l
	}
	return l.Merge(f.meta)
}

func (f *fakeEnricher) RecentSales(ctx context.Context, model string) []decimal.Decimal {
	return f.sales
}

type fakePrefs struct {
	mu      sync.Mutex
	filters *listing.Filters
	err     error
	seen    []string
}

func (f *fakePrefs) Filters(ctx context.Context) (*listing.Filters, error) {
	return f.filters, f.err
}

func (f *fakePrefs) ReportSeenModel(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, model)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	captions []string
	err      error
}

func (f *fakeDispatcher) SendListingAlert(ctx context.Context, caption, imageURL, buyURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.captions)
}

const eventJSON = `{"event_id": "ev1", "actions": [{
    "type": "NftItemTransfer",
    "recipient": {"address": "` + marketAddr + `"},
    "nft": "` + assetAddr + `",
    "price": 5000000000
}]}`

func newTestPipeline(api *fakeAPI, enr *fakeEnricher, prefs *fakePrefs, send *fakeDispatcher) *Pipeline {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	markets := listing.NewMarkets([]string{marketAddr}, map[string]string{marketAddr: "Getgems"})
	return New(api, dedup.New(10*time.Minute, 100), enr, prefs, send,
		&alert.Formatter{}, markets, "", logger)
}

func TestQualifyingListingDispatched(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	prefs := &fakePrefs{filters: &listing.Filters{
		Tab:    listing.TabListing,
		MinTon: decimal.Zero,
		MaxTon: decimal.NewFromInt(10),
	}}
	enr := &fakeEnricher{meta: listing.Listing{Model: "Plush Pepe", Serial: "42"}}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, enr, prefs, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 1 {
		t.Fatalf("dispatches got %d want 1", send.count())
	}
	if !strings.Contains(send.captions[0], "Plush Pepe") {
		t.Fatalf("caption: %s", send.captions[0])
	}
	if len(prefs.seen) != 1 || prefs.seen[0] != "Plush Pepe" {
		t.Fatalf("seen-model reports: %v", prefs.seen)
	}
	if got := p.Stats().Alerted; got != 1 {
		t.Fatalf("alerted counter got %d", got)
	}
}

func TestDuplicateTraceDroppedAtGate(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	prefs := &fakePrefs{}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, &fakeEnricher{}, prefs, send)
	ctx := context.Background()
	p.HandleTrace(ctx, tonapi.TraceEvent{Hash: "h1"})
	p.HandleTrace(ctx, tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 1 {
		t.Fatalf("dispatches got %d want 1", send.count())
	}
	if got := p.Stats().Deduped; got != 1 {
		t.Fatalf("deduped counter got %d", got)
	}
}

func TestEventFetchFailureIsSilentDrop(t *testing.T) {
	api := &fakeAPI{err: errors.New("503")}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, &fakeEnricher{}, &fakePrefs{}, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 0 {
		t.Fatal("dispatched despite fetch failure")
	}
	if got := p.Stats().Dropped; got != 1 {
		t.Fatalf("dropped counter got %d", got)
	}
}

func TestEnrichmentFailureStillMatchesOnPrice(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	prefs := &fakePrefs{filters: &listing.Filters{
		Tab:    listing.TabListing,
		MinTon: decimal.Zero,
		MaxTon: decimal.NewFromInt(10),
	}}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, &fakeEnricher{fail: true}, prefs, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 1 {
		t.Fatalf("dispatches got %d want 1", send.count())
	}
	if strings.Contains(send.captions[0], "Model:") {
		t.Fatalf("model line should be omitted: %s", send.captions[0])
	}
}

func TestFiltersFailOpenOnFetchError(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	prefs := &fakePrefs{err: errors.New("backend down")}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, &fakeEnricher{}, prefs, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 1 {
		t.Fatal("fetch error must fail open")
	}
}

func TestNonMatchingFiltersSuppress(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	prefs := &fakePrefs{filters: &listing.Filters{
		Tab:    listing.TabListing,
		MinTon: decimal.NewFromInt(6), // listing is 5 TON
		MaxTon: decimal.NewFromInt(10),
	}}
	send := &fakeDispatcher{}

	p := newTestPipeline(api, &fakeEnricher{}, prefs, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 0 {
		t.Fatal("out-of-range listing dispatched")
	}
}

func TestCollectionFilterDiscards(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	send := &fakeDispatcher{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	markets := listing.NewMarkets([]string{marketAddr}, nil)

	enr := &fakeEnricher{meta: listing.Listing{CollectionID: "0:aaaa"}}
	p := New(api, dedup.New(10*time.Minute, 100), enr, &fakePrefs{}, send,
		&alert.Formatter{}, markets, "0:bbbb", logger)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if send.count() != 0 {
		t.Fatal("wrong collection dispatched")
	}
}

func TestDispatchFailureDoesNotPanic(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	send := &fakeDispatcher{err: errors.New("telegram down")}

	p := newTestPipeline(api, &fakeEnricher{}, &fakePrefs{}, send)
	p.HandleTrace(context.Background(), tonapi.TraceEvent{Hash: "h1"})

	if got := p.Stats().Alerted; got != 0 {
		t.Fatalf("alerted counter got %d want 0", got)
	}
}

func TestRunConsumesMockStream(t *testing.T) {
	api := &fakeAPI{events: map[string]string{"h1": eventJSON}}
	send := &fakeDispatcher{}
	p := newTestPipeline(api, &fakeEnricher{}, &fakePrefs{}, send)

	mock := tonapi.NewMockStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, mock.Traces())
	mock.SendTrace(tonapi.TraceEvent{Hash: "h1"})

	deadline := time.After(2 * time.Second)
	for send.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no dispatch from streamed trace")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
