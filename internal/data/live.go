package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

const (
	feedPingInterval = 50 * time.Second
	feedReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	feedWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	livePollTimeout  = 10 * time.Second
)

// LiveProvider caches the latest market values from a websocket price/funding
// feed and a REST poller for lending indices and staking rates. Snapshot(t)
// assembles a snapshot from the cache; the feed and poller goroutines keep
// the cache current between ticks.
type LiveProvider struct {
	feed   *Feed
	poller *Poller
	log    *runlog.Logger

	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	fundings  map[string]decimal.Decimal
	supplies  map[string]decimal.Decimal
	borrows   map[string]decimal.Decimal
	stakings  map[string]decimal.Decimal
	updatedAt time.Time
}

// NewLiveProvider wires a feed and poller into a shared cache. Either may be
// nil when the run does not need that data class (e.g. a pure-lending mode
// with no perp feed).
func NewLiveProvider(feed *Feed, poller *Poller, log *runlog.Logger) *LiveProvider {
	p := &LiveProvider{
		feed:     feed,
		poller:   poller,
		log:      log,
		prices:   map[string]decimal.Decimal{},
		fundings: map[string]decimal.Decimal{},
		supplies: map[string]decimal.Decimal{},
		borrows:  map[string]decimal.Decimal{},
		stakings: map[string]decimal.Decimal{},
	}
	if feed != nil {
		feed.onPrice = p.setPrice
		feed.onFunding = p.setFunding
	}
	if poller != nil {
		poller.apply = p.applyPoll
	}
	return p
}

// Run starts the feed and poller until ctx is cancelled.
func (p *LiveProvider) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if p.feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.feed.Run(ctx); err != nil && ctx.Err() == nil {
				p.log.Err(err).Msg("market feed stopped")
			}
		}()
	}
	if p.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poller.Run(ctx)
		}()
	}
	wg.Wait()
}

// Snapshot builds a snapshot from the current cache. t is the engine tick
// time; cached values are assumed current as of t.
func (p *LiveProvider) Snapshot(ctx context.Context, t time.Time) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.prices) == 0 {
		return nil, types.Codedf(types.CodeDataMissingField,
			"live cache empty at %s (feed not yet warm)", t.Format(time.RFC3339))
	}
	return &Snapshot{
		Timestamp:     t,
		Prices:        cloneDecimalMap(p.prices),
		FundingRates:  cloneDecimalMap(p.fundings),
		SupplyIndices: cloneDecimalMap(p.supplies),
		BorrowIndices: cloneDecimalMap(p.borrows),
		StakingRates:  cloneDecimalMap(p.stakings),
	}, nil
}

func (p *LiveProvider) setPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *LiveProvider) setFunding(key string, rate decimal.Decimal) {
	p.mu.Lock()
	p.fundings[key] = rate
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *LiveProvider) applyPoll(res PollResult) {
	p.mu.Lock()
	for k, v := range res.SupplyIndices {
		p.supplies[k] = v
	}
	for k, v := range res.BorrowIndices {
		p.borrows[k] = v
	}
	for k, v := range res.StakingRates {
		p.stakings[k] = v
	}
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
}

func cloneDecimalMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Websocket feed
// ————————————————————————————————————————————————————————————————————————

// Feed is the live mark-price/funding websocket. It reconnects with
// exponential backoff (1s → 30s cap) and re-subscribes on reconnect.
type Feed struct {
	url     string
	symbols []string
	log     *runlog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	onPrice   func(symbol string, price decimal.Decimal)
	onFunding func(key string, rate decimal.Decimal)
}

// NewFeed builds a feed subscribing the given perp/spot symbols.
func NewFeed(url string, symbols []string, log *runlog.Logger) *Feed {
	return &Feed{url: url, symbols: symbols, log: log}
}

// Run connects and maintains the connection until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	sub := struct {
		Op      string   `json:"op"`
		Symbols []string `json:"symbols"`
	}{Op: "subscribe", Symbols: f.symbols}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info().Strs("symbols", f.symbols).Msg("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) dispatch(data []byte) {
	// peek at the event type to route
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.log.Debug().Str("data", string(data)).Msg("ignoring non-json feed message")
		return
	}

	switch envelope.Event {
	case "mark_price":
		var evt struct {
			Symbol string          `json:"symbol"`
			Price  decimal.Decimal `json:"price"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			f.log.Warn().Err(err).Msg("unmarshal mark_price")
			return
		}
		if f.onPrice != nil {
			f.onPrice(evt.Symbol, evt.Price)
		}
	case "funding_rate":
		var evt struct {
			Venue  string          `json:"venue"`
			Symbol string          `json:"symbol"`
			Rate   decimal.Decimal `json:"rate"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			f.log.Warn().Err(err).Msg("unmarshal funding_rate")
			return
		}
		if f.onFunding != nil {
			f.onFunding(FundingKey(evt.Venue, evt.Symbol), evt.Rate)
		}
	default:
		f.log.Debug().Str("event", envelope.Event).Msg("ignoring feed event")
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					f.log.Warn().Err(err).Msg("feed ping failed")
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

// ————————————————————————————————————————————————————————————————————————
// REST poller
// ————————————————————————————————————————————————————————————————————————

// PollResult is one poll of the slow-moving on-chain values.
type PollResult struct {
	SupplyIndices map[string]decimal.Decimal `json:"supply_indices"`
	BorrowIndices map[string]decimal.Decimal `json:"borrow_indices"`
	StakingRates  map[string]decimal.Decimal `json:"staking_rates"`
}

// Poller fetches lending indices and staking rates on a fixed cadence from
// an indexer endpoint. These move slowly (blocks, not ticks), so polling is
// cheaper than a subscription.
type Poller struct {
	http     *resty.Client
	interval time.Duration
	log      *runlog.Logger
	apply    func(PollResult)
}

// NewPoller builds a poller against an indexer base URL.
func NewPoller(baseURL string, interval time.Duration, log *runlog.Logger) *Poller {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(livePollTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Poller{http: client, interval: interval, log: log}
}

// Run polls until ctx is cancelled. The first poll fires immediately so the
// cache warms before the first tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	var result PollResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/indices")
	if err != nil {
		p.log.Warn().Err(err).Msg("index poll failed")
		return
	}
	if resp.StatusCode() != http.StatusOK {
		p.log.Warn().Int("status", resp.StatusCode()).Msg("index poll rejected")
		return
	}
	if p.apply != nil {
		p.apply(result)
	}
}
