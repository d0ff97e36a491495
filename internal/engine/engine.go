// Package engine wires every trading-core component into one supervised
// process: market data ingestion, the risk pipeline, order management,
// and crash-safe state persistence. It replaces the teacher's per-market
// slot orchestration with a single always-on session against one broker
// account and one tradeable universe.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/internal/config"
	"kats-core/internal/drawdown"
	"kats-core/internal/gradealloc"
	"kats-core/internal/killswitch"
	"kats-core/internal/margin"
	"kats-core/internal/markethub"
	"kats-core/internal/ordermanager"
	"kats-core/internal/orderstate"
	"kats-core/internal/ordertracker"
	"kats-core/internal/paperengine"
	"kats-core/internal/poslock"
	"kats-core/internal/pyramid"
	"kats-core/internal/ratelimit"
	"kats-core/internal/restclient"
	"kats-core/internal/riskmanager"
	"kats-core/internal/risksizer"
	"kats-core/internal/store"
	"kats-core/internal/vimonitor"
	"kats-core/internal/wsclient"
	"kats-core/pkg/types"
)

// Engine is the top-level composition root for one trading session: it
// owns every long-lived component and supervises the WebSocket feed and
// order tracker goroutines.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger
	clock  clock.Clock

	repo      *store.Repository
	snapshots *store.SnapshotStore

	limiter *ratelimit.Limiter
	rest    *restclient.Client
	ws      *wsclient.Client

	cache        *cache.Cache
	vi           *vimonitor.Monitor
	hub          *markethub.Hub
	stateMachine *orderstate.Machine
	paper        *paperengine.Engine
	tracker      *ordertracker.Tracker
	pyramid      *pyramid.Manager
	sizer        *risksizer.Sizer
	allocator    *gradealloc.Allocator
	lock         *poslock.Lock
	kill         *killswitch.KillSwitch
	marginGuard  *margin.Guard
	drawdown     *drawdown.Protocol
	risk         *riskmanager.Manager
	orders       *ordermanager.Manager

	universe   []store.Stock
	universeMu sync.RWMutex

	fillMu      sync.Mutex
	filledSoFar map[string]int64

	lastBalance   decimal.Decimal
	lastBalanceMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles every component in dependency order. It does not start
// any goroutines; call Start for that.
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	c := clock.Real{}

	repo, err := store.Open(cfg.Store.DBURL, c, logger)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repo.InitDefaults(); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	snapshots, err := store.OpenSnapshotStore(cfg.Store.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	tradeMode := types.TradeMode(cfg.TradeMode)

	limiter := ratelimit.NewDefault(c)
	baseURL := cfg.RestBaseURLForMode()
	rest := restclient.New(restclient.Config{
		BaseURL: baseURL,
		Creds: restclient.Credentials{
			AppKey:      cfg.Broker.AppKey,
			AppSecret:   cfg.Broker.AppSecret,
			AccountNo:   cfg.Broker.AccountNo,
			ProductCode: cfg.Broker.ProductCode,
		},
		Mode:   tradeMode,
		DryRun: tradeMode == types.ModePaper,
	}, limiter, logger)

	priceCache := cache.New(c, logger)
	vi := vimonitor.New(priceCache, c, logger)
	hub := markethub.New(priceCache, vi, rest, logger)

	stateMachine := orderstate.New(c, logger)
	paper := paperengine.New(priceCache, c, logger)
	tracker := ordertracker.New(stateMachine, rest, c, logger)
	pyr := pyramid.New(pyramid.DefaultConfig, c, logger)

	sizer := risksizer.New(logger)
	allocator := gradealloc.New(logger)
	lock := poslock.New(logger)
	kill := killswitch.New(c, logger)
	kill.SetDailyLossLimitPct(cfg.Risk.DailyLossLimitPct)
	kill.SetStartingCapital(decimal.NewFromFloat(cfg.Capital.TotalCapital))

	eng := &Engine{
		cfg:          cfg,
		logger:       logger.With().Str("component", "engine").Logger(),
		clock:        c,
		repo:         repo,
		snapshots:    snapshots,
		limiter:      limiter,
		rest:         rest,
		cache:        priceCache,
		vi:           vi,
		hub:          hub,
		stateMachine: stateMachine,
		paper:        paper,
		tracker:      tracker,
		pyramid:      pyr,
		sizer:        sizer,
		allocator:    allocator,
		lock:         lock,
		kill:         kill,
		filledSoFar:  make(map[string]int64),
		lastBalance:  decimal.NewFromFloat(cfg.Capital.TotalCapital),
	}

	kill.SetCallbacks(eng.cancelAllOrders, eng.notifyKillSwitch)

	marginGuard := margin.New(eng.getBalance, c, logger)
	dd := drawdown.New(c, logger)

	risk := riskmanager.New(sizer, allocator, lock, vi, marginGuard, kill, dd, logger)
	orders := ordermanager.New(rest, stateMachine, tracker, paper, risk, pyr, tradeMode, c, logger)

	eng.marginGuard = marginGuard
	eng.drawdown = dd
	eng.risk = risk
	eng.orders = orders

	return eng, nil
}

// Start fetches the realtime-feed approval key, restores crash-safe
// state, subscribes to the tradeable universe, and launches the
// supervised WebSocket feed and order tracker.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(e.ctx)
	e.group = group

	approvalKey, err := e.rest.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch ws approval key: %w", err)
	}
	e.ws = wsclient.New(e.cfg.Broker.WSBaseURL, approvalKey, e.logger)
	e.ws.RegisterHandler(wsclient.TrTrade, e.onExecution)
	e.ws.RegisterHandler(wsclient.TrOrderbook, e.onOrderbook)
	e.ws.RegisterHandler(wsclient.TrVI, e.onVI)
	e.ws.RegisterHandler(wsclient.TrOrderNotice, e.onOrderNotice)

	if err := e.restoreState(); err != nil {
		e.logger.Warn().Err(err).Msg("no prior snapshot to restore")
	}

	universe, err := e.repo.GetActiveStocks()
	if err != nil {
		return fmt.Errorf("load tradeable universe: %w", err)
	}
	e.universeMu.Lock()
	e.universe = universe
	e.universeMu.Unlock()
	e.logger.Info().Int("count", len(universe)).Msg("loaded tradeable universe")
	e.backfillHistoricalData(ctx, universe)

	group.Go(func() error {
		return e.ws.Run(gctx)
	})

	e.tracker.Start(gctx)

	for _, s := range universe {
		if err := e.ws.Subscribe(wsclient.Key{TrID: wsclient.TrTrade, TrKey: s.StockCode}); err != nil {
			e.logger.Warn().Err(err).Str("stock_code", s.StockCode).Msg("subscribe trade failed")
		}
		if err := e.ws.Subscribe(wsclient.Key{TrID: wsclient.TrOrderbook, TrKey: s.StockCode}); err != nil {
			e.logger.Warn().Err(err).Str("stock_code", s.StockCode).Msg("subscribe orderbook failed")
		}
		if err := e.ws.Subscribe(wsclient.Key{TrID: wsclient.TrVI, TrKey: s.StockCode}); err != nil {
			e.logger.Warn().Err(err).Str("stock_code", s.StockCode).Msg("subscribe VI failed")
		}
	}
	if err := e.ws.Subscribe(wsclient.Key{TrID: wsclient.TrOrderNotice, TrKey: e.cfg.Broker.AccountNo}); err != nil {
		e.logger.Warn().Err(err).Msg("subscribe order notices failed")
	}

	e.logger.Info().Str("trade_mode", string(e.orders.TradeMode())).Msg("engine started")
	return nil
}

// Stop cancels the supervised goroutines, persists a final snapshot, and
// closes every owned resource.
func (e *Engine) Stop() error {
	e.logger.Info().Msg("engine stopping")
	if e.cancel != nil {
		e.cancel()
	}
	e.tracker.Stop()

	var groupErr error
	if e.group != nil {
		groupErr = e.group.Wait()
	}

	if err := e.persistState(); err != nil {
		e.logger.Error().Err(err).Msg("final snapshot failed")
	}

	if err := e.ws.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("ws close failed")
	}
	if err := e.repo.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("repository close failed")
	}

	e.logger.Info().Msg("engine stopped")
	return groupErr
}

// historicalLoadDays covers trend-template indicators needing up to a
// 200-day moving average plus slack for non-trading days.
const historicalLoadDays = 280

// backfillHistoricalData seeds the market data hub's daily candle history
// for every stock in the tradeable universe, so trend/volatility
// indicators are ready before the first realtime tick arrives. Failures
// are logged and skipped rather than failing startup — a stock missing
// history simply stays not-ready until the next session's backfill.
func (e *Engine) backfillHistoricalData(ctx context.Context, universe []store.Stock) {
	end := e.clock.Now()
	start := end.AddDate(0, 0, -historicalLoadDays)
	startDate := start.Format("20060102")
	endDate := end.Format("20060102")

	for _, s := range universe {
		if err := e.hub.LoadHistoricalData(ctx, s.StockCode, startDate, endDate); err != nil {
			e.logger.Warn().Err(err).Str("stock_code", s.StockCode).Msg("historical backfill failed")
		}
	}
}

func (e *Engine) restoreState() error {
	orders, positions, err := e.snapshots.Load()
	if err != nil {
		return err
	}
	e.orders.RestoreState(orders, positions)
	return nil
}

func (e *Engine) persistState() error {
	orders, positions := e.orders.SnapshotState()
	return e.snapshots.Save(orders, positions)
}

// cancelAllOrders is the kill switch's emergency broker callback.
func (e *Engine) cancelAllOrders() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results := e.orders.CancelAllPending(ctx)
	e.logger.Warn().Int("cancelled", len(results)).Msg("kill switch cancelled all pending orders")
	return nil
}

// notifyKillSwitch is the kill switch's operator-notification callback.
func (e *Engine) notifyKillSwitch(reason string) error {
	e.logger.Error().Str("reason", reason).Msg("kill switch tripped")
	return nil
}

// balanceOutput covers the subset of the inquire-balance response this
// engine needs; the endpoint's full output also carries the per-stock
// holdings array, which the order manager reconstructs from its own
// state rather than trusting the broker's snapshot.
type balanceOutput struct {
	TotEvluAmt string `json:"tot_evlu_amt"`
}

// getBalance is the margin guard's broker-balance callback. On any
// broker/parse failure it falls back to the last known good balance
// rather than blocking the risk pipeline on a transient API hiccup.
func (e *Engine) getBalance(ctx context.Context) (decimal.Decimal, error) {
	env, err := e.rest.GetBalance(ctx)
	if err != nil {
		return e.cachedBalance(), nil
	}

	var out balanceOutput
	if uErr := unmarshalOutput(env.Output, &out); uErr != nil || out.TotEvluAmt == "" {
		return e.cachedBalance(), nil
	}

	balance, pErr := decimal.NewFromString(out.TotEvluAmt)
	if pErr != nil {
		return e.cachedBalance(), nil
	}

	e.lastBalanceMu.Lock()
	e.lastBalance = balance
	e.lastBalanceMu.Unlock()
	return balance, nil
}

func (e *Engine) cachedBalance() decimal.Decimal {
	e.lastBalanceMu.Lock()
	defer e.lastBalanceMu.Unlock()
	return e.lastBalance
}

// Universe returns a snapshot of the currently loaded tradeable universe.
func (e *Engine) Universe() []store.Stock {
	e.universeMu.RLock()
	defer e.universeMu.RUnlock()
	out := make([]store.Stock, len(e.universe))
	copy(out, e.universe)
	return out
}

// OpenPositions exposes the order manager's live position book.
func (e *Engine) OpenPositions() []types.Position {
	return e.orders.GetOpenPositions()
}

func unmarshalOutput(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty output")
	}
	return json.Unmarshal(raw, v)
}
