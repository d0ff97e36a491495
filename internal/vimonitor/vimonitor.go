// Package vimonitor implements the per-stock volatility-interruption (VI)
// state machine (spec §4.5): static bounds seeded from previous close,
// trigger/release transitions driven by broker WS events, a cancellable
// cooling timer, and the proximity advisory used to gate order placement.
package vimonitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

const (
	// DefaultCoolingSeconds is the post-release observation window before
	// returning to NORMAL (KRX default).
	DefaultCoolingSeconds = 30 * time.Second
	// DefaultProximityPct is the distance to a static bound that triggers
	// a WARNING advisory.
	DefaultProximityPct = 1.0
)

type bounds struct {
	referencePrice decimal.Decimal
	staticUpper    decimal.Decimal
	staticLower    decimal.Decimal
}

type stockState struct {
	state       types.VIState
	bounds      *bounds
	triggeredAt time.Time
	releasedAt  time.Time
	coolingStop chan struct{}
}

// Proximity is the advisory record returned by CheckProximity.
type Proximity struct {
	AllowOrder bool
	Reason     string
	Warning    string
	VIState    types.VIState
}

// Monitor tracks VI state per stock.
type Monitor struct {
	mu              sync.Mutex
	stocks          map[string]*stockState
	cache           *cache.Cache
	coolingDuration time.Duration
	proximityPct    float64
	clock           clock.Clock
	logger          zerolog.Logger
}

// New creates a VI monitor backed by the shared realtime cache.
func New(c *cache.Cache, ck clock.Clock, logger zerolog.Logger) *Monitor {
	if ck == nil {
		ck = clock.Real{}
	}
	return &Monitor{
		stocks:          make(map[string]*stockState),
		cache:           c,
		coolingDuration: DefaultCoolingSeconds,
		proximityPct:    DefaultProximityPct,
		clock:           ck,
		logger:          logger.With().Str("component", "vimonitor").Logger(),
	}
}

func (m *Monitor) getOrCreate(stockCode string) *stockState {
	s, ok := m.stocks[stockCode]
	if !ok {
		s = &stockState{state: types.VINormal}
		m.stocks[stockCode] = s
	}
	return s
}

// InitializeVIPrices pre-seeds static bounds from previous close; called
// at session open.
func (m *Monitor) InitializeVIPrices(stockCode string, prevClose decimal.Decimal) {
	if prevClose.Sign() <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(stockCode)
	s.bounds = &bounds{
		referencePrice: prevClose,
		staticUpper:    prevClose.Mul(decimal.NewFromFloat(1.10)),
		staticLower:    prevClose.Mul(decimal.NewFromFloat(0.90)),
	}
}

// OnVIData handles a broker VI event: cls "1" triggers a halt, "2"
// releases it into a cancellable cooling period. refPrice<=0 means the
// event carried no boundary update.
func (m *Monitor) OnVIData(stockCode string, cls string, refPrice decimal.Decimal) {
	m.mu.Lock()
	s := m.getOrCreate(stockCode)
	if refPrice.Sign() > 0 {
		s.bounds = &bounds{
			referencePrice: refPrice,
			staticUpper:    refPrice.Mul(decimal.NewFromFloat(1.10)),
			staticLower:    refPrice.Mul(decimal.NewFromFloat(0.90)),
		}
	}

	switch cls {
	case "1":
		s.state = types.VITriggered
		s.triggeredAt = m.clock.Now()
		m.cancelCoolingLocked(s)
		m.mu.Unlock()
		m.logger.Warn().Str("stock_code", stockCode).Msg("VI triggered, trading halted")
		if m.cache != nil {
			m.cache.PutVIStatus(m.statusFor(stockCode))
		}
		return
	case "2":
		s.state = types.VICooling
		s.releasedAt = m.clock.Now()
		m.cancelCoolingLocked(s)
		stop := make(chan struct{})
		s.coolingStop = stop
		m.mu.Unlock()
		m.logger.Info().Str("stock_code", stockCode).Dur("cooling", m.coolingDuration).Msg("VI released, cooling observation started")
		go m.runCoolingTimer(stockCode, stop)
		if m.cache != nil {
			m.cache.PutVIStatus(m.statusFor(stockCode))
		}
		return
	default:
		m.mu.Unlock()
		m.logger.Debug().Str("stock_code", stockCode).Str("vi_cls_code", cls).Msg("VI informational update")
	}
}

func (m *Monitor) cancelCoolingLocked(s *stockState) {
	if s.coolingStop != nil {
		close(s.coolingStop)
		s.coolingStop = nil
	}
}

func (m *Monitor) runCoolingTimer(stockCode string, stop chan struct{}) {
	select {
	case <-stop:
		m.logger.Debug().Str("stock_code", stockCode).Msg("cooling timer cancelled")
		return
	case <-time.After(m.coolingDuration):
	}

	m.mu.Lock()
	s, ok := m.stocks[stockCode]
	if !ok || s.coolingStop != stop {
		m.mu.Unlock()
		return
	}
	s.state = types.VINormal
	s.coolingStop = nil
	m.mu.Unlock()

	m.logger.Info().Str("stock_code", stockCode).Msg("cooling period ended, state is NORMAL")
	if m.cache != nil {
		m.cache.PutVIStatus(m.statusFor(stockCode))
	}
}

// GetState returns the current VI state for a stock (NORMAL if unknown).
func (m *Monitor) GetState(stockCode string) types.VIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stocks[stockCode]
	if !ok {
		return types.VINormal
	}
	return s.state
}

func (m *Monitor) statusFor(stockCode string) types.VIStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(stockCode)
	status := types.VIStatus{StockCode: stockCode, State: s.state}
	if s.bounds != nil {
		status.ReferencePrice = s.bounds.referencePrice
		status.StaticUpper = s.bounds.staticUpper
		status.StaticLower = s.bounds.staticLower
	}
	if !s.triggeredAt.IsZero() {
		t := s.triggeredAt
		status.TriggeredAt = &t
	}
	return status
}

// CheckProximity evaluates whether targetPrice can be safely used for an
// order: hard-blocks during TRIGGERED/COOLING, warns within proximityPct
// of either static bound, otherwise allows.
func (m *Monitor) CheckProximity(stockCode string, targetPrice decimal.Decimal) Proximity {
	m.mu.Lock()
	s := m.getOrCreate(stockCode)
	state := s.state
	b := s.bounds
	releasedAt := s.releasedAt
	m.mu.Unlock()

	if state == types.VITriggered {
		return Proximity{
			AllowOrder: false,
			Reason:     fmt.Sprintf("%s VI triggered -- trading halted", stockCode),
			VIState:    state,
		}
	}

	if state == types.VICooling {
		remaining := m.coolingDuration - m.clock.Now().Sub(releasedAt)
		if remaining < 0 {
			remaining = 0
		}
		return Proximity{
			AllowOrder: false,
			Reason:     fmt.Sprintf("%s VI just released -- %.0fs cooling observation remaining", stockCode, remaining.Seconds()),
			VIState:    state,
		}
	}

	if b != nil && targetPrice.Sign() > 0 {
		if b.staticUpper.Sign() > 0 {
			proximity := targetPrice.Sub(b.staticUpper).Abs().Div(b.staticUpper).Mul(decimal.NewFromInt(100))
			if proximity.LessThan(decimal.NewFromFloat(m.proximityPct)) {
				return Proximity{
					AllowOrder: true,
					Warning:    fmt.Sprintf("target price %s is %s%% from static VI upper (%s) -- proceed with caution", targetPrice.String(), proximity.StringFixed(2), b.staticUpper.String()),
					VIState:    types.VIWarning,
				}
			}
		}
		if b.staticLower.Sign() > 0 {
			proximity := targetPrice.Sub(b.staticLower).Abs().Div(b.staticLower).Mul(decimal.NewFromInt(100))
			if proximity.LessThan(decimal.NewFromFloat(m.proximityPct)) {
				return Proximity{
					AllowOrder: true,
					Warning:    fmt.Sprintf("target price %s is %s%% from static VI lower (%s) -- proceed with caution", targetPrice.String(), proximity.StringFixed(2), b.staticLower.String()),
					VIState:    types.VIWarning,
				}
			}
		}
	}

	return Proximity{AllowOrder: true, VIState: types.VINormal}
}

// IsTradeable reports whether stockCode can currently be traded
// (NORMAL or WARNING).
func (m *Monitor) IsTradeable(stockCode string) bool {
	state := m.GetState(stockCode)
	return state == types.VINormal || state == types.VIWarning
}

// IsVIActive reports whether stockCode is currently untradeable due to a
// volatility interruption (TRIGGERED or COOLING).
func (m *Monitor) IsVIActive(stockCode string) bool {
	return !m.IsTradeable(stockCode)
}

// Shutdown cancels all pending cooling timers.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stocks {
		m.cancelCoolingLocked(s)
	}
}
