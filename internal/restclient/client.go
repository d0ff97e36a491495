// Package restclient implements the authenticated, rate-limited broker
// REST client (spec §4.2/§6): a single request envelope with retry on
// retryable broker error codes, typed wrappers for price/book/candles
// (GET) and order place/cancel/modify/balance (POST).
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"kats-core/internal/errs"
	"kats-core/internal/ratelimit"
	"kats-core/pkg/types"
)

// retryableMsgCodes are broker business codes that mean "rate exceeded,
// try again" rather than a hard business rejection.
var retryableMsgCodes = map[string]bool{
	"EGW00201": true, // 초당 거래건수 초과 (rate exceeded)
	"EGW00202": true,
}

const maxAttempts = 3

// Envelope is the standard broker JSON response envelope.
type Envelope struct {
	RtCd  string          `json:"rt_cd"`
	MsgCd string          `json:"msg_cd"`
	Msg1  string          `json:"msg1"`
	Output json.RawMessage `json:"output"`
}

// Client is the rate-limited, authenticated broker REST client.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	tokens  *TokenManager
	creds   Credentials
	dryRun  bool
	mode    types.TradeMode
	logger  zerolog.Logger
}

// Config configures the REST client's construction.
type Config struct {
	BaseURL string
	Creds   Credentials
	Mode    types.TradeMode
	DryRun  bool
}

// New builds a REST client with a 10s request timeout. Retries are not
// configured on the resty client; Request runs its own retry loop.
func New(cfg Config, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		http:    httpClient,
		limiter: limiter,
		tokens:  NewTokenManager(httpClient, cfg.Creds, nil),
		creds:   cfg.Creds,
		dryRun:  cfg.DryRun,
		mode:    cfg.Mode,
		logger:  logger.With().Str("component", "restclient").Logger(),
	}
}

// ApprovalKey fetches the realtime-WebSocket approval key, for handing
// to wsclient.New at startup.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	return c.tokens.ApprovalKey(ctx)
}

// Request is the single authenticated request entry point (spec §4.2):
// acquires a rate-limit token, builds the standard header envelope,
// attaches a hashkey for POST bodies, retries retryable errors with
// 2^(attempt+1)s backoff up to maxAttempts, and surfaces non-retryable
// broker errors as a typed BrokerBusiness error.
func (c *Client) Request(ctx context.Context, method, path, trID string, body any, params map[string]string) (*Envelope, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt+1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		env, retryable, err := c.doRequest(ctx, method, path, trID, body, params)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("tr_id", trID).Msg("retrying request")
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, method, path, trID string, body any, params map[string]string) (*Envelope, bool, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, false, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, true, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.creds.AppKey).
		SetHeader("appsecret", c.creds.AppSecret).
		SetHeader("tr_id", trID).
		SetHeader("custtype", "P")

	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	isPost := method == http.MethodPost
	if isPost && body != nil {
		hash, err := Hashkey(ctx, c.http, c.creds, body)
		if err != nil {
			return nil, true, err
		}
		req.SetHeader("hashkey", hash)
		req.SetBody(body)
	}

	var resp *resty.Response
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		return nil, false, errs.New(errs.Validation, fmt.Sprintf("unsupported method %s", method))
	}
	if err != nil {
		return nil, true, errs.Wrap(errs.TransientNetwork, "request failed", err)
	}
	if resp.StatusCode() >= 500 {
		return nil, true, errs.New(errs.TransientNetwork, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, false, errs.Wrap(errs.BrokerBusiness, "malformed envelope", err)
	}

	if env.RtCd != "0" {
		if retryableMsgCodes[env.MsgCd] {
			return nil, true, errs.New(errs.BrokerRateLimit, fmt.Sprintf("%s: %s", env.MsgCd, env.Msg1))
		}
		return nil, false, errs.New(errs.BrokerBusiness, fmt.Sprintf("%s: %s", env.MsgCd, env.Msg1))
	}

	return &env, false, nil
}

// ————————————————————————————————————————————————————————————————————
// Typed endpoint wrappers
// ————————————————————————————————————————————————————————————————————

// GetPrice fetches the current price for a stock.
func (c *Client) GetPrice(ctx context.Context, stockCode string) (*Envelope, error) {
	return c.Request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", nil,
		map[string]string{"FID_COND_MRKT_DIV_CODE": "J", "FID_INPUT_ISCD": stockCode})
}

// GetOrderbook fetches the 10-level order book for a stock.
func (c *Client) GetOrderbook(ctx context.Context, stockCode string) (*Envelope, error) {
	return c.Request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", "FHKST01010200", nil,
		map[string]string{"FID_COND_MRKT_DIV_CODE": "J", "FID_INPUT_ISCD": stockCode})
}

// GetDailyCandles fetches daily OHLCV candles for a stock.
func (c *Client) GetDailyCandles(ctx context.Context, stockCode, startDate, endDate string) (*Envelope, error) {
	return c.Request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", "FHKST03010100", nil,
		map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         stockCode,
			"FID_INPUT_DATE_1":       startDate,
			"FID_INPUT_DATE_2":       endDate,
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		})
}

// orderTrID returns the mode-dependent transaction id for an order action.
func orderTrID(mode types.TradeMode, action string) string {
	live := map[string]string{"buy": "TTTC0802U", "sell": "TTTC0801U", "modify": "TTTC0803U", "cancel": "TTTC0803U"}
	paper := map[string]string{"buy": "VTTC0802U", "sell": "VTTC0801U", "modify": "VTTC0803U", "cancel": "VTTC0803U"}
	if mode == types.ModePaper {
		return paper[action]
	}
	return live[action]
}

// PlaceOrder submits a cash buy/sell order.
func (c *Client) PlaceOrder(ctx context.Context, order types.Order) (*Envelope, error) {
	action := "buy"
	if order.Side == types.SELL {
		action = "sell"
	}
	trID := orderTrID(c.mode, action)

	orderType := types.OrderTypeLimit
	if order.Price.IsZero() {
		orderType = types.OrderTypeMarket
	}
	price := order.Price.String()

	body := map[string]string{
		"CANO":         c.creds.AccountNo,
		"ACNT_PRDT_CD": c.creds.ProductCode,
		"PDNO":         order.StockCode,
		"ORD_DVSN":     string(orderType),
		"ORD_QTY":      fmt.Sprintf("%d", order.Quantity),
		"ORD_UNPR":     price,
	}
	return c.Request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", trID, body, nil)
}

// CancelOrder cancels a resting order by broker order number.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderNo string, origOrderQty int64) (*Envelope, error) {
	trID := orderTrID(c.mode, "cancel")
	body := map[string]string{
		"CANO":             c.creds.AccountNo,
		"ACNT_PRDT_CD":     c.creds.ProductCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":        brokerOrderNo,
		"ORD_DVSN":         string(types.OrderTypeLimit),
		"RVSE_CNCL_DVSN_CD": "02", // 02 = cancel
		"ORD_QTY":          fmt.Sprintf("%d", origOrderQty),
		"ORD_UNPR":         "0",
		"QTY_ALL_ORD_YN":   "Y",
	}
	return c.Request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", trID, body, nil)
}

// ModifyOrder amends a resting order's price (0 = market).
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderNo string, qty int64, newPrice string) (*Envelope, error) {
	trID := orderTrID(c.mode, "modify")
	orderType := types.OrderTypeLimit
	if newPrice == "0" {
		orderType = types.OrderTypeMarket
	}
	body := map[string]string{
		"CANO":             c.creds.AccountNo,
		"ACNT_PRDT_CD":     c.creds.ProductCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":        brokerOrderNo,
		"ORD_DVSN":         string(orderType),
		"RVSE_CNCL_DVSN_CD": "01", // 01 = modify
		"ORD_QTY":          fmt.Sprintf("%d", qty),
		"ORD_UNPR":         newPrice,
		"QTY_ALL_ORD_YN":   "Y",
	}
	return c.Request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", trID, body, nil)
}

// GetBalance fetches account balance/holdings.
func (c *Client) GetBalance(ctx context.Context) (*Envelope, error) {
	trID := "TTTC8434R"
	if c.mode == types.ModePaper {
		trID = "VTTC8434R"
	}
	return c.Request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", trID, nil,
		map[string]string{
			"CANO":         c.creds.AccountNo,
			"ACNT_PRDT_CD": c.creds.ProductCode,
			"AFHR_FLPR_YN": "N",
			"OFL_YN":       "",
			"INQR_DVSN":    "02",
			"UNPR_DVSN":    "01",
			"FUND_STTL_ICLD_YN": "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":    "01",
			"CTX_AREA_FK100": "",
			"CTX_AREA_NK100": "",
		})
}

// GetVolumeRank fetches the volume-rank screener endpoint.
func (c *Client) GetVolumeRank(ctx context.Context) (*Envelope, error) {
	return c.Request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/volume-rank", "FHPST01710000", nil,
		map[string]string{"FID_COND_MRKT_DIV_CODE": "J", "FID_COND_SCR_DIV_CODE": "20171"})
}
