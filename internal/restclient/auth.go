package restclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"kats-core/internal/clock"
	"kats-core/internal/errs"
)

// Credentials are the broker API key triplet plus account identifiers
// carried in every request envelope (spec §6).
type Credentials struct {
	AppKey    string
	AppSecret string
	AccountNo string // 8-digit account number
	ProductCode string // 2-digit account product code
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type hashkeyResponse struct {
	Hash string `json:"HASH"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// TokenManager fetches and caches the bearer token used on every request's
// Authorization header, refreshing it shortly before expiry.
type TokenManager struct {
	mu     sync.Mutex
	http   *resty.Client
	creds  Credentials
	clock  clock.Clock
	token  string
	expiry time.Time
}

// NewTokenManager creates a token manager bound to the given HTTP client.
func NewTokenManager(http *resty.Client, creds Credentials, c clock.Clock) *TokenManager {
	if c == nil {
		c = clock.Real{}
	}
	return &TokenManager{http: http, creds: creds, clock: c}
}

// Token returns a valid bearer token, fetching a new one if the cached
// token is missing or within 60s of expiry.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && tm.clock.Now().Before(tm.expiry.Add(-60*time.Second)) {
		return tm.token, nil
	}

	var result tokenResponse
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.creds.AppKey,
			"appsecret":  tm.creds.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", errs.Wrap(errs.TransientNetwork, "token request failed", err)
	}
	if resp.IsError() {
		return "", errs.New(errs.Unauthorized, fmt.Sprintf("token request status %d: %s", resp.StatusCode(), resp.String()))
	}

	tm.token = result.AccessToken
	tm.expiry = tm.clock.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	return tm.token, nil
}

// ApprovalKey exchanges the app key/secret for the realtime-WebSocket
// approval key (KIS `/oauth2/Approval`, spec §4.2/§6). Unlike the bearer
// token this key does not expire on a fixed schedule, so it is fetched
// once at startup rather than cached/refreshed like Token.
func (tm *TokenManager) ApprovalKey(ctx context.Context) (string, error) {
	var result approvalResponse
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.creds.AppKey,
			"secretkey":  tm.creds.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", errs.Wrap(errs.TransientNetwork, "approval key request failed", err)
	}
	if resp.IsError() {
		return "", errs.New(errs.Unauthorized, fmt.Sprintf("approval key request status %d: %s", resp.StatusCode(), resp.String()))
	}
	return result.ApprovalKey, nil
}

// Hashkey asks the broker's auxiliary endpoint to compute the hashkey a
// POST body must carry, per spec §4.2/§6.
func Hashkey(ctx context.Context, http *resty.Client, creds Credentials, body any) (string, error) {
	var result hashkeyResponse
	resp, err := http.R().
		SetContext(ctx).
		SetHeader("appkey", creds.AppKey).
		SetHeader("appsecret", creds.AppSecret).
		SetBody(body).
		SetResult(&result).
		Post("/uapi/hashkey")
	if err != nil {
		return "", errs.Wrap(errs.TransientNetwork, "hashkey request failed", err)
	}
	if resp.IsError() {
		return "", errs.New(errs.Unauthorized, fmt.Sprintf("hashkey request status %d: %s", resp.StatusCode(), resp.String()))
	}
	return result.Hash, nil
}
