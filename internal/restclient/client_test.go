package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
	"kats-core/internal/ratelimit"
)

func newTestServer(t *testing.T, rtCd string, msgCd string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			w.Write([]byte(`{"access_token":"tok-123","expires_in":3600}`))
		case "/uapi/hashkey":
			w.Write([]byte(`{"HASH":"hash-abc"}`))
		default:
			w.Write([]byte(`{"rt_cd":"` + rtCd + `","msg_cd":"` + msgCd + `","msg1":"test","output":{}}`))
		}
	}))
}

func TestRequestSuccess(t *testing.T) {
	srv := newTestServer(t, "0", "")
	defer srv.Close()

	limiter := ratelimit.New(5, 100, clock.Real{})
	c := New(Config{BaseURL: srv.URL, Creds: Credentials{AppKey: "k", AppSecret: "s"}}, limiter, zerolog.Nop())

	env, err := c.GetPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "0", env.RtCd)
}

func TestRequestNonRetryableBusinessError(t *testing.T) {
	srv := newTestServer(t, "1", "APBK0013")
	defer srv.Close()

	limiter := ratelimit.New(5, 100, clock.Real{})
	c := New(Config{BaseURL: srv.URL, Creds: Credentials{AppKey: "k", AppSecret: "s"}}, limiter, zerolog.Nop())

	_, err := c.GetPrice(context.Background(), "005930")
	require.Error(t, err)
}

func TestOrderTrIDModeDependent(t *testing.T) {
	assert.Equal(t, "TTTC0802U", orderTrID("LIVE", "buy"))
	assert.Equal(t, "VTTC0802U", orderTrID("PAPER", "buy"))
}
