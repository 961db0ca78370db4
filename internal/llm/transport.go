package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxCapturedBody = 1 << 20

// exchange records what the transport saw for one call.
type exchange struct {
	status     int
	retryAfter time.Duration
	body       []byte
}

type exchangeKey struct{}

func withExchange(ctx context.Context, ex *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// capturingTransport copies status, Retry-After and body into the exchange stored on the request context.
// go-openai only exposes parsed errors; raw diagnostics come from here.
type capturingTransport struct {
	base http.RoundTripper
}

func (t *capturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	res, err := base.RoundTrip(req)
	if err != nil || res == nil {
		return res, err
	}
	ex, _ := req.Context().Value(exchangeKey{}).(*exchange)
	if ex == nil {
		return res, nil
	}
	ex.status = res.StatusCode
	ex.retryAfter = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())

	data, errRead := io.ReadAll(io.LimitReader(res.Body, maxCapturedBody))
	_ = res.Body.Close()
	if errRead != nil {
		return nil, errRead
	}
	ex.body = data
	res.Body = io.NopCloser(bytes.NewReader(data))
	res.ContentLength = int64(len(data))
	return res, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, errAtoi := strconv.Atoi(value); errAtoi == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, errParse := http.ParseTime(value); errParse == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
