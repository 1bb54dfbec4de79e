package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/lox/pmsync/internal/httputil"
	"github.com/lox/pmsync/internal/metrics"
	"github.com/lox/pmsync/internal/models"
)

// DefaultEndpoint is the AirKorea real-time measurement endpoint for a single station.
const DefaultEndpoint = "http://apis.data.go.kr/B552584/ArpltnInforInqireSvc/getMsrstnAcctoRltmMesureDnsty"

const maxBodyBytes = 8 << 20

type AirKoreaOptions struct {
	Endpoint string
	Timeout  time.Duration
	// RequestsPerSecond caps outbound calls across all units. Zero means unlimited.
	RequestsPerSecond float64
	Client            *http.Client
}

type AirKorea struct {
	apiKey   string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewAirKorea(apiKey string, opts AirKoreaOptions) *AirKorea {
	a := &AirKorea{
		apiKey:   apiKey,
		endpoint: opts.Endpoint,
		client:   opts.Client,
	}
	if a.endpoint == "" {
		a.endpoint = DefaultEndpoint
	}
	if a.client == nil {
		a.client = httputil.NewClient(opts.Timeout)
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return a
}

func (a *AirKorea) requestURL(stationName string) string {
	q := url.Values{}
	q.Set("serviceKey", a.apiKey)
	q.Set("returnType", "json")
	q.Set("numOfRows", "1000")
	q.Set("pageNo", "1")
	q.Set("stationName", stationName)
	q.Set("dataTerm", "DAILY")
	q.Set("ver", "1.0")
	return a.endpoint + "?" + q.Encode()
}

// Fetch retrieves the latest measurements for one station. Every failure is
// returned as a *FetchError.
func (a *AirKorea) Fetch(ctx context.Context, target models.Target) (*RawReading, error) {
	station := target.ExternalName
	start := time.Now()
	raw, err := a.fetch(ctx, station)

	status := "ok"
	var fe *FetchError
	if errors.As(err, &fe) {
		status = fe.Kind.String()
	}
	metrics.AirKoreaCallsTotal.WithLabelValues(station, status).Inc()
	metrics.AirKoreaLatency.WithLabelValues(station).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (a *AirKorea) fetch(ctx context.Context, station string) (*RawReading, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindTransport, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.requestURL(station), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &FetchError{
			Kind:       KindNonSuccessStatus,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       string(b),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindBodyRead, Err: err}
	}

	var raw RawReading
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &FetchError{Kind: KindMalformedJSON, Err: err, Body: string(body)}
	}

	if msg, ok := raw.ResultMessage(); ok && msg != NormalCode {
		return nil, &FetchError{Kind: KindUpstreamReported, Message: msg}
	}

	return &raw, nil
}

// statusText renders "200 OK" style status lines for diagnostics.
func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return strconv.Itoa(code)
}
