package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultAPIURL = "https://api.exchangerate-api.com/v4/latest"
	httpSource    = "exchange-rate-api"
)

// HTTPProvider reads rates from an exchangerate-api compatible endpoint:
// GET {baseURL}/{BASE} returning {"base": "...", "rates": {"USD": 0.0012, ...}}.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type latestResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *HTTPProvider) GetRate(ctx context.Context, base, target string) (*Rate, error) {
	base, target = strings.ToUpper(base), strings.ToUpper(target)

	endpoint := p.baseURL + "/" + url.PathEscape(base)
	if p.apiKey != "" {
		endpoint += "?api_key=" + url.QueryEscape(p.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fx request build failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fx request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: unknown base %s", domain.ErrRateUnavailable, base)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fx provider returned %d", resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fx response decode failed: %w", err)
	}

	rate, ok := body.Rates[target]
	if !ok || !rate.IsPositive() {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrRateUnavailable, base, target)
	}
	return &Rate{
		Base:      base,
		Target:    target,
		Rate:      rate,
		Timestamp: time.Now().UTC(),
		Source:    httpSource,
	}, nil
}
