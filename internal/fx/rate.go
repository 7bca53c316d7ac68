// Package fx supplies exchange rates to the wallet engine and the trade service.
package fx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Rate is the price of one unit of Base in Target.
type Rate struct {
	Base      string          `json:"base"`
	Target    string          `json:"target"`
	Rate      decimal.Decimal `json:"rate"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// RateProvider resolves a currency pair to a Rate. A pair it cannot price yields an
// error wrapping domain.ErrRateUnavailable; any other error is a provider failure.
type RateProvider interface {
	GetRate(ctx context.Context, base, target string) (*Rate, error)
}

// StaticProvider serves rates from a fixed table.
type StaticProvider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{rates: make(map[string]decimal.Decimal)}
}

func (p *StaticProvider) Set(base, target string, rate decimal.Decimal) {
	p.mu.Lock()
	p.rates[base+":"+target] = rate
	p.mu.Unlock()
}

func (p *StaticProvider) GetRate(ctx context.Context, base, target string) (*Rate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	rate, ok := p.rates[base+":"+target]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrRateUnavailable, base, target)
	}
	return &Rate{Base: base, Target: target, Rate: rate, Timestamp: time.Now().UTC(), Source: "static"}, nil
}
