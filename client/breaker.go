package client

import (
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// breakerSet holds one circuit breaker per registry host.
type breakerSet struct {
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

func newBreakerSet(threshold int64) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

// get returns or creates the breaker for host.
func (bs *breakerSet) get(host string) *circuit.Breaker {
	bs.mu.RLock()
	breaker, exists := bs.breakers[host]
	bs.mu.RUnlock()

	if exists {
		return breaker
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := bs.breakers[host]; exists {
		return breaker
	}

	// Half-open probes back off exponentially once tripped
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ConsecutiveTripFunc(bs.threshold),
	})

	bs.breakers[host] = breaker
	return breaker
}

// states reports "open" or "closed" for every host seen so far.
func (bs *breakerSet) states() map[string]string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	states := make(map[string]string, len(bs.breakers))
	for host, breaker := range bs.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// hostOf extracts the breaker key from a request URL.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
