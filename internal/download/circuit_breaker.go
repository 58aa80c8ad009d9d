package download

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/ralt/updatekit/internal/models"
)

var errBreakerOpen = errors.New("circuit breaker open")

// breakerSet holds one circuit breaker per upstream host.
type breakerSet struct {
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

func newBreakerSet() *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*circuit.Breaker),
	}
}

// get returns or creates the circuit breaker for host.
func (bs *breakerSet) get(host string) *circuit.Breaker {
	bs.mu.RLock()
	breaker, exists := bs.breakers[host]
	bs.mu.RUnlock()

	if exists {
		return breaker
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if breaker, exists := bs.breakers[host]; exists {
		return breaker
	}

	// Trips after 5 consecutive failures
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})

	bs.breakers[host] = breaker
	return breaker
}

// call runs fn through the breaker for rawURL's host. A missing resource
// is a normal answer and does not count as a failure.
func (bs *breakerSet) call(rawURL string, fn func() error) error {
	host := hostOf(rawURL)
	breaker := bs.get(host)

	if !breaker.Ready() {
		return models.NewError(models.ErrNetwork, host,
			fmt.Errorf("%w for %s: %w", errBreakerOpen, host, ErrUpstreamDown))
	}

	var notFound error
	err := breaker.Call(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) {
			notFound = err
			return nil
		}
		return err
	}, 0)
	if notFound != nil {
		return notFound
	}
	return err
}

// states reports "open" or "closed" per host.
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

// BreakerStates returns the circuit state per host, or nil when circuit
// breaking is disabled.
func (e *Engine) BreakerStates() map[string]string {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.states()
}

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
