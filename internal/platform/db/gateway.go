package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned for operations attempted while the gateway
// is not passing traffic.
var ErrUnavailable = errors.New("database unavailable")

// GatewayState is the connectivity state of the database gateway.
type GatewayState string

const (
	// StateNotReady means the gateway has never seen a successful probe.
	StateNotReady GatewayState = "not_ready"
	// StateClosed means the database is reachable and traffic flows.
	StateClosed GatewayState = "closed"
	// StateOpen means consecutive failures tripped the circuit.
	StateOpen GatewayState = "open"
)

// ProbeFunc checks backend connectivity, typically a pool ping.
type ProbeFunc func(ctx context.Context) error

// Gateway is a circuit breaker in front of the database. Operations run
// through Do; consecutive failures past the threshold open the circuit,
// after which calls fail fast with ErrUnavailable until a readiness
// probe succeeds. A gateway that has never connected reports NotReady
// rather than Open so operators can tell a cold start from an outage.
type Gateway struct {
	probe        ProbeFunc
	threshold    int
	probeTimeout time.Duration

	group singleflight.Group

	mu            sync.Mutex
	state         GatewayState
	failures      int
	lastFailure   time.Time
	lastProbe     time.Time
	everConnected bool
}

// NewGateway builds a gateway. threshold is the number of consecutive
// failures that open the circuit; values below 1 are clamped to 1.
func NewGateway(probe ProbeFunc, threshold int, probeTimeout time.Duration) *Gateway {
	if threshold < 1 {
		threshold = 1
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Gateway{
		probe:        probe,
		threshold:    threshold,
		probeTimeout: probeTimeout,
		state:        StateNotReady,
	}
}

// State returns the current connectivity state.
func (g *Gateway) State() GatewayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stats describes the gateway for health reporting.
type Stats struct {
	State       GatewayState `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	Threshold   int          `json:"failure_threshold"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
	LastProbe   *time.Time   `json:"last_probe,omitempty"`
}

// Stats returns a snapshot for health endpoints.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		State:     g.state,
		Failures:  g.failures,
		Threshold: g.threshold,
	}
	if !g.lastFailure.IsZero() {
		t := g.lastFailure
		s.LastFailure = &t
	}
	if !g.lastProbe.IsZero() {
		t := g.lastProbe
		s.LastProbe = &t
	}
	return s
}

// Do runs op through the breaker. While the circuit is open or the
// gateway has never connected, Do fails fast with ErrUnavailable
// without invoking op.
func (g *Gateway) Do(ctx context.Context, op func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.state != StateClosed {
		g.mu.Unlock()
		return ErrUnavailable
	}
	g.mu.Unlock()

	err := op(ctx)
	g.record(err)
	return err
}

// record updates the failure counter after an operation.
func (g *Gateway) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.failures = 0
		return
	}
	// A missing row is an answer, not an outage, and cancellation is
	// the caller's doing. Likewise data and integrity errors: the
	// backend processed the statement and rejected its contents.
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) || isDataError(err) {
		g.failures = 0
		return
	}

	g.failures++
	g.lastFailure = time.Now()
	if g.state == StateClosed && g.failures >= g.threshold {
		g.state = StateOpen
		log.Warn().
			Int("failures", g.failures).
			Msg("database circuit opened")
	}
}

// isDataError reports whether err is a Postgres data or integrity
// error (SQLSTATE classes 22 and 23). Those mean the backend is alive
// and rejected the statement's contents.
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// Probe checks backend connectivity and transitions the gateway. A
// successful probe closes the circuit; a failed probe keeps (or trips)
// it open. Concurrent probes are collapsed into one backend call, and
// the state transition happens inside that one call so a shared
// failure counts once, not once per waiter.
func (g *Gateway) Probe(ctx context.Context) error {
	_, err, _ := g.group.Do("probe", func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
		defer cancel()
		probeErr := g.probe(probeCtx)

		g.mu.Lock()
		defer g.mu.Unlock()
		g.lastProbe = time.Now()

		if probeErr != nil {
			g.failures++
			g.lastFailure = time.Now()
			if g.everConnected && g.state != StateOpen && g.failures >= g.threshold {
				g.state = StateOpen
				log.Warn().Err(probeErr).Msg("database circuit opened by probe")
			}
			return nil, probeErr
		}

		if g.state != StateClosed {
			log.Info().Str("previous_state", string(g.state)).Msg("database circuit closed")
		}
		g.state = StateClosed
		g.failures = 0
		g.everConnected = true
		return nil, nil
	})
	return err
}

// Reset requests recovery. It is the same connectivity probe the
// readiness endpoint runs; the circuit closes only if the probe
// succeeds.
func (g *Gateway) Reset(ctx context.Context) error {
	return g.Probe(ctx)
}
