package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/zerodha/rdp-stream-client/instruments"
	"github.com/zerodha/rdp-stream-client/stream"
)

// RequesterConfig holds configuration for creating a new Requester.
type RequesterConfig struct {
	Domain   string   // domain for ungrouped lists; MarketPrice when empty
	Service  string   // service name; the server default when empty
	Fields   []string // view
	Snapshot bool

	// Rate limits item requests per second; zero or less means unlimited.
	Rate  float64
	Burst int

	Logger *slog.Logger
}

// Requester opens one item stream per instrument, one batch per domain.
type Requester struct {
	session stream.Session
	tracker *Tracker
	cfg     RequesterConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRequester creates a requester that opens streams on session and attaches tracker.
func NewRequester(session stream.Session, tracker *Tracker, cfg RequesterConfig) *Requester {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Domain == "" {
		cfg.Domain = instruments.DefaultDomain
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Requester{
		session: session,
		tracker: tracker,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
	}
}

// Request opens item streams for every instrument in list and seals the tracker.
func (r *Requester) Request(ctx context.Context, list instruments.List) error {
	r.tracker.Stats().MarkStart(time.Now())

	for _, g := range list.Groups(r.cfg.Domain) {
		if err := r.requestBatch(ctx, g); err != nil {
			return err
		}
	}
	r.tracker.Seal()
	return nil
}

func (r *Requester) requestBatch(ctx context.Context, g instruments.Group) error {
	r.tracker.AddRequested(len(g.Names))
	r.logger.Info("Requesting items", "domain", g.Domain, "count", len(g.Names), "snapshot", r.cfg.Snapshot)

	for _, name := range g.Names {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("request pacing: %w", err)
		}

		st := r.session.ItemStream(stream.ItemRequest{
			Domain:  g.Domain,
			Name:    name,
			Service: r.cfg.Service,
			Fields:  r.cfg.Fields,
		})
		r.tracker.Attach(st)
		if err := st.Open(!r.cfg.Snapshot); err != nil {
			return fmt.Errorf("open %s/%s: %w", g.Domain, name, err)
		}
	}
	return nil
}
