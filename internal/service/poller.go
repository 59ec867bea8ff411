package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/presence"
)

const pollBackoffMax = 5 * time.Minute

// Poller drives the fetch loop for every configured vehicle. Sleeping
// and offline vehicles back off exponentially so they get a chance to
// stay asleep; a live vehicle polls at the base interval.
type Poller struct {
	fetcher  *Fetcher
	presence *presence.Manager
	logger   *zap.Logger

	vehicles []string
	interval time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	intervals map[string]time.Duration
	lastPolls map[string]time.Time
}

func NewPoller(fetcher *Fetcher, pres *presence.Manager, vehicles []string, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		fetcher:   fetcher,
		presence:  pres,
		logger:    logger,
		vehicles:  vehicles,
		interval:  interval,
		intervals: make(map[string]time.Duration),
		lastPolls: make(map[string]time.Time),
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Info("Poller already running, skipping start")
		return
	}
	p.stopCh = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	p.logger.Info("Starting poller",
		zap.Strings("vehicles", p.vehicles),
		zap.Duration("interval", p.interval))

	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	now := time.Now()
	for _, vid := range p.vehicles {
		if !p.shouldPoll(vid, now) {
			continue
		}

		_, err := p.fetcher.FetchOnce(ctx, vid)
		if err != nil {
			p.logger.Error("Failed to poll vehicle",
				zap.String("vehicle_id", vid), zap.Error(err))
			p.backOff(vid)
		} else {
			p.updateNextPoll(vid)
		}

		p.mu.Lock()
		p.lastPolls[vid] = now
		p.mu.Unlock()
	}
}

func (p *Poller) shouldPoll(vid string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval, ok := p.intervals[vid]
	last, polled := p.lastPolls[vid]
	if !ok || !polled {
		return true
	}
	return now.Sub(last) >= interval
}

// updateNextPoll sets the vehicle's next interval from its presence
// state. Asleep and offline vehicles double their interval each round
// so repeated state probes do not keep the car from sleeping.
func (p *Poller) updateNextPoll(vid string) {
	state := ""
	if machine, ok := p.presence.Get(vid); ok {
		state = machine.Current()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch state {
	case presence.StateAsleep, presence.StateOffline:
		cur := p.intervals[vid]
		if cur < p.interval {
			cur = p.interval
		}
		cur *= 2
		if cur > pollBackoffMax {
			cur = pollBackoffMax
		}
		p.intervals[vid] = cur
	default:
		p.intervals[vid] = p.interval
	}
}

func (p *Poller) backOff(vid string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.intervals[vid]
	if cur < p.interval {
		cur = p.interval
	}
	cur *= 2
	if cur > pollBackoffMax {
		cur = pollBackoffMax
	}
	p.intervals[vid] = cur
}
