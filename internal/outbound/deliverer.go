package outbound

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"otto/internal/eventbus"
	"otto/internal/storage"
	kit "otto/internal/transport"
	logx "otto/pkg/logx"
)

// DeliveryRepository is the delivery slice of the store.
type DeliveryRepository interface {
	ListDeliverable(ctx context.Context, now time.Time, limit int) ([]storage.OutboundMessage, error)
	ClaimMessage(ctx context.Context, id, owner string, now, expiresAt time.Time) (bool, error)
	MarkSent(ctx context.Context, id, owner string) error
	MarkAttemptFailed(ctx context.Context, id, owner, lastErr string, retryAt time.Time) error
}

type DeliveryConfig struct {
	Poll          time.Duration
	BatchSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// Lease bounds how long a claimed message stays hidden from other
	// workers. Must outlast SendTimeout.
	Lease         time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Poll <= 0 {
		c.Poll = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Lease <= c.SendTimeout {
		c.Lease = c.SendTimeout + 30*time.Second
	}
	return c
}

// Deliverer drains queued messages_out rows into a Sender: rate limited,
// with bounded jittered retries recorded on the row itself so restarts keep
// the schedule. Each row is claimed with a delivery lease before sending, so
// workers sharing a store never send the same row concurrently. Delivery is
// at-least-once: a crash between send and MarkSent resends the chunk once the
// lease expires.
type Deliverer struct {
	repo   DeliveryRepository
	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	owner  string

	mu      sync.Mutex
	cfg     DeliveryConfig
	limiter *rate.Limiter
	rng     *rand.Rand

	wake chan struct{}
}

func NewDeliverer(repo DeliveryRepository, sender kit.Sender, cfg DeliveryConfig, log logx.Logger, bus eventbus.Bus) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deliverer{
		repo:   repo,
		sender: sender,
		log:    log,
		bus:    bus,
		now:    time.Now,
		owner:  "otto-delivery-" + uuid.NewString(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:   make(chan struct{}, 1),
	}
	d.Apply(cfg)
	return d
}

// Owner is the lease token this worker claims messages with.
func (d *Deliverer) Owner() string { return d.owner }

// Apply swaps the delivery settings; the next batch picks them up.
func (d *Deliverer) Apply(cfg DeliveryConfig) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Burst equals the per-second rate so short spikes are not throttled hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Wake makes Run poll now instead of waiting for the next interval.
func (d *Deliverer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends. Enqueue events on the bus wake it early.
func (d *Deliverer) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if d.bus != nil {
		ch, unsub := d.bus.Subscribe(16)
		defer unsub()
		events = ch
	}

	for {
		if _, err := d.DrainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("delivery poll failed", logx.Err(err))
		}

		d.mu.Lock()
		poll := d.cfg.Poll
		d.mu.Unlock()
		t := time.NewTimer(poll)
	wait:
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
				break wait
			case <-d.wake:
				t.Stop()
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Type == eventbus.TypeOutboundEnqueued {
					t.Stop()
					break wait
				}
			}
		}
	}
}

// DrainOnce sends one batch and returns how many messages were sent.
func (d *Deliverer) DrainOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	msgs, err := d.repo.ListDeliverable(ctx, d.now(), cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range msgs {
		if err := lim.Wait(ctx); err != nil {
			return sent, err
		}
		now := d.now()
		ok, err := d.repo.ClaimMessage(ctx, m.ID, d.owner, now, now.Add(cfg.Lease))
		if err != nil {
			d.log.Warn("message claim failed", logx.String("message_id", m.ID), logx.Err(err))
			continue
		}
		if !ok {
			d.log.Debug("message claimed by another worker", logx.String("message_id", m.ID))
			continue
		}
		if d.deliver(ctx, cfg, m) {
			sent++
		}
	}
	return sent, nil
}

func (d *Deliverer) deliver(ctx context.Context, cfg DeliveryConfig, m storage.OutboundMessage) bool {
	log := d.log.With(logx.String("message_id", m.ID), logx.Int64("chat_id", m.ChatID))

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := d.sender.SendText(callCtx, kit.ChatTarget{ChatID: m.ChatID}, m.Content, nil)
	cancel()

	// The send already happened; record it even if ctx is ending.
	mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer mcancel()

	attempts := m.Attempts + 1
	if err == nil {
		if mErr := d.repo.MarkSent(mctx, m.ID, d.owner); mErr != nil {
			log.Warn("mark sent failed", logx.Err(mErr))
		}
		eventbus.Publish(d.bus, eventbus.TypeOutboundDelivered, eventbus.OutboundDelivered{
			MessageID: m.ID, ChatID: m.ChatID, Attempts: attempts,
		})
		return true
	}

	final := attempts > cfg.RetryMax
	var retryAt time.Time
	if !final {
		retryAt = d.now().Add(d.retryDelay(cfg, attempts))
	}
	if mErr := d.repo.MarkAttemptFailed(mctx, m.ID, d.owner, err.Error(), retryAt); mErr != nil {
		log.Warn("mark attempt failed failed", logx.Err(mErr))
	}
	if final {
		log.Warn("message delivery gave up", logx.Int("attempts", attempts), logx.Err(err))
	} else {
		log.Debug("message delivery failed; will retry", logx.Int("attempts", attempts), logx.Time("retry_at", retryAt), logx.Err(err))
	}
	eventbus.Publish(d.bus, eventbus.TypeOutboundSendFailed, eventbus.OutboundSendFailed{
		MessageID: m.ID, Attempts: attempts, Final: final, Error: err.Error(),
	})
	return false
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func (d *Deliverer) retryDelay(cfg DeliveryConfig, attempt int) time.Duration {
	delay := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
			break
		}
	}
	d.mu.Lock()
	j := 0.7 + d.rng.Float64()*0.6
	d.mu.Unlock()
	return min(time.Duration(float64(delay)*j), cfg.RetryMaxDelay)
}
