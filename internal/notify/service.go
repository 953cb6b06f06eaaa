package notify

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ironscout/internal/fetch"
	"ironscout/pkg/logx"
)

type job struct {
	text     string
	photoURL string
	// what identifies the message in logs without dumping its body.
	what string
}

// Service is the async delivery pipeline: bounded queue, workers, token
// bucket, retry with exponential backoff + jitter. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender Sender
	log    logx.Logger

	queue     chan job
	accepting bool
	// sendWG counts in-flight enqueues so Stop never closes the queue under a
	// concurrent send.
	sendWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sender:  sender,
		log:     log,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	q := s.queue
	rctx := s.runCtx
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notify worker",
						logx.Int("worker", i), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			for j := range q {
				select {
				case <-rctx.Done():
					return
				default:
				}
				s.deliver(rctx, j)
			}
		}()
	}
}

// Stop blocks intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	// Block new notifies.
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues to finish, then close the queue so the
	// workers can drain it.
	sent := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(sent)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-sent:
	}
	// A concurrent Stop may have closed the queue already.
	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
}

// NotifyNew enqueues one message per new item. Queue overflow drops the
// message with a log line; reconciliation is never blocked by delivery.
func (s *Service) NotifyNew(ctx context.Context, category string, items []fetch.Item) {
	for _, it := range items {
		s.enqueue(job{
			text:     formatItem(category, it),
			photoURL: it.ImageURL,
			what:     category + "/" + it.ID,
		})
	}
}

// Alert enqueues an operator alert.
func (s *Service) Alert(ctx context.Context, text string) {
	s.enqueue(job{text: formatAlert(text), what: "alert"})
}

// Probe checks transport connectivity.
func (s *Service) Probe(ctx context.Context) error {
	return s.sender.Probe(ctx)
}

func (s *Service) enqueue(j job) {
	s.mu.Lock()
	q := s.queue
	if !s.accepting || q == nil {
		s.mu.Unlock()
		s.log.Debug("notifier not running; message dropped", logx.String("what", j.what))
		return
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
	default:
		s.log.Warn("notify queue full; message dropped",
			logx.String("what", j.what), logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, 15*time.Second)
		err := s.sendOne(callCtx, j)
		cancel()
		if err == nil {
			s.log.Debug("notification sent", logx.String("what", j.what), logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		if attempt >= maxAttempts || runCtx.Err() != nil {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
	s.log.Error("notification failed",
		logx.String("what", j.what), logx.Int("attempts", maxAttempts), logx.Err(lastErr))
}

// sendOne prefers photo-with-caption and falls back to plain text, the same
// way the site's image CDN flakiness was handled upstream.
func (s *Service) sendOne(ctx context.Context, j job) error {
	if j.photoURL != "" {
		if err := s.sender.SendPhoto(ctx, j.photoURL, j.text); err == nil {
			return nil
		} else {
			s.log.Debug("photo send failed; falling back to text",
				logx.String("what", j.what), logx.Err(err))
		}
	}
	return s.sender.SendText(ctx, j.text)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3 so synchronized retries don't re-collide.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
