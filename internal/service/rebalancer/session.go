package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultLogBufferSize = 512
	defaultLockTTL       = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("a rebalance worker is already running")
	ErrLockLost       = errors.New("rebalance worker lock lost")
)

// WorkerLocker guards the single live worker per ticker across processes.
type WorkerLocker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type SessionConfig struct {
	FailureBackoff   time.Duration
	MinOrderNotional decimal.Decimal
	LogBufferSize    int
	LockTTL          time.Duration
	// Term overrides the term derived from Params.TermHours; used by tests.
	Term time.Duration
}

type SessionStatus struct {
	Running       bool    `json:"running"`
	SessionID     string  `json:"session_id,omitempty"`
	State         State   `json:"state"`
	Params        *Params `json:"params,omitempty"`
	DroppedEvents int64   `json:"dropped_events"`
	// UnrecordedOrders counts live exchange orders still missing from the ledger.
	UnrecordedOrders int `json:"unrecorded_orders,omitempty"`
}

// BotSession is the only handle the presentation layer holds: it owns the
// worker goroutine, its cancel func and the queue of worker events.
type BotSession struct {
	cfg       SessionConfig
	ledger    OrderLedger
	gateway   entity.ExchangeGateway
	locker    WorkerLocker
	publisher entity.EventPublisher

	events  chan entity.SessionEvent
	dropped atomic.Int64

	unrecorded *UnrecordedPair

	mu         sync.Mutex
	sessionID  string
	params     *Params
	controller *Controller
	cancel     context.CancelFunc
	done       chan struct{}
}

type SessionOption func(*BotSession)

func WithWorkerLocker(locker WorkerLocker) SessionOption {
	return func(s *BotSession) {
		s.locker = locker
	}
}

func WithEventPublisher(publisher entity.EventPublisher) SessionOption {
	return func(s *BotSession) {
		s.publisher = publisher
	}
}

func NewBotSession(cfg SessionConfig, ledger OrderLedger, gateway entity.ExchangeGateway, opts ...SessionOption) *BotSession {
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = defaultLogBufferSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}

	session := &BotSession{
		cfg:        cfg,
		ledger:     ledger,
		gateway:    gateway,
		events:     make(chan entity.SessionEvent, cfg.LogBufferSize),
		unrecorded: &UnrecordedPair{},
	}
	for _, opt := range opts {
		opt(session)
	}

	return session
}

// Start launches the worker. It fails with ErrAlreadyRunning while a worker
// from a previous Start is still alive, here or (with a locker) elsewhere.
func (s *BotSession) Start(ctx context.Context, params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunningLocked() {
		return ErrAlreadyRunning
	}

	sessionID := uuid.NewString()
	lockKey := constant.GetRebalancerLockKey(params.Ticker)
	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, lockKey, sessionID, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire worker lock: %w", err)
		}
		if !acquired {
			return ErrAlreadyRunning
		}
	}

	s.drain()
	s.dropped.Store(0)

	logger := s.newSessionLogger(sessionID, params.Ticker)
	controller := NewController(ControllerConfig{
		Params:           params,
		Term:             s.cfg.Term,
		FailureBackoff:   s.cfg.FailureBackoff,
		MinOrderNotional: s.cfg.MinOrderNotional,
		Unrecorded:       s.unrecorded,
	}, s.ledger, s.gateway, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.sessionID = sessionID
	s.params = &params
	s.controller = controller
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer cancel()

		if s.locker != nil {
			go s.keepLock(workerCtx, cancel, lockKey, sessionID, logger)
			defer func() {
				if err := s.locker.Release(context.Background(), lockKey, sessionID); err != nil {
					logger.WithError(err).Warn("failed to release worker lock")
				}
			}()
		}

		controller.Run(workerCtx)
	}()

	return nil
}

// Stop asks the worker to exit at its next cancellation point. It reports
// whether a live worker was signalled.
func (s *BotSession) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunningLocked() {
		return false
	}

	s.cancel()
	return true
}

func (s *BotSession) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunningLocked()
}

// Wait blocks until the current worker, if any, has exited or ctx is done.
func (s *BotSession) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BotSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SessionStatus{
		Running:       s.isRunningLocked(),
		SessionID:     s.sessionID,
		State:         StateIdle,
		DroppedEvents: s.dropped.Load(),

		UnrecordedOrders: len(s.unrecorded.Orders()),
	}
	if s.controller != nil {
		status.State = s.controller.State()
	}
	if s.params != nil {
		params := *s.params
		status.Params = &params
	}

	return status
}

// DrainLog returns every queued worker event and empties the queue. It never blocks.
func (s *BotSession) DrainLog() []entity.SessionEvent {
	return s.drain()
}

func (s *BotSession) RecentOrders(ctx context.Context, limit int) ([]entity.Order, error) {
	if limit <= 0 {
		limit = constant.DefaultRecentOrdersLimit
	}
	return s.ledger.ListRecent(ctx, limit)
}

func (s *BotSession) isRunningLocked() bool {
	if s.done == nil {
		return false
	}

	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *BotSession) drain() []entity.SessionEvent {
	events := make([]entity.SessionEvent, 0)
	for {
		select {
		case event := <-s.events:
			events = append(events, event)
		default:
			return events
		}
	}
}

// push enqueues event without blocking, evicting the oldest event when full.
func (s *BotSession) push(event entity.SessionEvent) {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case s.events <- event:
			return
		default:
		}

		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}

	s.dropped.Add(1)
}

// keepLock refreshes the worker lock until ctx is done. The worker is
// cancelled once the lock is taken by another owner or has gone a full TTL
// without a successful refresh, since by then the key may have expired.
func (s *BotSession) keepLock(ctx context.Context, cancel context.CancelFunc, key, owner string, logger *logrus.Entry) {
	ticker := time.NewTicker(s.cfg.LockTTL / 3)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := s.locker.Refresh(ctx, key, owner, s.cfg.LockTTL)
			if err != nil {
				if time.Since(lastRefresh) >= s.cfg.LockTTL {
					logger.WithError(err).Error("worker lock not refreshed within ttl, stopping worker")
					cancel()
					return
				}
				logger.WithError(err).Warn("failed to refresh worker lock")
				continue
			}
			lastRefresh = time.Now()
			if !held {
				logger.WithError(ErrLockLost).Error("stopping worker")
				cancel()
				return
			}
		}
	}
}
