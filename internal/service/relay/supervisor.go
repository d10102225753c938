package relay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
	"github.com/krobus00/market-feed-relay/internal/service/upstream"
	"github.com/krobus00/market-feed-relay/internal/util"
	"github.com/sirupsen/logrus"
)

const (
	defaultReceiveTimeout       = 30 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultReconnectFactor      = 2.0
	defaultMinBackoff           = 500 * time.Millisecond
	defaultMaxBackoff           = 30 * time.Second
	defaultReplayBatchSize      = 500
)

var errReconnectRequested = errors.New("reconnect requested")

// replayModeOrder keeps replay output deterministic.
var replayModeOrder = []entity.SubscriptionMode{
	entity.SubscriptionModeLTPC,
	entity.SubscriptionModeFull,
	entity.SubscriptionModeOptionGreeks,
}

// Link is the part of the upstream connection the supervisor drives.
type Link interface {
	Connect(ctx context.Context) error
	SendControl(ctx context.Context, req entity.ControlRequest) (string, error)
	ReceiveNext(timeout time.Duration) (entity.FeedFrame, error)
	Close() error
}

// FramePublisher receives every frame read while listening.
type FramePublisher interface {
	Publish(frame entity.FeedFrame) int
}

type SupervisorConfig struct {
	ReceiveTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectFactor      float64
	MinBackoff           time.Duration
	MaxBackoff           time.Duration
	ReplayBatchSize      int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectFactor < 1 {
		c.ReconnectFactor = defaultReconnectFactor
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = defaultReplayBatchSize
	}

	return c
}

// Supervisor owns the upstream link. It is the only caller of Connect and
// ReceiveNext, reconnects with bounded retries and replays the registry after
// every successful connect.
type Supervisor struct {
	cfg       SupervisorConfig
	link      Link
	registry  *subscription.Registry
	publisher FramePublisher
	rng       *rand.Rand

	// controlMu serializes client control frames with replay.
	controlMu sync.Mutex

	mu        sync.RWMutex
	state     State
	attempts  int
	observers []func(State)

	runMu  sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}

	reconnectPending atomic.Bool
}

func NewSupervisor(cfg SupervisorConfig, link Link, registry *subscription.Registry, publisher FramePublisher) *Supervisor {
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		link:      link,
		registry:  registry,
		publisher: publisher,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     StateDisconnected,
	}
}

// OnStateChange registers fn to be called after every state transition.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Start launches the supervision loop. A Start while a loop is already running
// collapses into it.
func (s *Supervisor) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}

	s.parent = ctx
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	go s.run(runCtx, s.done)
}

// Stop cancels the loop, closes the link and waits for the loop to exit.
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	_ = s.link.Close()
	<-done

	if s.State() != StateStopped {
		s.setState(StateDisconnected)
	}
}

// Restart is the operator signal: it resets the attempt counter and starts a
// fresh loop, or forces a reconnect when one is already running.
func (s *Supervisor) Restart() {
	s.runMu.Lock()
	parent := s.parent
	running := false
	if s.done != nil {
		select {
		case <-s.done:
		default:
			running = true
		}
	}
	s.runMu.Unlock()

	if running {
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.TriggerReconnect()
		return
	}

	if parent == nil || parent.Err() != nil {
		parent = context.Background()
	}

	logrus.Info("restarting upstream supervisor")
	s.Start(parent)
}

// TriggerReconnect drops the current connection and reconnects. It returns
// false when a reconnect is already pending or the loop is not listening.
func (s *Supervisor) TriggerReconnect() bool {
	if s.State() != StateListening {
		return false
	}
	if !s.reconnectPending.CompareAndSwap(false, true) {
		return false
	}

	logrus.Info("upstream reconnect requested")
	_ = s.link.Close()

	return true
}

// Subscribe records keys in the registry and, while listening, sends the sub
// frame upstream. Otherwise the next replay covers them.
func (s *Supervisor) Subscribe(ctx context.Context, keys []entity.InstrumentKey, mode entity.SubscriptionMode) []entity.InstrumentKey {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	added := s.registry.Add(keys, mode)
	if s.State() != StateListening {
		return added
	}

	_, err := s.link.SendControl(ctx, entity.ControlRequest{
		Method: entity.ControlMethodSubscribe,
		Mode:   mode,
		Keys:   added,
	})
	if err != nil {
		logrus.WithField("instruments", len(added)).Warnf("send subscribe frame failed, replay will cover it: %v", err)
	}

	return added
}

// Unsubscribe removes keys from the registry and sends the unsub frame while
// listening. It returns how many keys were present.
func (s *Supervisor) Unsubscribe(ctx context.Context, keys []entity.InstrumentKey) int {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	removed := s.registry.Remove(keys)
	if s.State() != StateListening {
		return removed
	}

	_, err := s.link.SendControl(ctx, entity.ControlRequest{
		Method: entity.ControlMethodUnsubscribe,
		Keys:   keys,
	})
	if err != nil {
		logrus.WithField("instruments", len(keys)).Warnf("send unsubscribe frame failed: %v", err)
	}

	return removed
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		if err := s.connectAndReplay(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			attempts := s.incrementAttempts()
			s.setState(StateReconnecting)

			if attempts > s.cfg.MaxReconnectAttempts {
				_ = s.link.Close()
				s.setState(StateStopped)
				logrus.WithFields(logrus.Fields{
					"attempt":      attempts,
					"max_attempts": s.cfg.MaxReconnectAttempts,
				}).Errorf("upstream reconnect attempts exhausted, relay stopped: %v", err)
				return
			}

			wait := util.BackoffWithJitter(attempts-1, s.cfg.ReconnectFactor, s.cfg.MinBackoff, s.cfg.MaxBackoff, s.rng)
			logrus.WithFields(logrus.Fields{
				"attempt":  attempts,
				"retry_in": wait.String(),
			}).Warnf("upstream connect failed: %v", err)

			if !util.SleepContext(ctx, wait) {
				return
			}
			continue
		}

		err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		logrus.WithField("reason", err).Warn("upstream connection lost, reconnecting")

		if !errors.Is(err, errReconnectRequested) {
			wait := util.BackoffWithJitter(0, s.cfg.ReconnectFactor, s.cfg.MinBackoff, s.cfg.MaxBackoff, s.rng)
			if !util.SleepContext(ctx, wait) {
				return
			}
		}
	}
}

// connectAndReplay moves to Listening only after the whole registry has been
// sent to the new connection.
func (s *Supervisor) connectAndReplay(ctx context.Context) error {
	if err := s.link.Connect(ctx); err != nil {
		return err
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	sent, err := s.replay(ctx)
	if err != nil {
		_ = s.link.Close()
		return err
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	s.reconnectPending.Store(false)
	s.setState(StateListening)
	logrus.WithField("instruments", sent).Info("upstream listening, subscriptions replayed")

	return nil
}

func (s *Supervisor) replay(ctx context.Context) (int, error) {
	grouped := subscription.GroupByMode(s.registry.Snapshot())

	sent := 0
	for _, mode := range replayModeOrder {
		keys := grouped[mode]
		for start := 0; start < len(keys); start += s.cfg.ReplayBatchSize {
			end := min(start+s.cfg.ReplayBatchSize, len(keys))

			_, err := s.link.SendControl(ctx, entity.ControlRequest{
				Method: entity.ControlMethodSubscribe,
				Mode:   mode,
				Keys:   keys[start:end],
			})
			if err != nil {
				return sent, err
			}
			sent += end - start
		}
	}

	return sent, nil
}

func (s *Supervisor) listen(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := s.link.ReceiveNext(s.cfg.ReceiveTimeout)
		if err == nil {
			s.publisher.Publish(frame)
			continue
		}

		var protoErr *upstream.ProtocolError
		switch {
		case errors.Is(err, upstream.ErrIdle):
			logrus.Debug("upstream idle")
		case errors.As(err, &protoErr):
			logrus.WithField("size", protoErr.Size).Warnf("dropped malformed upstream frame: %v", err)
		default:
			if s.reconnectPending.Load() {
				return errReconnectRequested
			}
			return err
		}
	}
}

func (s *Supervisor) incrementAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	observers := append([]func(State){}, s.observers...)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"from":  prev.String(),
		"state": state.String(),
	}).Info("upstream supervisor state changed")

	for _, fn := range observers {
		fn(state)
	}
}
