package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const (
	resultTimeout       = 10 * time.Second
	deadlineRetryDelay  = 100 * time.Millisecond
	defaultStoreRetries = 3
)

// Settings tunes session timing and scoring.
type Settings struct {
	QuestionDuration time.Duration
	SpeedBonus       int
	GracePeriod      time.Duration
	Retention        time.Duration
	StoreRetries     int
}

func DefaultSettings() Settings {
	return Settings{
		QuestionDuration: 20 * time.Second,
		GracePeriod:      2 * time.Minute,
		Retention:        10 * time.Minute,
		StoreRetries:     defaultStoreRetries,
	}
}

// Option customises a Coordinator.
type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLocker makes every session job hold a per-session lock, for deployments where
// several processes share one store.
func WithLocker(locker Locker) Option {
	return func(c *Coordinator) { c.locker = locker }
}

func WithIDGenerator(next func() string) Option {
	return func(c *Coordinator) { c.newID = next }
}

// Coordinator runs the session state machine. Every job touching a session, socket
// message or timer alike, runs on that session's lane of the dispatcher.
type Coordinator struct {
	store    SessionRepository
	quizzes  QuizRepository
	results  ResultSink
	registry *Registry
	lanes    *Dispatcher
	timers   *Timers
	clock    clockwork.Clock
	locker   Locker
	newID    func() string
	settings Settings
}

func NewCoordinator(store SessionRepository, quizzes QuizRepository, results ResultSink, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		quizzes:  quizzes,
		results:  results,
		registry: NewRegistry(),
		lanes:    NewDispatcher(),
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
		settings: settings,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.settings.QuestionDuration <= 0 {
		c.settings.QuestionDuration = DefaultSettings().QuestionDuration
	}
	if c.settings.StoreRetries < 0 {
		c.settings.StoreRetries = 0
	}
	c.timers = NewTimers(c.clock, c.onTimer)
	return c
}

// Connect registers an authenticated connection. It is not bound to any session yet.
func (c *Coordinator) Connect(connID string, identity domain.Identity, sender Sender) {
	c.registry.Register(connID, identity, sender)
	log.Debug().
		Str("connection_id", connID).
		Str("participant_id", identity.ParticipantID).
		Msg("connection registered")
}

// Handle processes one inbound frame and blocks until its session job has run.
// Rejections are reported to the originating connection and also returned.
func (c *Coordinator) Handle(ctx context.Context, connID string, env domain.Envelope) error {
	identity, ok := c.registry.Identity(connID)
	if !ok {
		return domain.ErrUnauthorized
	}

	sessionID, err := c.route(connID, env)
	if err != nil {
		c.reject(connID, env.SessionID, env.Type, err)
		return err
	}

	done := make(chan error, 1)
	submitted := c.lanes.Submit(sessionID, func() {
		done <- c.run(ctx, sessionID, func(ctx context.Context) error {
			return c.dispatch(ctx, connID, identity, sessionID, env)
		})
	})
	if !submitted {
		err = errors.New("coordinator is shutting down")
		c.reject(connID, sessionID, env.Type, err)
		return err
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		c.reject(connID, sessionID, env.Type, err)
	}
	return err
}

func (c *Coordinator) route(connID string, env domain.Envelope) (string, error) {
	switch env.Type {
	case domain.MsgCreateSession:
		return c.newID(), nil
	case domain.MsgJoinSession, domain.MsgReconnect:
		if env.SessionID == "" {
			return "", fmt.Errorf("%w: sessionId is required", domain.ErrBadRequest)
		}
		return env.SessionID, nil
	case domain.MsgStart, domain.MsgCloseQuestion, domain.MsgNext, domain.MsgEnd, domain.MsgAnswer:
		binding, ok := c.registry.Binding(connID)
		if !ok {
			return "", domain.ErrNotBound
		}
		return binding.SessionID, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", domain.ErrBadRequest, env.Type)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, connID string, identity domain.Identity, sessionID string, env domain.Envelope) error {
	switch env.Type {
	case domain.MsgCreateSession:
		return c.createSession(ctx, connID, identity, sessionID, env.Payload)
	case domain.MsgJoinSession:
		return c.joinSession(ctx, connID, identity, sessionID, env.Payload)
	case domain.MsgReconnect:
		return c.reconnect(ctx, connID, identity, sessionID, env.Payload)
	}

	// The binding may have changed while the job was queued.
	binding, ok := c.registry.Binding(connID)
	if !ok || binding.SessionID != sessionID {
		return domain.ErrNotBound
	}
	switch env.Type {
	case domain.MsgStart:
		return c.start(ctx, binding)
	case domain.MsgCloseQuestion:
		return c.closeQuestion(ctx, binding)
	case domain.MsgNext:
		return c.next(ctx, binding)
	case domain.MsgEnd:
		return c.end(ctx, binding)
	case domain.MsgAnswer:
		return c.answer(ctx, binding, env.Payload)
	}
	return fmt.Errorf("%w: unknown message type %q", domain.ErrBadRequest, env.Type)
}

// Disconnect detaches a closed connection. It blocks until the detach job has run.
func (c *Coordinator) Disconnect(connID string) {
	binding, ok := c.registry.Binding(connID)
	if !ok {
		c.registry.Unregister(connID)
		return
	}

	done := make(chan struct{})
	submitted := c.lanes.Submit(binding.SessionID, func() {
		defer close(done)
		err := c.run(context.Background(), binding.SessionID, func(ctx context.Context) error {
			return c.detach(ctx, connID)
		})
		if err != nil {
			log.Warn().Err(err).Str("connection_id", connID).Str("session_id", binding.SessionID).Msg("detach failed")
		}
	})
	if !submitted {
		c.registry.Unregister(connID)
		return
	}
	<-done
}

// Stats reports live connections and busy session lanes.
func (c *Coordinator) Stats() Stats {
	stats := c.registry.Stats()
	stats.ActiveLanes = c.lanes.Active()
	return stats
}

// Shutdown stops all timers and waits for queued session jobs.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.timers.StopAll()
	done := make(chan struct{})
	go func() {
		c.lanes.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) onTimer(ev TimerEvent) {
	c.lanes.Submit(ev.SessionID, func() {
		err := c.run(context.Background(), ev.SessionID, func(ctx context.Context) error {
			return c.handleTimer(ctx, ev)
		})
		if err == nil {
			return
		}
		logger := log.Warn().Err(err).Str("session_id", ev.SessionID).Str("timer", string(ev.Kind))
		retryable := ev.Kind == timerDeadline || ev.Kind == timerFreeze
		if retryable && errors.Is(err, domain.ErrStoreConflict) {
			logger.Int("question_index", ev.QuestionIndex).Msg("timer job lost a store race, retrying")
			c.timers.Arm(ev.SessionID, ev.Kind, ev.QuestionIndex, deadlineRetryDelay)
			return
		}
		logger.Msg("timer job failed")
	})
}

type jobKey struct{}

// job carries work deferred until the session lock is released.
type job struct {
	unlocked []func()
}

// run executes fn under the distributed session lock when one is configured. Work
// registered with effects.afterUnlock runs once the lock is gone.
func (c *Coordinator) run(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	j := &job{}
	err := c.locked(context.WithValue(ctx, jobKey{}, j), sessionID, fn)
	for _, f := range j.unlocked {
		f()
	}
	return err
}

func (c *Coordinator) locked(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	if c.locker == nil {
		return fn(ctx)
	}
	unlock, err := c.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()
	return fn(ctx)
}

// effects collects what a transition does outside the store. They run only after
// the new state has been committed.
type effects struct {
	readOnly bool
	actions  []func()
	released []func()
}

func (fx *effects) then(fn func()) {
	fx.actions = append(fx.actions, fn)
}

// afterUnlock queues slow work, such as result delivery, that must not hold the session lock.
func (fx *effects) afterUnlock(fn func()) {
	fx.released = append(fx.released, fn)
}

func (fx *effects) apply(ctx context.Context) {
	for _, fn := range fx.actions {
		fn()
	}
	j, ok := ctx.Value(jobKey{}).(*job)
	for _, fn := range fx.released {
		if ok {
			j.unlocked = append(j.unlocked, fn)
		} else {
			fn()
		}
	}
}

func (c *Coordinator) broadcast(fx *effects, sessionID string, audience Audience, msgType string, payload any) {
	msg := domain.Outbound{Type: msgType, SessionID: sessionID, Payload: payload}
	fx.then(func() { c.registry.Broadcast(sessionID, audience, msg) })
}

func (c *Coordinator) reply(fx *effects, connID, sessionID, msgType string, payload any) {
	msg := domain.Outbound{Type: msgType, SessionID: sessionID, Payload: payload}
	fx.then(func() {
		if err := c.registry.SendTo(connID, msg); err != nil {
			log.Debug().Err(err).Str("connection_id", connID).Str("type", msgType).Msg("reply not delivered")
		}
	})
}

// mutate is the versioned read-modify-write every transition goes through. fn works on
// a private copy; a lost race discards it and reruns fn against the fresh state.
func (c *Coordinator) mutate(ctx context.Context, sessionID string, fn func(s *domain.Session, fx *effects) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.settings.StoreRetries; attempt++ {
		session, version, err := c.store.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		fx := &effects{}
		if err := fn(&session, fx); err != nil {
			return err
		}
		if fx.readOnly {
			fx.apply(ctx)
			return nil
		}
		if err := session.CheckInvariants(); err != nil {
			return fmt.Errorf("refusing to store inconsistent session: %w", err)
		}
		if _, err := c.store.Replace(ctx, session, version); err != nil {
			if errors.Is(err, domain.ErrStoreConflict) {
				log.Warn().
					Str("session_id", sessionID).
					Int("attempt", attempt+1).
					Msg("session store conflict")
				lastErr = err
				continue
			}
			return err
		}
		fx.apply(ctx)
		return nil
	}
	return lastErr
}

func (c *Coordinator) reject(connID, sessionID, msgType string, err error) {
	code := domain.ErrorCode(err)
	var event = log.Debug()
	switch code {
	case domain.CodeStoreConflict:
		event = log.Warn()
	case domain.CodeInternal:
		event = log.Error()
	case domain.CodeInvalidTransition:
		event = log.Info()
	}
	event.Err(err).
		Str("connection_id", connID).
		Str("session_id", sessionID).
		Str("type", msgType).
		Str("code", code).
		Msg("message rejected")

	message := err.Error()
	if code == domain.CodeInternal {
		message = "internal error"
	}
	_ = c.registry.SendTo(connID, errorFrame(sessionID, err, message))
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return payload, nil
}
