package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/envelope"
	"github.com/agentic-task-fabric/internal/jsonx"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/stream"
)

// Config tunes one runtime instance.
type Config struct {
	Domain        string
	Group         string
	Consumer      string
	MaxRetries    int
	RetryBackoff  time.Duration
	ClaimBlock    time.Duration
	ClaimCount    int64
	StreamMaxLen  int64
	EnableDLQ     bool
	HBEnabled     bool
	HBInterval    time.Duration
	HBTTL         time.Duration
	IdempTTL      time.Duration
	DelayedRetry  bool
	Once          bool
	InFlightGrace time.Duration
}

// DefaultConfig returns the runtime defaults for a domain.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:        domain,
		Group:         domain + "-workers",
		Consumer:      "worker-" + uuid.NewString()[:8],
		MaxRetries:    3,
		RetryBackoff:  200 * time.Millisecond,
		ClaimBlock:    2 * time.Second,
		ClaimCount:    8,
		StreamMaxLen:  10000,
		EnableDLQ:     true,
		HBEnabled:     true,
		HBInterval:    5 * time.Second,
		HBTTL:         15 * time.Second,
		IdempTTL:      time.Hour,
		InFlightGrace: 10 * time.Second,
	}
}

// Runtime is the consumer loop for one domain.
type Runtime struct {
	cfg        Config
	store      stream.Store
	keys       stream.Keys
	resolver   Resolver
	dispatcher *Dispatcher
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewRuntime assembles a runtime. dispatcher may be nil for unbounded
// dispatch.
func NewRuntime(cfg Config, store stream.Store, keys stream.Keys, resolver Resolver, dispatcher *Dispatcher, logger *zap.Logger) *Runtime {
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	return &Runtime{
		cfg:        cfg,
		store:      store,
		keys:       keys,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger.Named("worker").With(zap.String("domain", cfg.Domain), zap.String("consumer", cfg.Consumer)),
	}
}

// Run ensures the consumer group, starts the heartbeat loop, and claims
// tasks until ctx is cancelled. In once mode it returns after the first
// processed task.
func (r *Runtime) Run(ctx context.Context) error {
	taskStream := r.keys.TaskStream(r.cfg.Domain)
	if err := r.store.CreateGroup(ctx, taskStream, r.cfg.Group, stream.GroupStartNew); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	if r.cfg.HBEnabled {
		r.wg.Add(1)
		go r.heartbeatLoop(hbCtx)
	}

	r.logger.Info("worker started", zap.String("group", r.cfg.Group))

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		if r.cfg.DelayedRetry {
			if _, err := r.store.DrainDelayed(ctx, r.keys.DelayedSet(r.cfg.Domain), taskStream, r.cfg.StreamMaxLen); err != nil {
				r.logger.Warn("delayed drain failed", zap.Error(err))
			}
		}

		count := r.cfg.ClaimCount
		if r.cfg.Once {
			count = 1
		}
		msgs, err := r.store.Claim(ctx, taskStream, r.cfg.Group, r.cfg.Consumer, count, r.cfg.ClaimBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("claim failed", zap.Error(err))
			time.Sleep(r.cfg.RetryBackoff)
			continue
		}

		processed := false
		for _, msg := range msgs {
			msg := msg
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.process(ctx, taskStream, msg)
			}()
			processed = true
		}

		if r.cfg.Once && processed {
			break
		}
	}

	r.logger.Info("worker stopping, waiting for in-flight tasks")
	stopHB()
	waitTimeout(&r.wg, r.cfg.InFlightGrace)
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	key := r.keys.HeartbeatKey("worker", r.cfg.Consumer)
	ticker := time.NewTicker(r.cfg.HBInterval)
	defer ticker.Stop()

	r.beat(key)
	for {
		select {
		case <-ticker.C:
			r.beat(key)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) beat(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.Heartbeat(ctx, key, r.cfg.HBTTL); err != nil {
		r.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// opCtx returns a context for publish and ack so an in-flight task can
// finish its bookkeeping after the run context is cancelled.
func (r *Runtime) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// process drives one claimed message through the state machine.
func (r *Runtime) process(ctx context.Context, taskStream string, msg stream.Message) {
	log := r.logger.With(zap.String("msg_id", msg.ID))

	var task Task
	if err := jsonx.Unmarshal(msg.Payload, &task); err != nil {
		log.Error("undecodable task payload", zap.Error(err))
		r.deadLetter(Task{}, msg, 0, fmt.Sprintf("undecodable payload: %v", err))
		r.ack(taskStream, msg.ID, log)
		return
	}
	log = log.With(zap.String("task_id", task.TaskID), zap.String("flow", task.Flow))

	locked, err := r.store.LockAcquire(ctx, r.keys.IdempKey(taskStream, msg.ID), r.cfg.IdempTTL)
	if err != nil {
		log.Warn("idempotency lock check failed, leaving message pending", zap.Error(err))
		return
	}
	if !locked {
		log.Info("duplicate delivery, acking without execution")
		r.ack(taskStream, msg.ID, log)
		return
	}

	agent, err := r.resolver.Resolve(task.Flow)
	if err != nil {
		log.Error("unknown flow", zap.Error(err))
		r.publishResult(Result{TaskID: task.TaskID, Status: ResultError, Error: err.Error()}, log)
		r.deadLetter(task, msg, task.Meta.Attempt, err.Error())
		r.ack(taskStream, msg.ID, log)
		return
	}

	env, runErr := r.invoke(ctx, agent, task)
	if runErr == nil {
		r.publishResult(Result{TaskID: task.TaskID, Status: ResultSuccess, Envelope: &env}, log)
		r.ack(taskStream, msg.ID, log)
		log.Info("task complete", zap.Int("attempt", task.Meta.Attempt))
		return
	}

	if r.shouldRetry(runErr, task.Meta.Attempt) {
		log.Warn("task failed, retrying",
			zap.Int("attempt", task.Meta.Attempt), zap.Error(runErr))
		r.requeue(task, log)
		r.ack(taskStream, msg.ID, log)
		return
	}

	log.Error("task failed terminally",
		zap.Int("attempt", task.Meta.Attempt), zap.Error(runErr))
	r.publishResult(Result{TaskID: task.TaskID, Status: ResultError, Error: runErr.Error()}, log)
	r.deadLetter(task, msg, task.Meta.Attempt, runErr.Error())
	r.ack(taskStream, msg.ID, log)
}

// invoke runs the agent under the dispatcher, converting panics to errors.
func (r *Runtime) invoke(ctx context.Context, agent Agent, task Task) (env envelope.Envelope, err error) {
	submitErr := r.dispatcher.Submit(ctx, task.Flow, func() error {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("agent panic: %v", rec)
			}
		}()
		env, err = agent.Handle(ctx, task)
		return err
	})
	if err == nil && submitErr != nil {
		err = submitErr
	}
	return env, err
}

// shouldRetry classifies a failure. Permission, allowlist, and validation
// errors are terminal. Transient adapter errors retry up to MaxRetries.
// Anything unclassified gets a single retry.
func (r *Runtime) shouldRetry(err error, attempt int) bool {
	if persistence.IsTerminal(err) {
		return false
	}
	if persistence.IsTransient(err) {
		return attempt < r.cfg.MaxRetries
	}
	return attempt < 1 && attempt < r.cfg.MaxRetries
}

// requeue republishes the task with attempt+1, either onto the delayed set
// or after an in-process backoff sleep.
func (r *Runtime) requeue(task Task, log *zap.Logger) {
	task.Meta.Attempt++
	payload, err := jsonx.Marshal(task)
	if err != nil {
		log.Error("requeue encode failed", zap.Error(err))
		return
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	taskStream := r.keys.TaskStream(r.cfg.Domain)
	if r.cfg.DelayedRetry {
		due := time.Now().Add(r.cfg.RetryBackoff)
		if err := r.store.DelayAdd(ctx, r.keys.DelayedSet(r.cfg.Domain), payload, due); err != nil {
			log.Error("delayed requeue failed", zap.Error(err))
		}
		return
	}

	if r.cfg.RetryBackoff > 0 {
		time.Sleep(r.cfg.RetryBackoff)
	}
	if _, err := r.store.Publish(ctx, taskStream, payload, r.cfg.StreamMaxLen); err != nil {
		log.Error("requeue publish failed", zap.Error(err))
	}
}

func (r *Runtime) publishResult(res Result, log *zap.Logger) {
	payload, err := jsonx.Marshal(res)
	if err != nil {
		log.Error("result encode failed", zap.Error(err))
		return
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.store.Publish(ctx, r.keys.ResultStream(r.cfg.Domain), payload, r.cfg.StreamMaxLen); err != nil {
		log.Error("result publish failed", zap.Error(err))
	}
}

func (r *Runtime) deadLetter(task Task, msg stream.Message, attempt int, reason string) {
	if !r.cfg.EnableDLQ {
		return
	}
	entry := DeadLetter{
		Task:     task,
		Reason:   reason,
		Attempt:  attempt,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := jsonx.Marshal(entry)
	if err != nil {
		r.logger.Error("dead letter encode failed", zap.Error(err))
		return
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.store.Publish(ctx, r.keys.DLQStream(r.cfg.Domain), payload, r.cfg.StreamMaxLen); err != nil {
		r.logger.Error("dead letter publish failed", zap.Error(err))
	}
}

func (r *Runtime) ack(taskStream, msgID string, log *zap.Logger) {
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.store.Ack(ctx, taskStream, r.cfg.Group, msgID); err != nil {
		log.Warn("ack failed, message will redeliver", zap.Error(err))
	}
}
