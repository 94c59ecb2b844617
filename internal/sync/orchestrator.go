package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/auth"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	"github.com/marcus/dqsync/internal/syncclient"
)

// Default loop intervals.
const (
	DefaultPullInterval   = 30 * time.Second
	DefaultPushInterval   = 10 * time.Second
	DefaultStatusInterval = 3 * time.Second
)

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	DeviceID       string
	DeviceName     string
	Platform       string
	InstallationID string

	PullInterval   time.Duration
	PushInterval   time.Duration
	StatusInterval time.Duration
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	PushBatchSize  int
	HistoryRows    int

	Strategy BootstrapStrategy
	Policy   ResolutionPolicy

	// DisableBackground skips the pull, push and status goroutines; SyncNow
	// still works. Used by one-shot CLI commands and tests.
	DisableBackground bool
}

func (c Config) withDefaults() Config {
	if c.InstallationID == "" {
		c.InstallationID = c.DeviceID
	}
	if c.PullInterval <= 0 {
		c.PullInterval = DefaultPullInterval
	}
	if c.PushInterval <= 0 {
		c.PushInterval = DefaultPushInterval
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = syncclient.DefaultTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = DefaultPushBatchSize
	}
	if c.HistoryRows <= 0 {
		c.HistoryRows = db.DefaultHistoryRows
	}
	if c.Strategy == "" {
		c.Strategy = BootstrapStream
	}
	if c.Policy == "" {
		c.Policy = PolicyLastWriterWins
	}
	return c
}

// DeviceRegistrar records this device on connect and observes remote ones.
type DeviceRegistrar interface {
	DeviceObserver
	Register(ctx context.Context, d models.Device) error
}

// BackendFactory builds a backend bound to a token provider.
type BackendFactory func(auth.TokenProvider) Backend

// ClientBackend returns a factory producing HTTP clients for baseURL.
func ClientBackend(baseURL string, timeout time.Duration) BackendFactory {
	return func(tp auth.TokenProvider) Backend {
		return syncclient.New(baseURL, tp, timeout)
	}
}

// Orchestrator owns the connection lifecycle and the background sync loops.
type Orchestrator struct {
	cfg        Config
	store      *db.DB
	newBackend BackendFactory
	devices    DeviceRegistrar

	projector *Projector
	recorder  *Recorder
	resolver  *Resolver
	applier   *batchApplier
	now       func() time.Time

	mu            gosync.Mutex
	state         State
	userID        string
	backend       Backend
	cancel        context.CancelFunc
	connectDone   chan struct{} // closed when the running Connect returns
	generation    uint64        // bumped by Disconnect
	bootstrapping bool
	progress      Progress
	lastPushAt    time.Time
	lastPullAt    time.Time
	lastErr       error

	syncMu   gosync.Mutex // serializes push/pull rounds
	wg       gosync.WaitGroup
	pushCh   chan struct{}
	statusCh chan Status
}

// New wires the recorder, projector and resolver around store. devices may
// be nil.
func New(store *db.DB, cfg Config, newBackend BackendFactory, devices DeviceRegistrar, opts ...RecorderOption) *Orchestrator {
	cfg = cfg.withDefaults()

	var observer DeviceObserver
	if devices != nil {
		observer = devices
	}
	projector := NewProjector(NewConflictDetector(), observer)
	recorder := NewRecorder(store, projector, cfg.DeviceID, opts...)
	resolver := NewResolver(recorder, cfg.Policy, cfg.DeviceID)

	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		newBackend: newBackend,
		devices:    devices,
		projector:  projector,
		recorder:   recorder,
		resolver:   resolver,
		applier:    &batchApplier{projector: projector, resolver: resolver, historyRows: cfg.HistoryRows},
		now:        time.Now,
		state:      StateDisconnected,
		pushCh:     make(chan struct{}, 1),
		statusCh:   make(chan Status, 1),
	}
	recorder.OnRecorded(func(events.Event) { o.TriggerImmediatePush() })
	return o
}

// Recorder returns the event recorder bound to this orchestrator.
func (o *Orchestrator) Recorder() *Recorder {
	return o.recorder
}

// Resolver returns the conflict resolver.
func (o *Orchestrator) Resolver() *Resolver {
	return o.resolver
}

// Connect authenticates, bootstraps an empty replica and starts the
// background loops. A nil provider falls back to the static token. A
// Disconnect while Connect is running cancels the bootstrap, and Connect then
// returns without starting anything.
func (o *Orchestrator) Connect(ctx context.Context, userID, token string, provider auth.TokenProvider) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if o.state != StateDisconnected {
		o.mu.Unlock()
		loopCancel()
		return nil
	}
	o.state = StateConnecting
	o.userID = userID
	o.cancel = func() {
		connCancel()
		loopCancel()
	}
	done := make(chan struct{})
	o.connectDone = done
	gen := o.generation
	if !o.cfg.DisableBackground {
		// Status runs from the start so bootstrap progress is visible.
		o.wg.Add(1)
		go o.statusLoop(loopCtx)
	}
	o.mu.Unlock()
	defer close(done)

	if err := o.connect(connCtx, loopCtx, gen, userID, token, provider); err != nil {
		loopCancel()
		o.mu.Lock()
		o.bootstrapping = false
		if o.generation == gen {
			o.state = StateDisconnected
			o.backend = nil
			o.cancel = nil
			o.lastErr = err
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

func (o *Orchestrator) connect(ctx, loopCtx context.Context, gen uint64, userID, token string, provider auth.TokenProvider) error {
	if provider == nil {
		if token == "" {
			return fmt.Errorf("connect: %w", ErrNotAuthenticated)
		}
		provider = auth.Static(token)
	}
	backend := o.newBackend(provider)
	o.recorder.SetUserID(userID)

	if o.devices != nil {
		now := o.now().UTC()
		err := o.devices.Register(ctx, models.Device{
			ID:           o.cfg.DeviceID,
			UserID:       userID,
			Name:         o.cfg.DeviceName,
			Platform:     o.cfg.Platform,
			FirstSeenAt:  now,
			LastActiveAt: now,
		})
		if err != nil {
			return storageError("register device", err)
		}
	}

	o.mu.Lock()
	o.bootstrapping = true
	o.progress = Progress{}
	o.mu.Unlock()

	boot := o.bootstrapperFor(backend)
	bootstrapped, err := boot.run(ctx, o.cfg.Strategy, o.setProgress)

	o.mu.Lock()
	o.bootstrapping = false
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if bootstrapped {
		slog.Info("replica bootstrapped", "device", o.cfg.DeviceID)
	}

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return fmt.Errorf("connect: %w: disconnected while connecting", ErrNotConnected)
	}
	o.backend = backend
	o.state = StateConnected
	o.lastErr = nil
	if !o.cfg.DisableBackground {
		o.wg.Add(2)
		go o.pullLoop(loopCtx)
		go o.pushLoop(loopCtx)
	}
	o.mu.Unlock()

	o.TriggerImmediatePush()
	slog.Info("sync connected", "user", userID, "device", o.cfg.DeviceID)
	return nil
}

// Disconnect cancels any running Connect, stops the loops and waits for
// in-flight rounds to finish. It is safe to call in any state.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.connectDone
	o.cancel = nil
	o.connectDone = nil
	o.backend = nil
	o.state = StateDisconnected
	o.generation++
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	o.wg.Wait()
}

// TriggerImmediatePush asks the push loop to run now. Requests made while one
// is already queued coalesce.
func (o *Orchestrator) TriggerImmediatePush() {
	select {
	case o.pushCh <- struct{}{}:
	default:
	}
}

// SyncNow runs push, pull, push and reports the first error.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	backend := o.currentBackend()
	if backend == nil {
		return ErrNotConnected
	}
	if _, err := o.runPush(ctx, backend); err != nil {
		return err
	}
	if _, err := o.runPull(ctx, backend); err != nil {
		return err
	}
	_, err := o.runPush(ctx, backend)
	return err
}

// Push uploads pending events once.
func (o *Orchestrator) Push(ctx context.Context) (int, error) {
	backend := o.currentBackend()
	if backend == nil {
		return 0, ErrNotConnected
	}
	return o.runPush(ctx, backend)
}

// Pull applies remote events since the checkpoint once.
func (o *Orchestrator) Pull(ctx context.Context) (BatchResult, error) {
	backend := o.currentBackend()
	if backend == nil {
		return BatchResult{}, ErrNotConnected
	}
	return o.runPull(ctx, backend)
}

// FetchPendingEvents returns local events waiting for upload.
func (o *Orchestrator) FetchPendingEvents(ctx context.Context) ([]events.Event, error) {
	return o.recorder.FetchPendingEvents(ctx)
}

// ResolveConflict settles a conflict by hand and schedules a push for any
// events the resolution recorded.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id int64, keep models.Resolution, md *actor.Metadata) error {
	if err := o.resolver.ResolveConflict(ctx, id, keep, md); err != nil {
		return err
	}
	o.TriggerImmediatePush()
	return nil
}

// Status returns a snapshot of the connection and queue.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		State:         o.state,
		UserID:        o.userID,
		Bootstrapping: o.bootstrapping,
		Progress:      o.progress,
		LastPushAt:    o.lastPushAt,
		LastPullAt:    o.lastPullAt,
		CheckedAt:     o.now().UTC(),
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	o.mu.Unlock()

	conn := o.store.Conn()
	if n, err := db.CountPendingEvents(conn); err == nil {
		st.PendingEvents = n
	} else {
		slog.Debug("status: count pending", "err", err)
	}
	if n, err := db.CountUnresolvedConflicts(conn); err == nil {
		st.OpenConflicts = n
	} else {
		slog.Debug("status: count conflicts", "err", err)
	}
	return st
}

// StatusUpdates publishes a Status every StatusInterval from the start of
// Connect until Disconnect. Slow
// readers only ever see the latest value.
func (o *Orchestrator) StatusUpdates() <-chan Status {
	return o.statusCh
}

func (o *Orchestrator) currentBackend() Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backend
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func (o *Orchestrator) recordResult(err error, push bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.lastErr = err
		}
		return
	}
	o.lastErr = nil
	if push {
		o.lastPushAt = o.now().UTC()
	} else {
		o.lastPullAt = o.now().UTC()
	}
}

func (o *Orchestrator) bootstrapperFor(backend Backend) *bootstrapper {
	return &bootstrapper{
		stream: &StreamBootstrapper{
			backend:        backend,
			store:          o.store,
			applier:        o.applier,
			installationID: o.cfg.InstallationID,
			readTimeout:    o.cfg.ReadTimeout,
		},
		snapshot: &SnapshotBootstrapper{
			backend:        backend,
			store:          o.store,
			installationID: o.cfg.InstallationID,
			now:            o.now,
		},
		replay:  o.pullerFor(backend),
		store:   o.store,
		install: o.cfg.InstallationID,
	}
}

func (o *Orchestrator) pullerFor(backend Backend) *puller {
	return &puller{
		backend:        backend,
		store:          o.store,
		applier:        o.applier,
		installationID: o.cfg.InstallationID,
		deviceID:       o.cfg.DeviceID,
	}
}

func (o *Orchestrator) runPush(ctx context.Context, backend Backend) (int, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	p := &pusher{
		backend:     backend,
		store:       o.store,
		deviceID:    o.cfg.DeviceID,
		batchSize:   o.cfg.PushBatchSize,
		historyRows: o.cfg.HistoryRows,
		now:         o.now,
	}
	n, err := p.pushAll(ctx)
	o.recordResult(err, true)
	return n, err
}

func (o *Orchestrator) runPull(ctx context.Context, backend Backend) (BatchResult, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	res, err := o.pullerFor(backend).pullAll(ctx)
	o.recordResult(err, false)
	if err == nil && (res.Applied > 0 || len(res.ConflictIDs) > 0) {
		slog.Info("pulled", "applied", res.Applied, "skipped", res.Skipped,
			"deferred", res.Deferred, "conflicts", len(res.ConflictIDs))
		// Resolutions may have recorded forward events.
		if len(res.ConflictIDs) > 0 {
			o.TriggerImmediatePush()
		}
	}
	return res, err
}

func (o *Orchestrator) pushLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.pushCh:
		case <-ticker.C:
		}
		backend := o.currentBackend()
		if backend == nil {
			continue
		}
		if _, err := o.runPush(ctx, backend); err != nil && ctx.Err() == nil {
			slog.Warn("push failed", "err", err)
		}
	}
}

func (o *Orchestrator) pullLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		backend := o.currentBackend()
		if backend == nil {
			continue
		}
		if _, err := o.runPull(ctx, backend); err != nil && ctx.Err() == nil {
			slog.Warn("pull failed", "err", err)
		}
	}
}

func (o *Orchestrator) statusLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := o.Status()
		// Keep only the newest status in the buffer.
		select {
		case <-o.statusCh:
		default:
		}
		select {
		case o.statusCh <- st:
		default:
		}
	}
}
