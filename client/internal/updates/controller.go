package updates

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/config"
	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/downloader"
	"github.com/netbirdio/updates/client/internal/updates/launcher"
	"github.com/netbirdio/updates/client/internal/updates/loader"
	"github.com/netbirdio/updates/client/internal/updates/selectionpolicy"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/client/internal/updates/types"
	"github.com/netbirdio/updates/util"
)

// Delegate receives the outcome of remote load attempts started by the Controller
type Delegate interface {
	// ShouldStartLoading is asked before the assets of a newer update are downloaded
	ShouldStartLoading(update *types.Update) bool
	// FinishedLoading is called with the loaded update, or nil when nothing was loaded
	FinishedLoading(update *types.Update)
	FailedLoading(err error)
}

type noopDelegate struct{}

func (noopDelegate) ShouldStartLoading(*types.Update) bool { return true }
func (noopDelegate) FinishedLoading(*types.Update)         {}
func (noopDelegate) FailedLoading(error)                   {}

// Option configures a Controller
type Option func(*Controller)

// WithDelegate sets the delegate notified about remote loads
func WithDelegate(delegate Delegate) Option {
	return func(c *Controller) {
		c.delegate = delegate
	}
}

// WithWifiCheck sets the function reporting whether the device is on an unmetered network.
// Without it WIFI_ONLY behaves like NEVER.
func WithWifiCheck(onWifi func() bool) Option {
	return func(c *Controller) {
		c.onWifi = onWifi
	}
}

// WithShortLived tells the Controller that the process exits once Start returns. A remote check
// Start would not wait for is skipped instead of being cancelled mid request.
func WithShortLived() Option {
	return func(c *Controller) {
		c.shortLived = true
	}
}

// Controller drives the update lifecycle of one process: it seeds the embedded update, checks for
// remote updates, launches the best update and falls back to the embedded bundle when that fails.
type Controller struct {
	cfg       *config.Config
	store     database.Store
	policy    *selectionpolicy.Policy
	loader    *loader.Loader
	launcher  *launcher.Launcher
	emergency *launcher.EmergencyLauncher
	remote    loader.Source
	embedded  *loader.EmbeddedSource
	delegate  Delegate
	onWifi    func() bool

	shortLived bool

	mu       sync.Mutex
	launched *launcher.LaunchDescriptor

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewController wires the update components from cfg. fetcher serves manifests and assets of
// the remote source, it is unused when cfg has no remote URL.
func NewController(cfg *config.Config, store database.Store, fetcher downloader.Fetcher, metrics *telemetry.UpdatesMetrics, opts ...Option) *Controller {
	runtimeVersion := cfg.EffectiveRuntimeVersion()
	policy := selectionpolicy.New(runtimeVersion, cfg.RetainedUpdates)

	c := &Controller{
		cfg:       cfg,
		store:     store,
		policy:    policy,
		loader:    loader.New(store, cfg.UpdatesDir(), runtimeVersion, cfg.MaxParallelDownloads, metrics),
		emergency: launcher.NewEmergencyLauncher(cfg.DataDir, cfg.EmbeddedDir, runtimeVersion, metrics),
		delegate:  noopDelegate{},
	}

	var embedded launcher.AssetSource
	if cfg.EmbeddedDir != "" {
		c.embedded = loader.NewEmbeddedSource(os.DirFS(cfg.EmbeddedDir))
		embedded = c.embedded
	}
	if cfg.RemoteURL != "" {
		c.remote = loader.NewRemoteSource(cfg.RemoteURL, fetcher)
	}
	c.launcher = launcher.New(store, policy, cfg.UpdatesDir(), embedded, metrics)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start prepares the store and returns the descriptor of the update to run. A remote check runs in
// the background when enabled, Start waits for it at most the configured launch wait.
// When no update can be launched the embedded bundle is returned with Emergency set.
func (c *Controller) Start(ctx context.Context) (*launcher.LaunchDescriptor, error) {
	if c.cancel != nil {
		return nil, errors.New("controller already started")
	}
	ctx = util.WithSource(ctx, util.ControllerSource)

	if err := c.store.Open(ctx); err != nil {
		return c.emergencyLaunch(ctx, err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.seedEmbedded(ctx)

	if c.shouldCheckOnLaunch() {
		done := make(chan struct{})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(done)
			c.CheckForUpdate(bgCtx)
		}()
		c.waitForCheck(ctx, done)
	}

	descriptor, err := c.launcher.Launch(ctx)
	if err != nil {
		return c.emergencyLaunch(ctx, err)
	}
	c.setLaunched(descriptor)
	return descriptor, nil
}

func (c *Controller) waitForCheck(ctx context.Context, done <-chan struct{}) {
	wait := c.cfg.LaunchWait()
	if wait <= 0 {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.WithContext(ctx).Infof("update check did not finish within %s, launching the stored update", wait)
	case <-ctx.Done():
	}
}

func (c *Controller) shouldCheckOnLaunch() bool {
	if c.remote == nil {
		return false
	}
	if c.shortLived && c.cfg.LaunchWait() <= 0 {
		return false
	}
	switch c.cfg.CheckOnLaunch {
	case config.CheckAlways:
		return true
	case config.CheckWifiOnly:
		return c.onWifi != nil && c.onWifi()
	default:
		return false
	}
}

// seedEmbedded copies the embedded update into the store when it is newer than every launchable update
func (c *Controller) seedEmbedded(ctx context.Context) {
	if c.embedded == nil {
		return
	}

	updates, err := c.store.AllUpdates(ctx)
	if err != nil {
		log.WithContext(ctx).Warnf("failed to read stored updates: %v", err)
		return
	}
	current := c.policy.LaunchableUpdate(updates)

	res := c.loader.LoadUpdate(ctx, c.embedded, func(update *types.Update) bool {
		return c.policy.ShouldLoadNewUpdate(update, current)
	})
	if res.Err != nil {
		log.WithContext(ctx).Warnf("failed to copy the embedded update: %v", res.Err)
	}
}

// CheckForUpdate loads the remote update when it is newer than the launched one and notifies the delegate
func (c *Controller) CheckForUpdate(ctx context.Context) loader.Result {
	if c.remote == nil {
		return loader.Result{Err: nberrors.Errorf(nberrors.InvalidConfig, "no remote url configured")}
	}
	ctx = util.WithSource(ctx, util.ControllerSource)

	current := c.currentUpdate(ctx)
	res := c.loader.LoadUpdate(ctx, c.remote, func(update *types.Update) bool {
		if !c.policy.MatchesRuntime(update.RuntimeVersion) || !c.policy.ShouldLoadNewUpdate(update, current) {
			return false
		}
		return c.delegate.ShouldStartLoading(update)
	})

	if res.Err != nil {
		c.delegate.FailedLoading(res.Err)
		return res
	}
	c.delegate.FinishedLoading(res.Update)
	return res
}

// currentUpdate returns the launched update or, before a launch, the update a launch would pick
func (c *Controller) currentUpdate(ctx context.Context) *types.Update {
	if descriptor := c.Launched(); descriptor != nil && !descriptor.Emergency {
		return descriptor.LaunchedUpdate
	}

	updates, err := c.store.AllUpdates(ctx)
	if err != nil {
		log.WithContext(ctx).Warnf("failed to read stored updates: %v", err)
		return nil
	}
	return c.policy.LaunchableUpdate(updates)
}

// ReportFatalError marks the launched update as failed and launches the best remaining update,
// or the embedded bundle when none is left.
func (c *Controller) ReportFatalError(ctx context.Context, cause error) (*launcher.LaunchDescriptor, error) {
	ctx = util.WithSource(ctx, util.ControllerSource)

	if descriptor := c.Launched(); descriptor != nil && !descriptor.Emergency {
		id := descriptor.LaunchedUpdate.ID
		log.WithContext(util.WithUpdateID(ctx, id)).Errorf("update %s failed: %v", id, cause)
		if err := c.store.MarkUpdateFailed(ctx, id); err != nil {
			log.WithContext(ctx).Warnf("failed to mark update %s as failed: %v", id, err)
		}
	}

	descriptor, err := c.launcher.Launch(ctx)
	if err != nil {
		return c.emergencyLaunch(ctx, errors.Join(cause, err))
	}
	c.setLaunched(descriptor)
	return descriptor, nil
}

// WatchFatalErrors rolls back every time a fatal error is recorded for the launched update,
// until ctx is done. Other tokens, such as the one of an emergency launch, stay for the next start.
func (c *Controller) WatchFatalErrors(ctx context.Context) error {
	for {
		token, err := c.emergency.Watch(ctx, c.recordedForLaunched)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if _, err := c.ReportFatalError(ctx, errors.New(token.Error)); err != nil {
			log.WithContext(ctx).Errorf("rollback failed: %v", err)
		}
	}
}

func (c *Controller) recordedForLaunched(token *launcher.FatalError) bool {
	descriptor := c.Launched()
	return descriptor != nil && !descriptor.Emergency && token.UpdateID == descriptor.LaunchedUpdate.ID
}

func (c *Controller) emergencyLaunch(ctx context.Context, cause error) (*launcher.LaunchDescriptor, error) {
	descriptor, err := c.emergency.LaunchWithFatalError(ctx, cause)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	c.setLaunched(descriptor)
	return descriptor, nil
}

// RecordFatalError persists a fatal error of updateID for the next start or a running watcher
func (c *Controller) RecordFatalError(ctx context.Context, updateID string, cause error) error {
	return c.emergency.RecordFatalError(ctx, updateID, cause)
}

// ConsumeError returns the fatal error recorded by a previous start, once
func (c *Controller) ConsumeError(ctx context.Context) (*launcher.FatalError, error) {
	return c.emergency.ConsumeError(ctx)
}

// Launched returns the descriptor returned by the last launch
func (c *Controller) Launched() *launcher.LaunchDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launched
}

func (c *Controller) setLaunched(descriptor *launcher.LaunchDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launched = descriptor
}

// Store returns the store the controller works on
func (c *Controller) Store() database.Store {
	return c.store
}

// Stop cancels background work, waits for it and closes the store
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.store.Close()
}
