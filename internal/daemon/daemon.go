// Package daemon hosts one camera pipeline behind a Unix-socket control
// surface, keeps a metrics snapshot on disk and reloads safe config fields
// while streaming.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/lock"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/uds"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMetricsInterval = 5 * time.Second
)

// Daemon is the camcore daemon process.
type Daemon struct {
	dir        string
	configPath string
	logger     *log.Logger
	logFile    io.Closer
	logLevel   atomic.Int32

	cfgMu  sync.Mutex
	config model.Config

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	pipeline *Pipeline
	journal  *events.Journal

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
	forceExit atomic.Bool
}

// New creates a Daemon for dir, logging to dir/logs/camcore.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "camcore.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(w, "", 0)
	level := model.ParseLogLevel(cfg.Logging.Level)

	d := &Daemon{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		logger:     logger,
		logFile:    closer,
		config:     cfg,
		fileLock:   lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), logger, level),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.logLevel.Store(int32(level))
	return d
}

// Run starts the daemon and blocks until a signal or a shutdown request
// has been handled.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings the daemon up without waiting for signals.
func (d *Daemon) Start() error {
	// Step 1: single instance per directory
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.log(model.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: pipeline
	p, err := NewPipeline(d.currentConfig(), d.logger, d.level())
	if err != nil {
		d.cleanup()
		return fmt.Errorf("build pipeline: %w", err)
	}
	d.pipeline = p

	j, err := events.OpenJournal(JournalPath(d.dir), 0)
	if err != nil {
		d.pipeline.Close()
		d.cleanup()
		return fmt.Errorf("open event journal: %w", err)
	}
	d.journal = j
	p.AttachJournal(j)

	// Step 3: config watcher. The directory is watched so editors that
	// replace the file by rename are still seen.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.pipeline.Close()
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.dir); err != nil {
		d.pipeline.Close()
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}

	// Step 4: control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.pipeline.Close()
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	// Step 5: streaming
	if err := d.pipeline.Start(); err != nil {
		d.server.Stop()
		d.pipeline.Close()
		d.cleanup()
		return fmt.Errorf("start pipeline: %w", err)
	}

	// Step 6: background loops
	interval := time.Duration(d.currentConfig().Daemon.MetricsIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	d.ticker = time.NewTicker(interval)
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.metricsLoop()

	d.log(model.LogLevelInfo, "daemon ready")
	return nil
}

// Done is closed once shutdown has begun.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.configPath) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig applies the fields that are safe to change while streaming:
// the TNR gain table and the log level of the daemon and its UDS server. A config that fails to load
// is ignored.
func (d *Daemon) reloadConfig() {
	cfg, err := model.Load(d.configPath)
	if err != nil {
		d.log(model.LogLevelWarn, "config reload ignored: %v", err)
		return
	}

	d.cfgMu.Lock()
	old := d.config
	d.config.TNR = cfg.TNR
	d.config.Logging = cfg.Logging
	d.cfgMu.Unlock()

	if !reflect.DeepEqual(old.TNR, cfg.TNR) {
		d.pipeline.SetGainTable(cfg.TNR.GainTable)
		d.log(model.LogLevelInfo, "tnr gain table reloaded entries=%d", len(cfg.TNR.GainTable))
	}
	if old.Logging.Level != cfg.Logging.Level {
		d.logLevel.Store(int32(model.ParseLogLevel(cfg.Logging.Level)))
		d.server.SetLogLevel(d.level())
		d.log(model.LogLevelInfo, "log level now %s", d.level())
	}
	if restartOnlyChanged(old, cfg) {
		d.log(model.LogLevelWarn, "camera, sequencer, scheduler, backend or daemon settings changed; restart to apply")
	}
}

func restartOnlyChanged(a, b model.Config) bool {
	return !reflect.DeepEqual(a.Camera, b.Camera) ||
		!reflect.DeepEqual(a.Sequencer, b.Sequencer) ||
		!reflect.DeepEqual(a.Scheduler, b.Scheduler) ||
		!reflect.DeepEqual(a.Backend, b.Backend) ||
		!reflect.DeepEqual(a.Daemon, b.Daemon)
}

func (d *Daemon) metricsLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			if err := writeMetrics(d.dir, d.snapshot()); err != nil {
				d.log(model.LogLevelWarn, "write metrics: %v", err)
			}
		}
	}
}

func (d *Daemon) snapshot() Snapshot {
	snap := d.pipeline.Snapshot()
	snap.Pid = os.Getpid()
	snap.StartedAt = d.startedAt.Format(time.RFC3339)
	return snap
}

// waitSignals blocks until SIGTERM/SIGINT or a shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		d.Shutdown()
	}
}

// Shutdown stops the daemon. It is idempotent and safe from any goroutine
// except a UDS handler, which must call it asynchronously.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")

		// 1. Stop accepting work
		d.cancel()
		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.server.Stop()

		// 2. Drain the pipeline and background loops within the timeout
		timeout := time.Duration(d.currentConfig().Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		done := make(chan struct{})
		go func() {
			if d.pipeline != nil {
				d.pipeline.Stop()
			}
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(model.LogLevelInfo, "pipeline drained")
		case <-time.After(timeout):
			d.log(model.LogLevelWarn, "shutdown timeout after %s, some buffers may not have been returned", timeout)
		}

		// 3. Final snapshot
		if d.pipeline != nil {
			if err := writeMetrics(d.dir, d.snapshot()); err != nil {
				d.log(model.LogLevelWarn, "write final metrics: %v", err)
			}
			d.pipeline.Close()
		}

		d.log(model.LogLevelInfo, "daemon stopped")
		d.cleanup()
	})
}

// JournalPath is the JSONL event journal of the daemon in dir.
func JournalPath(dir string) string {
	return filepath.Join(dir, "logs", "events.jsonl")
}

func (d *Daemon) cleanup() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log(model.LogLevelWarn, "close event journal: %v", err)
		}
	}
	os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) currentConfig() model.Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.config
}

func (d *Daemon) level() model.LogLevel {
	return model.LogLevel(d.logLevel.Load())
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	model.Logf(d.logger, d.level(), level, "daemon", format, args...)
}
