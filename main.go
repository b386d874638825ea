package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"GoProctorStream/internal/config"
	"GoProctorStream/internal/database"
	"GoProctorStream/internal/logger"
	"GoProctorStream/internal/media"
	"GoProctorStream/internal/proctor"
	"GoProctorStream/internal/testserver"
)

const (
	appName = "GoProctorStream"
	appDesc = "live video proctoring client and mock monitoring backend"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "path to proctor.yaml (searched in ./configs, ../configs and . when empty)",
		EnvVar: "PROCTOR_CONFIG",
		Value:  "",
	})

	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Desc:   "override logging.level",
		EnvVar: "PROCTOR_LOG_LEVEL",
		Value:  "",
	})

	app.Command("client", "run a proctoring session against the monitoring service", func(cmd *cli.Cmd) {
		endpoint := cmd.String(cli.StringOpt{
			Name:  "e endpoint",
			Desc:  "monitoring service base URL, e.g. ws://127.0.0.1:8000",
			Value: "",
		})
		subject := cmd.String(cli.StringOpt{
			Name:  "s subject",
			Desc:  "subject identifier appended to /video",
			Value: "",
		})
		retries := cmd.Int(cli.IntOpt{
			Name:  "retries",
			Desc:  "start a new session after a connectivity failure up to N times (-1 uses retry.max_attempts)",
			Value: -1,
		})
		duration := cmd.String(cli.StringOpt{
			Name:  "d duration",
			Desc:  "stop the session after this long (e.g. 30s); empty runs until the session ends",
			Value: "",
		})

		cmd.Action = func() {
			mgr := loadConfig(*configPath, *logLevel)
			ok, err := runClient(mgr, clientFlags{
				endpoint: *endpoint,
				subject:  *subject,
				retries:  *retries,
				duration: *duration,
			})
			if err != nil {
				log.WithError(err).Error("client failed")
				cli.Exit(1)
			}
			if !ok {
				cli.Exit(2)
			}
		}
	})

	app.Command("server", "run the mock monitoring backend", func(cmd *cli.Cmd) {
		addr := cmd.String(cli.StringOpt{
			Name:  "a addr",
			Desc:  "listen address (overrides server.addr)",
			Value: "",
		})
		terminateAfter := cmd.Int(cli.IntOpt{
			Name:  "terminate-after",
			Desc:  "send TERMINATE_INTERVIEW after N frames (-1 uses server.terminate_after_frames)",
			Value: -1,
		})

		cmd.Action = func() {
			mgr := loadConfig(*configPath, *logLevel)
			if err := runServer(mgr, *addr, *terminateAfter); err != nil {
				log.WithError(err).Error("server failed")
				cli.Exit(1)
			}
		}
	})

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig(path, level string) *config.Manager {
	mgr := config.NewManager(
		config.WithConfigPath(path),
		config.WithWatchEnabled(true),
	)

	cfg, err := mgr.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	if level == "" {
		level = cfg.Logging.Level
	}
	if err := logger.Init(level, cfg.Logging.Format); err != nil {
		log.WithError(err).Fatal("failed to init logger")
	}

	if used := mgr.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Info("config loaded")
	}
	return mgr
}

type clientFlags struct {
	endpoint string
	subject  string
	retries  int
	duration string
}

func (f clientFlags) apply(cfg *config.Config) *config.Config {
	c := *cfg
	if f.endpoint != "" {
		c.Endpoint = f.endpoint
	}
	if f.subject != "" {
		c.SubjectID = f.subject
	}
	if f.retries >= 0 {
		c.Retry.MaxAttempts = f.retries
	}
	return &c
}

// newDriver 按配置选择摄像头驱动
func newDriver(name string) (media.Driver, error) {
	switch name {
	case "synthetic":
		return media.NewSyntheticDriver(), nil
	case "camera":
		if !cameraBuild {
			return nil, errors.New("camera driver not compiled in, rebuild with -tags camera")
		}
		return media.NewCameraDriver(), nil
	default:
		return nil, fmt.Errorf("unknown camera driver %q", name)
	}
}

// runClient 运行监考会话直到会话结束或收到退出信号
// 返回值 ok 表示会话以 Closed 或 Terminated 结束
func runClient(mgr *config.Manager, flags clientFlags) (bool, error) {
	base, err := mgr.Get()
	if err != nil {
		return false, err
	}
	cfg := flags.apply(base)

	driver, err := newDriver(cfg.Camera.Driver)
	if err != nil {
		return false, err
	}

	ctrl := proctor.NewController(media.NewManager(driver), proctor.OptionsFromConfig(cfg))
	mgr.OnChange(func(next *config.Config) {
		ctrl.SetOptions(proctor.OptionsFromConfig(flags.apply(next)))
		log.Info("config changed, applies to the next session")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.duration != "" {
		d, err := time.ParseDuration(flags.duration)
		if err != nil {
			return false, fmt.Errorf("invalid duration: %w", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var final proctor.Snapshot
	finished := make(chan struct{})

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(finished)
		snap, err := runSessions(gctx, ctrl, cfg)
		final = snap
		return err
	})

	group.Go(func() error {
		select {
		case <-gctx.Done():
			log.Info("stopping session")
		case <-finished:
		}
		ctrl.Shutdown()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, proctor.ErrControllerClosed) {
		return false, err
	}

	fields := log.Fields{
		"session_id": final.ID,
		"state":      final.State.String(),
		"frames":     final.Frames.Sent,
		"dropped":    final.Frames.Dropped,
	}
	if final.TerminationReason != "" {
		fields["reason"] = final.TerminationReason
	}
	log.WithFields(fields).Info(final.Message())

	return final.State == proctor.StateClosed || final.State == proctor.StateTerminated, nil
}

// runSessions 连接类失败时创建新会话重试，强制结束和摄像头错误不重试
func runSessions(ctx context.Context, ctrl *proctor.Controller, cfg *config.Config) (proctor.Snapshot, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.Retry.InitialInterval
	expo.MaxInterval = cfg.Retry.MaxInterval
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(cfg.Retry.MaxAttempts)),
		ctx,
	)

	var last proctor.Snapshot
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		s, err := ctrl.StartSession(cfg.SubjectID)
		if err != nil {
			return backoff.Permanent(err)
		}

		log.WithFields(log.Fields{
			"session_id": s.ID,
			"attempt":    attempt,
			"endpoint":   cfg.Endpoint,
		}).Info("session started")

		// 会话由自身结束，或由 Shutdown 停止
		last, _ = s.Wait(context.Background())

		if ctx.Err() == nil && retryable(last) {
			return last.LastError
		}
		return nil
	}, policy, func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("session failed, starting a new one")
	})

	if ctx.Err() != nil {
		// 收到退出信号或到达运行时长
		return last, nil
	}
	if err != nil && last.LastError != nil && errors.Is(err, last.LastError) {
		// 重试次数用尽，结果体现在快照中
		return last, nil
	}
	return last, err
}

// retryable 只有连接类失败会重试
func retryable(snap proctor.Snapshot) bool {
	if snap.State != proctor.StateErrored || snap.LastError == nil {
		return false
	}
	switch snap.LastError.Kind {
	case proctor.ConnectionLost, proctor.ConnectFailed:
		return true
	case proctor.Timeout:
		return errors.Is(snap.LastError, proctor.ErrConnectTimeout)
	default:
		return false
	}
}

// runServer 运行模拟监考后端直到收到退出信号
func runServer(mgr *config.Manager, addr string, terminateAfter int) error {
	cfg, err := mgr.Get()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if terminateAfter < 0 {
		terminateAfter = cfg.Server.TerminateAfterFrames
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := database.Open(ctx, database.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	defer journal.Close()

	srvCfg := testserver.DefaultServerConfig(addr)
	srvCfg.TerminateAfterFrames = terminateAfter
	srvCfg.TerminateReason = cfg.Server.TerminateReason
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srvCfg.MaxConnections = cfg.Server.MaxConnections
	srvCfg.Journal = journal

	group, gctx := errgroup.WithContext(ctx)

	var broadcaster *logger.Broadcaster
	if cfg.Server.EnableLogStream {
		level, err := log.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = log.InfoLevel
		}
		broadcaster = logger.NewBroadcaster(level)
		log.AddHook(broadcaster)
		srvCfg.LogStream = broadcaster

		group.Go(func() error {
			broadcaster.Run()
			return nil
		})
	}

	srv := testserver.New(srvCfg)
	if err := srv.Start(); err != nil {
		if broadcaster != nil {
			broadcaster.Stop()
		}
		return err
	}

	log.WithFields(log.Fields{
		"video":  srv.URL() + "/video/{subjectId}",
		"stats":  "http://" + srv.Addr() + "/stats",
		"logs":   cfg.Server.EnableLogStream,
		"policy": terminateAfter,
	}).Info("mock monitoring backend ready")

	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if broadcaster != nil {
			broadcaster.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
