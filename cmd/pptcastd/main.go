package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"
	cli "github.com/jawher/mow.cli"
	"github.com/kardianos/service"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/pptcast/internal/config"
	"github.com/e7canasta/pptcast/internal/control"
	"github.com/e7canasta/pptcast/internal/framesource"
	"github.com/e7canasta/pptcast/internal/health"
	"github.com/e7canasta/pptcast/internal/logging"
	"github.com/e7canasta/pptcast/internal/pipeline/gstengine"
	"github.com/e7canasta/pptcast/internal/registry"
	"github.com/e7canasta/pptcast/internal/session"
)

const (
	appName = "pptcastd"
	appDesc = "presentation streaming server driven over MQTT"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "path to the YAML configuration file (defaults apply when empty)",
		EnvVar: "PPTCAST_CONFIG",
		Value:  "",
	})
	debug := app.Bool(cli.BoolOpt{
		Name:   "d debug",
		Desc:   "enable debug logging",
		EnvVar: "PPTCAST_DEBUG",
		Value:  false,
	})
	broker := app.String(cli.StringOpt{
		Name:   "b broker",
		Desc:   "MQTT broker address, overrides mqtt.broker",
		EnvVar: "PPTCAST_BROKER",
		Value:  "",
	})

	app.Action = func() {
		p := &program{configPath: *configPath, debug: *debug, broker: *broker}
		if err := runService(p, ""); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
			cli.Exit(1)
		}
	}

	app.Command("service", "control the system service", func(cmd *cli.Cmd) {
		cmd.Spec = "ACTION"
		action := cmd.String(cli.StringArg{
			Name: "ACTION",
			Desc: "one of " + fmt.Sprint(service.ControlAction),
		})
		cmd.Action = func() {
			p := &program{configPath: *configPath, debug: *debug, broker: *broker}
			if err := runService(p, *action); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
				cli.Exit(1)
			}
		}
	})

	app.Run(os.Args)
}

// runService runs p under the service manager, or applies a control action
// (install, start, ...) when action is set.
func runService(p *program, action string) error {
	var args []string
	if p.configPath != "" {
		args = append(args, "--config", p.configPath)
	}
	if p.broker != "" {
		args = append(args, "--broker", p.broker)
	}

	svc, err := service.New(p, &service.Config{
		Name:        appName,
		DisplayName: "pptcast streaming server",
		Description: appDesc,
		Arguments:   args,
	})
	if err != nil {
		return fmt.Errorf("service setup failed: %w", err)
	}

	if action == "" {
		return svc.Run()
	}

	if action == "install" {
		figure.NewFigure("pptcast", "", false).Print()
	}
	if err := service.Control(svc, action); err != nil {
		return fmt.Errorf("service %s failed: %w", action, err)
	}
	fmt.Println(appName, action, "ok")
	return nil
}

// program adapts the daemon to the service manager.
type program struct {
	configPath string
	debug      bool
	broker     string

	cfg    *config.Config
	cancel context.CancelFunc
	done   chan error
	logs   io.Closer
}

func (p *program) Start(s service.Service) error {
	cfg, err := p.loadConfig()
	if err != nil {
		return err
	}
	p.cfg = cfg

	logCloser, err := logging.Setup(cfg.Log, p.debug)
	if err != nil {
		return fmt.Errorf("logging setup failed: %w", err)
	}

	slog.Info("starting pptcast",
		"instance_id", cfg.InstanceID,
		"config", p.configPath,
		"broker", cfg.MQTT.Broker,
		"interactive", service.Interactive(),
		"debug", p.debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.logs = logCloser
	p.done = make(chan error, 1)

	go func() {
		err := run(ctx, cfg)
		if ctx.Err() == nil {
			// Stopped on its own, not through Stop
			slog.Error("pptcast stopped unexpectedly", "error", err)
			logCloser.Close()
			os.Exit(1)
		}
		p.done <- err
	}()

	return nil
}

// Stop is called by the service manager, or on SIGINT/SIGTERM when running
// interactively.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	defer p.logs.Close()

	timeout := p.cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	select {
	case err := <-p.done:
		if err != nil {
			slog.Error("shutdown failed", "error", err)
			return err
		}
		slog.Info("pptcast stopped successfully")
		return nil
	case <-time.After(timeout):
		slog.Error("shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown exceeded %v", timeout)
	}
}

func (p *program) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p.configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(p.configPath); err != nil {
		return nil, err
	}
	if p.broker != "" {
		cfg.MQTT.Broker = p.broker
	}
	return cfg, nil
}

// run wires the components and blocks until ctx is cancelled or one of them
// fails.
func run(ctx context.Context, cfg *config.Config) error {
	engine := gstengine.New()
	if err := engine.Init(); err != nil {
		return fmt.Errorf("media engine unavailable: %w", err)
	}

	sources := &framesource.Factory{
		HelperCommand:  cfg.Capture.HelperCommand,
		HelperArgs:     cfg.Capture.HelperArgs,
		HelperEnv:      cfg.HelperEnviron(),
		FramesPerSlide: cfg.Capture.FramesPerSlide,
		Restart: framesource.RestartConfig{
			MaxRetries:    cfg.Capture.MaxRestarts,
			RetryDelay:    time.Duration(cfg.Capture.RestartDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Capture.MaxRestartDelayMS) * time.Millisecond,
		},
	}

	reg := registry.New(session.Config{
		Engine:       engine,
		Sources:      sources,
		PollInterval: cfg.PollInterval(),
		Quality:      cfg.Pipeline.JPEGQuality,
	}, cfg.StopTimeout())

	ctrl, err := control.Start(ctx, cfg.MQTT.Broker, reg, control.Config{
		ClientID:      cfg.MQTT.ClientID,
		InboundTopic:  cfg.MQTT.Topics.Inbound,
		OutboundTopic: cfg.MQTT.Topics.Outbound,
		ControlQoS:    cfg.MQTT.QoS["control"],
		ResponseQoS:   cfg.MQTT.QoS["response"],
		Acks:          cfg.MQTT.Acks,
		QueueSize:     cfg.MQTT.CommandQueue,
	})
	if err != nil {
		return fmt.Errorf("control plane failed to start: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	if cfg.HealthEnabled() {
		status := health.NewServer(cfg.Health.Address, cfg.InstanceID, reg, ctrl)
		group.Go(func() error {
			return status.Run(gctx)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return ctrl.Shutdown()
	})

	return group.Wait()
}
