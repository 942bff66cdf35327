package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"amdgpu-fancontrol/internal/config"
	"amdgpu-fancontrol/internal/fancontrol"
	"amdgpu-fancontrol/internal/web"
)

type options struct {
	configPath string
	logLevel   string
	once       bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logrus.Fatalf("config load failed: %v", err)
	}

	log, err := newLogger(cfg.Log, opts.logLevel)
	if err != nil {
		logrus.Fatalf("logger setup failed: %v", err)
	}
	log.WithField("config", opts.configPath).Info("amdgpu-fancontrol starting")

	cards, err := openCards(afero.NewOsFs(), cfg, log)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	if opts.once {
		if err := runOnce(cards); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	var srv *web.Server
	if cfg.Status.Enable {
		sources := make([]web.CardSource, 0, len(cards))
		for _, c := range cards {
			sources = append(sources, c)
		}
		srv = web.NewServer(web.NewStatus(sources), log)
	}

	if err := runCards(context.Background(), cards, srv, cfg.Status.Listen, log); err != nil {
		log.Fatalf("amdgpu-fancontrol stopped: %v", err)
	}
	log.Info("amdgpu-fancontrol stopped")
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("amdgpu-fancontrol", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to YAML config")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log.level from the config (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.once, "once", false, "run a single adjustment per card, restore hardware control and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func newLogger(cfg config.LogConfig, levelOverride string) (*logrus.Logger, error) {
	level := cfg.Level
	if levelOverride != "" {
		level = levelOverride
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// openCards constructs a controller for every configured card. A card that
// cannot be found aborts startup.
func openCards(fs afero.Fs, cfg config.Config, log *logrus.Logger) ([]*fancontrol.Card, error) {
	cards := make([]*fancontrol.Card, 0, len(cfg.Cards))
	for _, name := range cfg.Cards {
		c, err := fancontrol.New(fs, name, cfg.CardPath(name), fancontrol.Config{
			EndpointPath:   cfg.EndpointPath,
			MonitoringPath: cfg.MonitoringPath,
			Window:         cfg.MeasurementWindow,
			Interval:       cfg.Interval,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("couldn't find card %s: %w", name, err)
		}
		if bad := c.UnwritableAttrs(); len(bad) > 0 {
			log.WithFields(logrus.Fields{"card": name, "endpoints": bad}).
				Warn("endpoints are not writable by this process; fan control will fail")
		}
		log.WithFields(logrus.Fields{
			"card":       name,
			"endpoints":  c.EndpointPath(),
			"monitoring": c.MonitoringPath(),
		}).Info("card found")
		cards = append(cards, c)
	}
	return cards, nil
}

func runOnce(cards []*fancontrol.Card) error {
	var errs []error
	for _, c := range cards {
		if err := c.Once(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runCards runs one control loop per card until a signal arrives, ctx is
// done, or any loop fails. Every loop restores hardware control before
// runCards returns.
func runCards(ctx context.Context, cards []*fancontrol.Card, srv *web.Server, listen string, log logrus.FieldLogger) error {
	// Bound before any card claims control. Serve on a closed listener
	// returns at once, so an early interrupt cannot leave it running.
	var ln net.Listener
	if srv != nil {
		var err error
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("status api listen %s: %w", listen, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	for _, c := range cards {
		c := c
		g.Add(func() error {
			return c.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if srv != nil {
		g.Add(func() error {
			return srv.Serve(ln)
		}, func(error) {
			_ = ln.Close()
			if err := srv.Shutdown(); err != nil {
				log.WithError(err).Warn("status api shutdown failed")
			}
		})
	}

	err := g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		log.WithField("signal", sigErr.Signal.String()).Info("shutting down")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
