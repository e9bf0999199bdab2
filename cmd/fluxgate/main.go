// Command fluxgate runs the corrective InfluxDB proxy. It fronts a single
// backend, rewrites retention policy and interval selection on the fly and
// applies the configured corrective rules to GET /query traffic
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/olekukonko/tablewriter"

	"fluxgate/internal/adapters/influxdb"
	"fluxgate/internal/config"
	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/guard"
	"fluxgate/internal/core/rpselect"
	"fluxgate/internal/core/rules"
	pconfig "fluxgate/internal/platform/config"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/services/proxy"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var cli struct {
	Configfile string           `help:"Path to the YAML configuration file." type:"path"`
	Foreground bool             `help:"Accepted for compatibility; the proxy always runs in the foreground."`
	Pidfile    string           `help:"Override the configured pidfile path."`
	Logfile    string           `help:"Append logs to this file instead of stdout." type:"path"`
	ShowRules  bool             `help:"List the available corrective rules and quit."`
	Version    kong.VersionFlag `help:"Show version and quit."`

	Start  startCmd  `cmd:"" default:"1" help:"Run the proxy in the foreground."`
	Status statusCmd `cmd:"" help:"Report whether a proxy is running."`
	Stop   stopCmd   `cmd:"" help:"Stop a running proxy."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("fluxgate"),
		kong.Description("Corrective proxy for InfluxDB /query traffic."),
		kong.Vars{"version": "fluxgate " + version},
	)
	if cli.ShowRules {
		showRules()
		return
	}
	ctx.FatalIfErrorf(ctx.Run())
}

// showRules prints the corrective rule table, in pipeline order
func showRules() {
	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"rule", "description"})
	for _, entry := range rules.Known() {
		table.Append([]string{entry[0], entry[1]})
	}
	table.Render()
}

type startCmd struct{}

func (c *startCmd) Run() error {
	opt := logger.FromEnv()
	if cli.Logfile != "" {
		f, err := os.OpenFile(cli.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		opt.Writer = f
		opt.Format = "json"
	}
	logger.Init(opt)
	log := logger.Named("main")

	// env overrides for containerized deployments, FLUXGATE_* beats the file
	env := pconfig.New().Prefix("FLUXGATE_")
	if cli.Configfile == "" {
		cli.Configfile = env.MayString("CONFIGFILE", "")
	}

	cfg, err := config.Load(cli.Configfile)
	if err != nil {
		return err
	}
	cfg.Host = env.MayString("HOST", cfg.Host)
	cfg.Port = env.MayInt("PORT", cfg.Port)
	cfg.BackendHost = env.MayString("BACKEND_HOST", cfg.BackendHost)
	cfg.BackendPort = env.MayInt("BACKEND_PORT", cfg.BackendPort)
	if cli.Pidfile != "" {
		cfg.Pidfile = cli.Pidfile
	}

	if err := writePidfile(cfg.Pidfile); err != nil {
		return err
	}
	defer os.Remove(cfg.Pidfile)

	backend := influxdb.New(influxdb.Config{
		Host:     cfg.BackendHost,
		Port:     cfg.BackendPort,
		User:     cfg.BackendUser,
		Password: cfg.BackendPassword,
		Timeout:  time.Duration(cfg.RequestTimeout),
		Retries:  cfg.BackendRetries,
	})

	overrides, err := cfg.CompiledRetentionPolicies()
	if err != nil {
		return err
	}
	aggregation, err := cfg.CompiledAggregation()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(overrides)
	var lister catalog.Lister
	if cfg.AutoRetrieve() {
		lister = backend
		policies, err := catalog.Discover(ctx, lister, overrides)
		if err != nil {
			// the proxy still forwards everything without a catalog, so a
			// cold backend at boot is not fatal
			log.Warn().Err(err).Msg("catalog discovery failed, starting with configured policies only")
		} else {
			cat.Replace(policies)
		}
	}

	loaded, err := rules.Load(cfg.Rules, backend)
	if err != nil {
		return err
	}

	g := &guard.Guard{
		Selector: &rpselect.Selector{
			Catalog:            cat,
			Aggregation:        aggregation,
			OverrideExplicitRP: cfg.OverrideExplicitRP,
		},
		Rules:              loaded,
		Backend:            backend,
		CounterOverflows:   cfg.CounterOverflows,
		MaxPointsPerQuery:  cfg.MaxNbPointsPerQuery,
		MaxPointsPerSeries: cfg.MaxNbPointsPerSeries,
	}

	svc := proxy.New(proxy.Options{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RequestTimeout: time.Duration(cfg.RequestTimeout),
		Corrector:      g,
		Backend:        backend,
		Catalog:        cat,
		Lister:         lister,
		Overrides:      overrides,
	})

	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.Shutdown(shutdownCtx)
	}
}

type statusCmd struct{}

func (c *statusCmd) Run() error {
	pid, err := readPidfile(pidfilePath())
	if err != nil {
		return fmt.Errorf("fluxgate is not running (%v)", err)
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return fmt.Errorf("fluxgate is not running (stale pidfile, pid %d)", pid)
	}
	fmt.Printf("fluxgate is running (pid %d)\n", pid)
	return nil
}

type stopCmd struct{}

func (c *stopCmd) Run() error {
	pid, err := readPidfile(pidfilePath())
	if err != nil {
		return fmt.Errorf("fluxgate is not running (%v)", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func pidfilePath() string {
	if cli.Pidfile != "" {
		return cli.Pidfile
	}
	cfg, err := config.Load(cli.Configfile)
	if err != nil {
		return config.Default().Pidfile
	}
	return cfg.Pidfile
}

func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := readPidfile(path); err == nil {
		if syscall.Kill(pid, 0) == nil {
			return fmt.Errorf("fluxgate already running (pid %d)", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func readPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("unreadable pidfile %s: %w", path, err)
	}
	return pid, nil
}
