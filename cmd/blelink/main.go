package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "blelink"
	app.Usage = "Scan, connect and talk GATT to BLE peripherals"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/blelink/config.yaml)"},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan surrounding peripherals with the given filter",
			Action:  cmdScan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Usage: "scan duration (default from config)"},
				cli.StringSliceFlag{Name: "name, n", Usage: "peripheral name, repeatable"},
				cli.StringFlag{Name: "addr, a", Usage: "peripheral address"},
				cli.StringSliceFlag{Name: "svc, s", Usage: "advertised service UUID, repeatable"},
				cli.BoolFlag{Name: "fuzzy", Usage: "match names as substrings"},
				cli.StringFlag{Name: "out, o", Usage: "write the summary snapshot to this file (default: record_path)"},
				cli.BoolFlag{Name: "auto-connect", Usage: "connect to the first match and hold the link"},
			},
		},
		{
			Name:    "connect",
			Aliases: []string{"c"},
			Usage:   "Connect to a peripheral and run GATT operations",
			Action:  cmdConnect,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr, a", Usage: "peripheral address"},
				cli.IntFlag{Name: "mtu", Usage: "request this MTU after connecting"},
				cli.BoolFlag{Name: "rssi", Usage: "read the link RSSI"},
				cli.StringSliceFlag{Name: "read", Usage: "read svc/char, repeatable"},
				cli.StringSliceFlag{Name: "write", Usage: "write svc/char=hex, repeatable"},
				cli.StringSliceFlag{Name: "notify", Usage: "subscribe to notifications on svc/char, repeatable"},
				cli.StringSliceFlag{Name: "indicate", Usage: "subscribe to indications on svc/char, repeatable"},
				cli.DurationFlag{Name: "hold, d", Usage: "keep the link open this long (0: until interrupted when subscribed)"},
			},
		},
		{
			Name:      "show",
			Usage:     "Print a scan snapshot",
			ArgsUsage: "[file]",
			Action:    cmdShow,
		},
		{
			Name:  "config",
			Usage: "Manage the config file",
			Subcommands: []cli.Command{
				{
					Name:   "init",
					Usage:  "Write the default config file",
					Action: cmdConfigInit,
				},
			},
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blelink: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the logger.
func setup(c *cli.Context) error {
	loaded, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return errors.Wrap(err, "can't load config")
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		loaded.LogLevel = lvl
	}
	if err := loaded.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	cfg = loaded

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		loaded, err := config.Load(defaultPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", defaultPath)
		}
		return loaded, nil
	}
	return config.Default(), nil
}

// newEngine powers on the default radio and wraps it in an engine.
func newEngine() (*ble.Engine, error) {
	eng := ble.New(ble.NewTinyGoAdapter(), cfg.Options())
	if !eng.IsSupported() {
		return nil, errors.New("no BLE adapter on this host")
	}
	if err := eng.Enable(); err != nil {
		return nil, errors.Wrap(err, "can't enable adapter")
	}
	return eng, nil
}

// withSigHandler cancels ctx on SIGINT or SIGTERM.
func withSigHandler(ctx context.Context, cancel context.CancelFunc) context.Context {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// holdContext bounds a command by d, or only by signals when d is zero.
func holdContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		return withSigHandler(ctx, cancel), cancel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return withSigHandler(ctx, cancel), cancel
}

func chkErr(err error) error {
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		// Requested duration passed, which is the expected case.
		return nil
	case context.Canceled:
		fmt.Printf("\n(Canceled)\n")
		return nil
	}
	return err
}

func cmdConfigInit(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return errors.Wrap(err, "can't write default config")
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
