package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	"github.com/urfave/cli/v3"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/config"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/sinks/cxdb"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/sinks/stderr"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/spool"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/transport"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/upload"
	"github.com/strongdm/ai-crashpad/pkg/logging"
)

const name = "crashpad"

// overridden during build with ldflags
var version = "dev"

func newApp(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Inspect and upload pending crash reports",
		Version: version,
		Writer:  w,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML settings file",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "crash reporter directory (install ID, sessions, spool)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "ingestion URL",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "value of the App-Secret header",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars(logging.EnvLogLevel),
				Value:   "warn",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			listCmd(),
			showCmd(),
			uploadCmd(),
			retireCmd(),
			harvestCmd(),
			installIDCmd(),
			sweepCmd(),
		},
	}
}

// loadSettings resolves settings from flags, CRASHPAD_* variables and the
// --config file, in that order.
func loadSettings(cmd *cli.Command) (config.Settings, error) {
	chain := config.Chain{
		config.Map{
			config.KeyDir:      cmd.String("dir"),
			config.KeyEndpoint: cmd.String("endpoint"),
			config.KeyAPIKey:   cmd.String("api-key"),
		},
		config.Env{},
	}
	if path := cmd.String("config"); path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return config.Settings{}, err
		}
		chain = append(chain, file)
	}
	return config.Load(chain)
}

func openStore(cmd *cli.Command) (config.Settings, *spool.Store, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return config.Settings{}, nil, err
	}
	store, err := spool.Open(settings.SpoolDir(), spool.WithCompression(settings.Compression))
	if err != nil {
		return config.Settings{}, nil, err
	}
	return settings, store, nil
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List pending reports",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REPORT ID\tCAPTURED\tKIND\tTYPE\tATTEMPTS")
			for _, id := range ids {
				r, err := store.Load(id)
				if err != nil {
					if errors.Is(err, spool.ErrNotFound) {
						continue
					}
					fmt.Fprintf(tw, "%s\t-\tunreadable\t-\t-\n", id)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.Timestamp.Format(time.RFC3339), r.Fault.Kind, r.Fault.Type, r.Attempts)
			}
			return tw.Flush()
		},
	}
}

func showCmd() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print one pending report",
		ArgsUsage: "<report-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format (json, text)",
				Value: "json",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("report id is required")
			}
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			r, err := store.Load(id)
			if err != nil {
				return err
			}

			out := cmd.Root().Writer
			switch cmd.String("format") {
			case "json":
				doc, err := crashpad.MarshalWire(r)
				if err != nil {
					return err
				}
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, doc, "", "  "); err != nil {
					return err
				}
				pretty.WriteByte('\n')
				_, err = pretty.WriteTo(out)
				return err
			case "text":
				return stderr.New(stderr.WithWriter(out), stderr.WithVerbose()).Write(ctx, r)
			default:
				return fmt.Errorf("unknown output format: %q", cmd.String("format"))
			}
		},
	}
}

func uploadCmd() *cli.Command {
	return &cli.Command{
		Name:  "upload",
		Usage: "Make one delivery pass over the spool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "cxdb-addr",
				Usage: "also mirror delivered reports to the cxdb server at this address",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if settings.Endpoint == "" {
				return fmt.Errorf("%w: %s", config.ErrMissing, config.KeyEndpoint)
			}

			opts := []upload.Option{
				upload.WithEndpoint(settings.Endpoint),
				upload.WithAPIKey(settings.APIKey),
				upload.WithMaxAttempts(settings.MaxAttempts),
				upload.WithMaxAge(settings.MaxAge),
				upload.WithTimeout(settings.UploadTimeout),
				upload.WithConcurrency(settings.Concurrency),
				upload.WithRateLimit(settings.UploadRate),
				upload.WithLogger(slog.Default()),
			}
			if addr := cmd.String("cxdb-addr"); addr != "" {
				client, err := cxdbclient.Dial(addr, cxdbclient.WithClientTag(name))
				if err != nil {
					return fmt.Errorf("connect to cxdb: %w", err)
				}
				defer client.Close()
				opts = append(opts, upload.WithDeliveredSink(cxdb.New(client)))
			}

			poster := transport.NewHTTPClient(
				transport.WithUserAgent(name+"/"+version),
				transport.WithTotalTimeout(settings.UploadTimeout))
			summary, err := upload.New(store, poster, opts...).Run(ctx)

			out := cmd.Root().Writer
			for _, res := range summary.Results {
				if res.Err != nil {
					fmt.Fprintf(out, "%s %s: %v\n", res.ReportID, res.Outcome, res.Err)
				} else {
					fmt.Fprintf(out, "%s %s\n", res.ReportID, res.Outcome)
				}
			}
			fmt.Fprintf(out, "delivered %d, retrying %d, discarded %d\n",
				summary.Count(upload.Delivered), summary.Count(upload.Retrying), summary.Discarded())
			return err
		},
	}
}

func retireCmd() *cli.Command {
	return &cli.Command{
		Name:      "retire",
		Usage:     "Delete a pending report without uploading it",
		ArgsUsage: "<report-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("report id is required")
			}
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Retire(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "retired %s\n", id)
			return nil
		},
	}
}

func harvestCmd() *cli.Command {
	return &cli.Command{
		Name:  "harvest",
		Usage: "Turn crash output of dead processes into pending reports",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			h, err := crashpad.NewHandler(
				crashpad.WithDir(settings.Dir),
				crashpad.WithSink(store),
				crashpad.WithApp(settings.App),
				crashpad.WithMaxFrames(settings.MaxFrames),
				crashpad.WithDefaultScrubbing(),
				crashpad.WithLogger(slog.Default()),
			)
			if err != nil {
				return err
			}
			n, err := h.HarvestSessions(ctx)
			fmt.Fprintf(cmd.Root().Writer, "harvested %d\n", n)
			return err
		},
	}
}

func installIDCmd() *cli.Command {
	return &cli.Command{
		Name:  "install-id",
		Usage: "Print the install ID, creating it if needed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			id, err := crashpad.LoadOrCreateInstallID(settings.InstallIDPath())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, id)
			return nil
		},
	}
}

func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Remove temporary spool files left by interrupted writes",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "only remove files at least this old; 0 removes all",
				Value: time.Hour,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			n, err := store.Sweep(cmd.Duration("older-than"))
			fmt.Fprintf(cmd.Root().Writer, "removed %d\n", n)
			return err
		},
	}
}
