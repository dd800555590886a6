package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goforj/godump"
	"github.com/luccadibe/wpfleet/internal/api"
	"github.com/luccadibe/wpfleet/internal/config"
	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/packages"
	"github.com/luccadibe/wpfleet/internal/queue"
	"github.com/luccadibe/wpfleet/internal/report"
	"github.com/luccadibe/wpfleet/internal/scan"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "wpfleet",
		Usage: "manage WordPress sites across cPanel and Plesk servers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "wpfleet.yaml",
				Usage:   "path to the configuration file",
				Sources: cli.EnvVars("WPFLEET_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			serveCommand(),
			scanCommand(),
			execCommand(),
			packagesCommand(),
			siteCommand(),
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write a default configuration file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GetDefaultConfigFile()), 0o644); err != nil {
				return fmt.Errorf("error writing configuration file: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the API, the package job queue and scheduled scans",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd.String("config"), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.queue.Start(ctx)
			sched := &scan.Scheduler{
				Scanner:  a.scanner,
				Servers:  a.store,
				Checker:  a.versionChecker(),
				Interval: a.cfg.Scan.IntervalDuration(),
				Logger:   a.logger,
			}
			go sched.Run(ctx)

			srv := api.New(ctx, a.cfg.Listen, api.Deps{
				Store:     a.store,
				Queue:     a.queue,
				Executor:  a.executor,
				Uploads:   a.uploads,
				Inventory: a.inventory,
				Scanner:   a.scanner,
				Events:    a.events,
				Metrics:   a.metrics,
				Logger:    a.logger,
			})
			err = srv.Run(ctx)
			a.logger.Info("waiting for running package jobs")
			a.queue.Wait()
			return err
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "scan servers for WordPress installations",
		ArgsUsage: "[server-id...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd.String("config"), eventPrinter{w: os.Stdout})
			if err != nil {
				return err
			}
			defer a.Close()

			ids := cmd.Args().Slice()
			if len(ids) == 0 {
				servers, err := a.store.ListServers(ctx)
				if err != nil {
					return err
				}
				for _, s := range servers {
					ids = append(ids, s.ID)
				}
			}
			var failed []string
			for _, id := range ids {
				if _, err := a.scanner.RunServerScanByID(ctx, id); err != nil {
					failed = append(failed, fmt.Sprintf("%s: %v", id, err))
				}
			}
			if a.checker != nil {
				if err := a.checker.RunIfNeeded(ctx); err != nil {
					a.logger.Warn("version check failed", "error", err)
				}
			}
			if len(failed) > 0 {
				return errors.New(strings.Join(failed, "; "))
			}
			return nil
		},
	}
}

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run a shell command on a server",
		ArgsUsage: "<server-id> <command...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tty", Aliases: []string{"t"}, Usage: "allocate a terminal and attach stdin"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "command timeout, 0 for none"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() < 2 {
				return errors.New("usage: wpfleet exec <server-id> <command...>")
			}
			a, err := newApp(ctx, cmd.String("config"), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := a.store.GetServer(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			client, err := a.dialer.Dial(ctx, server.Host)
			if err != nil {
				return err
			}
			defer client.Close()

			req := execution.CommandRequest{
				Command:        strings.Join(cmd.Args().Tail(), " "),
				Timeout:        cmd.Duration("timeout"),
				Stdout:         os.Stdout,
				Stderr:         os.Stderr,
				DisableCapture: true,
			}
			if cmd.Bool("tty") {
				req.UsePTY = true
				req.Stdin = os.Stdin
			}
			res, err := client.RunCommand(ctx, req)
			if err != nil {
				return err
			}
			if !res.Success() {
				return cli.Exit("", max(res.ExitCode, 1))
			}
			return nil
		},
	}
}

var kindFlag = &cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Value: "plugins", Usage: "plugins or themes"}

func packagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "packages",
		Usage: "inspect and change installed plugins and themes",
		Commands: []*cli.Command{
			{
				Name:  "installed",
				Usage: "list installed packages across the fleet",
				Flags: []cli.Flag{kindFlag, &cli.BoolFlag{Name: "csv", Usage: "write CSV instead of a table"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, list, err := loadInventory(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.Close()
					if cmd.Bool("csv") {
						return report.WriteCSV(os.Stdout, list)
					}
					return printInventory(os.Stdout, list)
				},
			},
			{
				Name:  "report",
				Usage: "render a chart of outdated installations per package",
				Flags: []cli.Flag{
					kindFlag,
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "outdated.png", Usage: "output file (.png, .svg or .pdf)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, list, err := loadInventory(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.Close()
					title := "Outdated " + cmd.String("kind")
					if err := report.RenderOutdated(title, list, report.DefaultLimit, cmd.String("out")); err != nil {
						return err
					}
					fmt.Printf("Chart saved to: %s\n", cmd.String("out"))
					return nil
				},
			},
			{
				Name:      "upload",
				Usage:     "register plugin or theme ZIP archives",
				ArgsUsage: "<file.zip...>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() == 0 {
						return errors.New("no archives given")
					}
					a, err := newApp(ctx, cmd.String("config"), eventPrinter{w: os.Stdout})
					if err != nil {
						return err
					}
					defer a.Close()
					files := make([]packages.UploadFile, 0, cmd.NArg())
					for _, p := range cmd.Args().Slice() {
						files = append(files, packages.UploadFile{Name: p, Path: p})
					}
					if sum := a.uploads.RegisterBatch(ctx, files); sum.Failed > 0 {
						return fmt.Errorf("%d of %d archives failed", sum.Failed, sum.Total)
					}
					return nil
				},
			},
			{
				Name:      "apply",
				Usage:     "run one package operation on sites",
				ArgsUsage: "<install|update|activate|deactivate|delete> <slug> <installation-id...>",
				Flags: []cli.Flag{
					kindFlag,
					&cli.StringFlag{Name: "source", Usage: "override the package source (wordpress.org or external)"},
				},
				Action: applyAction,
			},
		},
	}
}

func loadInventory(ctx context.Context, cmd *cli.Command) (*app, []packages.InstalledPackage, error) {
	kind, err := models.ParseKind(cmd.String("kind"))
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cmd.String("config"), nil)
	if err != nil {
		return nil, nil, err
	}
	list, err := a.inventory.Installed(ctx, kind)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, list, nil
}

func printInventory(w io.Writer, list []packages.InstalledPackage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tTITLE\tSOURCE\tLATEST\tSITES\tOUTDATED")
	for _, pkg := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			pkg.Slug, pkg.Title, pkg.Source, pkg.LatestVersion, pkg.TotalInstallations, pkg.OutdatedCount)
	}
	return tw.Flush()
}

// applyAction queues install and update through a local queue and polls the
// run snapshot until it completes; the other operations run directly.
func applyAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() < 3 {
		return errors.New("usage: wpfleet packages apply <operation> <slug> <installation-id...>")
	}
	op, err := packages.ParseOperation(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	kind, err := models.ParseKind(cmd.String("kind"))
	if err != nil {
		return err
	}
	slug := cmd.Args().Get(1)
	sites := cmd.Args().Slice()[2:]

	a, err := newApp(ctx, cmd.String("config"), eventPrinter{w: os.Stdout})
	if err != nil {
		return err
	}
	defer a.Close()

	var source models.Source
	if v := cmd.String("source"); v != "" {
		if source, err = models.ParseSource(v); err != nil {
			return err
		}
	}
	reqs := make([]packages.Request, 0, len(sites))
	for _, id := range sites {
		reqs = append(reqs, packages.Request{
			InstallationID: id, Kind: kind, Slug: slug, Operation: op, Source: source,
		})
	}

	if !op.Queued() {
		sum := a.executor.ExecuteActions(ctx, a.locks, reqs)
		for _, out := range sum.Results {
			fmt.Printf("%s: %s %s\n", out.InstallationID, out.Status, out.Message)
		}
		if sum.Failed > 0 {
			return fmt.Errorf("%d of %d operations failed", sum.Failed, sum.Total)
		}
		return nil
	}

	jobs := make([]queue.JobInput, 0, len(reqs))
	for _, req := range reqs {
		input := queue.JobInput{Request: req}
		if inst, err := a.store.GetInstallation(ctx, req.InstallationID); err == nil {
			input.SiteTitle = inst.Title()
		}
		jobs = append(jobs, input)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	a.queue.Start(runCtx)
	res, err := a.queue.Enqueue(jobs)
	if err != nil {
		return err
	}
	if res.Accepted == 0 {
		return errors.New("no jobs accepted")
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		snap := a.queue.Snapshot()
		if !snap.IsComplete {
			continue
		}
		stop()
		a.queue.Wait()
		if snap.Failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", snap.Failed, snap.Total)
		}
		return nil
	}
}

func siteCommand() *cli.Command {
	return &cli.Command{
		Name:  "site",
		Usage: "inspect installations",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "list the installations of a server",
				ArgsUsage: "<server-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := newApp(ctx, cmd.String("config"), nil)
					if err != nil {
						return err
					}
					defer a.Close()
					list, err := a.store.ListInstallations(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTITLE\tURL\tPHP\tPATH")
					for _, inst := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Title(), inst.SiteURL, inst.PHPVersion, inst.Path)
					}
					return tw.Flush()
				},
			},
			{
				Name:      "show",
				Usage:     "show one installation and its packages",
				ArgsUsage: "<installation-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "dump every recorded field"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := newApp(ctx, cmd.String("config"), nil)
					if err != nil {
						return err
					}
					defer a.Close()
					out, err := describeSite(ctx, a, cmd.Args().First(), cmd.Bool("verbose"))
					if err != nil {
						return err
					}
					fmt.Print(out)
					return nil
				},
			},
		},
	}
}

func describeSite(ctx context.Context, a *app, id string, verbose bool) (string, error) {
	inst, err := a.store.GetInstallation(ctx, id)
	if err != nil {
		return "", err
	}
	plugins, err := a.store.ListPackages(ctx, id, models.KindPlugin)
	if err != nil {
		return "", err
	}
	themes, err := a.store.ListPackages(ctx, id, models.KindTheme)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Site: %s\n", inst.Title())
	fmt.Fprintf(&out, "URL: %s\n", inst.SiteURL)
	fmt.Fprintf(&out, "Path: %s (%s on %s)\n", inst.Path, inst.UnixUsername, inst.ServerID)
	fmt.Fprintf(&out, "PHP: %s, memory limit %s\n", inst.PHPVersion, inst.PHPMemoryLimit)
	if inst.LastScanAt != nil {
		fmt.Fprintf(&out, "Last scan: %s\n", inst.LastScanAt.Format(time.RFC3339))
	}
	for _, group := range []struct {
		name string
		pkgs []models.Package
	}{{"Plugins", plugins}, {"Themes", themes}} {
		fmt.Fprintf(&out, "%s (%d):\n", group.name, len(group.pkgs))
		for _, p := range group.pkgs {
			state := "inactive"
			if p.Enabled {
				state = "active"
			}
			line := fmt.Sprintf("  %s %s [%s, %s]", p.Slug, p.Version, state, p.Source)
			if p.LatestVersion != "" && p.LatestVersion != p.Version {
				line += " latest " + p.LatestVersion
			}
			out.WriteString(line + "\n")
		}
	}
	if verbose {
		out.WriteString("Record: " + godump.DumpStr(inst) + "\n")
	}
	return out.String(), nil
}

// eventPrinter writes broadcast events as log lines for CLI commands.
type eventPrinter struct {
	w io.Writer
}

func (p eventPrinter) Publish(ev events.Event) {
	prefix := "  "
	if ev.Type == events.TypeError {
		prefix = "! "
	}
	if ev.Type == events.TypeProgress && ev.Channel == events.ChannelScan {
		return
	}
	fmt.Fprintf(p.w, "%s[%s] %s\n", prefix, ev.Channel, ev.Message)
}
