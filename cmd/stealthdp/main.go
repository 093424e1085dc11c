// Command stealthdp launches stealth browser sessions through chromedriver.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chromedp/stealthdp"
	"github.com/chromedp/stealthdp/client"
	"github.com/chromedp/stealthdp/config"
	"github.com/chromedp/stealthdp/runner"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app is the state shared by the subcommands, set up before each runs.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *log.Logger
}

func newRootCommand() *cobra.Command {
	a := new(app)
	root := &cobra.Command{
		Use:           "stealthdp",
		Short:         "Drive Chrome through chromedriver with a stealth profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path of a TOML config file")
	flags.StringVar(&a.envFile, "env-file", "", "path of a dotenv file with environment overrides")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text or json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		return a.setup(cmd)
	}
	root.AddCommand(
		newOpenCommand(a),
		newPlanCommand(a),
		newStatusCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadWithEnvFile(a.configPath, a.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	logger := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Prefix:          "stealthdp",
		Level:           level,
		ReportTimestamp: true,
	})
	switch cfg.Log.Format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "text", "":
	default:
		return fmt.Errorf("log format: unknown format %q", cfg.Log.Format)
	}

	a.cfg, a.logger = cfg, logger
	logger.With("command", cmd.Name()).Debug("command invocation")
	return nil
}

// options returns the library options of the loaded config.
func (a *app) options() []stealthdp.Option {
	return append([]stealthdp.Option{stealthdp.WithLogger(a.logger)}, a.cfg.Options()...)
}

func newOpenCommand(a *app) *cobra.Command {
	var (
		jobs    int
		wait    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "open URL...",
		Short: "Open each URL in its own stealth browser and print its title",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			if jobs < 1 {
				return fmt.Errorf("jobs must be positive, got %d", jobs)
			}
			lc, err := a.cfg.LaunchConfig()
			if err != nil {
				return err
			}
			state := stealthdp.LoadState(wait)
			if state != stealthdp.LoadStateDOMContentLoaded && state != stealthdp.LoadStateLoad {
				return fmt.Errorf("unknown load state %q", wait)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			titles := make([]string, len(urls))
			eg, ctx := errgroup.WithContext(ctx)
			eg.SetLimit(jobs)
			for i, urlstr := range urls {
				eg.Go(func() error {
					title, err := openTitle(ctx, lc, urlstr, state, a.options())
					if err != nil {
						return fmt.Errorf("open %s: %w", urlstr, err)
					}
					titles[i] = title
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for i, urlstr := range urls {
				fmt.Fprintf(w, "%s\t%s\n", urlstr, titles[i])
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 2, "browsers to run at once")
	cmd.Flags().StringVar(&wait, "wait", string(stealthdp.LoadStateLoad), "load state to wait for (domcontentloaded or load)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall timeout (0 for none)")
	return cmd
}

// openTitle launches a browser, opens urlstr in a page and returns its
// title once state is reached.
func openTitle(ctx context.Context, lc stealthdp.LaunchConfig, urlstr string, state stealthdp.LoadState, opts []stealthdp.Option) (string, error) {
	var title string
	err := stealthdp.Run(ctx, lc, func(b *stealthdp.Browser) error {
		p, err := b.NewPage(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.Navigate(ctx, urlstr); err != nil {
			return err
		}
		if err := p.WaitForLoadState(ctx, state); err != nil {
			return err
		}
		title, err = p.Title(ctx)
		return err
	}, opts...)
	return title, err
}

func newPlanCommand(a *app) *cobra.Command {
	var browserVersion, platform string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the injection plan of the configured stealth profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := stealthdp.NewInjectionPlan(a.cfg.Profile(), stealthdp.PlanEnv{
				BrowserVersion: browserVersion,
				Platform:       platform,
				Marker:         "__stealthdp",
			})
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().StringVar(&browserVersion, "browser-version", "", "browser version to build client hints for")
	cmd.Flags().StringVar(&platform, "platform", "", "navigator.platform to present (default: host)")
	return cmd
}

func printPlan(out io.Writer, plan *stealthdp.InjectionPlan) error {
	if plan.Empty() {
		_, err := fmt.Fprintln(out, "stealth disabled: empty plan")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, point := range []stealthdp.InjectionPoint{
		stealthdp.SessionCreated,
		stealthdp.PageCreated,
		stealthdp.BeforeNavigation,
		stealthdp.FrameAttached,
	} {
		for i, step := range plan.Steps(point) {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", point, i+1, step.Kind, step.Name())
		}
	}
	fmt.Fprintf(w, "script\t\t\t%d bytes\n", len(plan.Script()))
	return w.Flush()
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the configured driver's version or readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if urlstr := a.cfg.Driver.URL; urlstr != "" {
				st, err := client.New(client.URL(urlstr)).Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("driver %s: %w", urlstr, err)
				}
				msg := strings.TrimSpace(st.Message)
				fmt.Fprintf(out, "driver %s ready=%t %s\n", urlstr, st.Ready, msg)
				return nil
			}
			path := a.cfg.Driver.Path
			if path == "" {
				return errors.New("no chromedriver found: set driver.path or " + config.EnvDriverPath)
			}
			full, major, err := runner.Version(path)
			if err != nil {
				return fmt.Errorf("driver %s: %w", path, err)
			}
			fmt.Fprintf(out, "driver %s version %s (major %d)\n", path, full, major)
			return nil
		},
	}
}
