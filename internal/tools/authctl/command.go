package authctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalima-platform/auth-service/internal/client"
	"github.com/kalima-platform/auth-service/internal/tools/common"
	"github.com/kalima-platform/auth-service/internal/tools/loadgen"
	"github.com/kalima-platform/auth-service/internal/tools/ui"
)

type options struct {
	baseURL    string
	identifier string
	password   string
	envFile    string
	ci         bool
	threshold  time.Duration
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "authctl",
		Short:        "Exercise the auth service session lifecycle",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := common.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			if !cmd.Flags().Changed("base-url") {
				opts.baseURL = common.EnvOr("AUTHCTL_BASE_URL", opts.baseURL)
			}
			if opts.identifier == "" {
				opts.identifier = os.Getenv("AUTHCTL_IDENTIFIER")
			}
			if opts.password == "" {
				opts.password = os.Getenv("AUTHCTL_PASSWORD")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "auth service base URL")
	cmd.PersistentFlags().StringVar(&opts.identifier, "identifier", "", "user name or email (env AUTHCTL_IDENTIFIER)")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "password (env AUTHCTL_PASSWORD)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env.authctl", "optional env file")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().DurationVar(&opts.threshold, "refresh-threshold", time.Minute, "refresh when the access token expires within this window")
	cmd.AddCommand(newSmokeCommand(opts), newWhoamiCommand(opts), newWatchCommand(opts), newLoadCommand(opts))
	return cmd
}

func (o *options) newClient() (*client.Client, error) {
	if o.identifier == "" || o.password == "" {
		return nil, errors.New("identifier and password are required")
	}
	return client.New(o.baseURL, nil, client.Options{Threshold: o.threshold})
}

func newSmokeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Login, call a protected route, rotate, logout and confirm the session is gone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return report(opts, "authctl smoke", func(ctx context.Context) ([]string, error) {
				c, err := opts.newClient()
				if err != nil {
					return nil, err
				}
				return smoke(ctx, c, opts.identifier, opts.password)
			})
		},
	}
}

func smoke(ctx context.Context, c *client.Client, identifier, password string) ([]string, error) {
	var details []string
	tok, err := c.Login(ctx, identifier, password)
	if err != nil {
		return details, fmt.Errorf("login: %w", err)
	}
	details = append(details, "login: ok, access token expires "+tok.ExpiresAt.Format(time.RFC3339))

	id, err := c.Me(ctx)
	if err != nil {
		return details, fmt.Errorf("me: %w", err)
	}
	details = append(details, fmt.Sprintf("me: id=%d name=%s role=%s", id.ID, id.Name, id.Role))

	if _, err := c.Scheduler().Refresh(ctx); err != nil {
		return details, fmt.Errorf("refresh: %w", err)
	}
	details = append(details, "refresh: rotated")

	if err := c.Logout(ctx); err != nil {
		return details, fmt.Errorf("logout: %w", err)
	}
	details = append(details, "logout: ok")

	if _, err := c.Scheduler().Refresh(ctx); !errors.Is(err, client.ErrSessionEnded) {
		return details, fmt.Errorf("refresh after logout: want session ended, got %v", err)
	}
	details = append(details, "refresh after logout: rejected")
	return details, nil
}

func newWhoamiCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity behind the credentials as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := c.Login(ctx, opts.identifier, opts.password); err != nil {
				return err
			}
			defer func() { _ = c.Logout(context.WithoutCancel(ctx)) }()
			id, err := c.Me(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(id)
		},
	}
}

func newWatchCommand(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a session alive and show each background refresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := client.New(opts.baseURL, nil, client.Options{Interval: interval, Threshold: opts.threshold})
			if err != nil {
				return err
			}
			if opts.identifier == "" || opts.password == "" {
				return errors.New("identifier and password are required")
			}
			tok, err := c.Login(ctx, opts.identifier, opts.password)
			if err != nil {
				return err
			}
			events := make(chan ui.SessionEvent, 16)
			sched := c.Scheduler()
			publish := func(ev ui.SessionEvent) {
				select {
				case events <- ev:
				default:
				}
			}
			sched.OnRefresh(func(t client.Token) {
				publish(ui.SessionEvent{Kind: ui.EventRefreshed, ExpiresAt: t.ExpiresAt, At: time.Now()})
			})
			sched.OnLogout(func(reason error) {
				publish(ui.SessionEvent{Kind: ui.EventLoggedOut, Err: reason, At: time.Now()})
			})
			sched.Start(ctx)
			defer func() { _ = c.Logout(context.WithoutCancel(ctx)) }()

			_, err = ui.Watch(ui.NewWatchModel(opts.identifier, tok.ExpiresAt, events))
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "how often the scheduler checks the token")
	return cmd
}

func newLoadCommand(opts *options) *cobra.Command {
	cfg := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Generate authenticated traffic with one session per worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.BaseURL, cfg.Identifier, cfg.Password = opts.baseURL, opts.identifier, opts.password
			return report(opts, "authctl load", func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, cfg)
				if res == nil {
					return nil, err
				}
				details := []string{
					fmt.Sprintf("requests=%d failures=%d refreshes=%d elapsed=%s", res.TotalRequests, res.Failures, res.Refreshes, res.Elapsed.Truncate(time.Millisecond)),
				}
				for class, n := range res.ByStatusClass {
					details = append(details, fmt.Sprintf("%s=%d", class, n))
				}
				return details, err
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Profile, "profile", "mixed", "traffic profile: auth, api or mixed")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to generate traffic")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 20, "total requests per second")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "number of concurrent sessions")
	return cmd
}

func report(opts *options, title string, fn func(context.Context) ([]string, error)) error {
	var (
		details []string
		err     error
	)
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		details, err = fn(ctx)
		common.PrintCIResult(err == nil, title, details, err)
	} else {
		details, err = ui.Run(title, fn)
	}
	if err != nil {
		os.Exit(4)
	}
	return nil
}
