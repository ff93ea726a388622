package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/bouncer/pkg/auth"
	"github.com/spf13/cobra"
)

var Version = "dev"

type BlacklistEntry struct {
	Identifier string     `json:"identifier"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Permanent  bool       `json:"permanent"`
	Active     bool       `json:"active"`
}

type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Issues   []string `json:"issues"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOpts struct {
	server string
	token  string
}

func (o *globalOpts) client() *client {
	return newClient(o.server, o.token)
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	rootCmd := &cobra.Command{
		Use:           "bouncerctl",
		Short:         "Bouncer - rate limiting and abuse prevention",
		Long:          "Inspect and manage the blacklist, abuse standing and rate limit counters of a bouncer server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("BOUNCER_SERVER", "http://localhost:8080"), "Bouncer server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.token, "token", "t", os.Getenv("BOUNCER_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(opts),
		blacklistCmd(opts),
		standingCmd(opts),
		cleanupCmd(opts),
		limitsCmd(opts),
		hashPasswordCmd(),
		versionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func statusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status HealthStatus
			// An unhealthy server answers 503 with the same report.
			err := opts.client().callAccepting(http.MethodGet, "/v1/health", nil, &status, http.StatusServiceUnavailable)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := "healthy"
			switch {
			case !status.Healthy:
				state = "unhealthy"
			case status.Degraded:
				state = "degraded"
			}
			fmt.Fprintf(out, "Status: %s\n", state)
			for _, issue := range status.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
			if !status.Healthy {
				return errors.New("server is unhealthy")
			}
			return nil
		},
	}
}

func blacklistCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage blacklisted identifiers",
	}

	var (
		reason    string
		duration  time.Duration
		permanent bool
	)
	add := &cobra.Command{
		Use:   "add [identifier]",
		Short: "Blacklist an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if permanent && duration > 0 {
				return fmt.Errorf("--permanent and --for are mutually exclusive")
			}
			req := map[string]any{
				"identifier":         args[0],
				"reason":             reason,
				"permanent":          permanent,
				"expires_in_seconds": int64(duration.Seconds()),
			}
			var entry BlacklistEntry
			if err := opts.client().call(http.MethodPost, "/v1/admin/blacklist", req, &entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blacklisted %s until %s\n", entry.Identifier, expiryLabel(entry))
			return nil
		},
	}
	add.Flags().StringVar(&reason, "reason", "", "Reason recorded with the entry")
	add.Flags().DurationVar(&duration, "for", 0, "Block duration (default 24h)")
	add.Flags().BoolVar(&permanent, "permanent", false, "Never expire the entry")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List blacklist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []BlacklistEntry
			if err := opts.client().call(http.MethodGet, "/v1/admin/blacklist", nil, &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tACTIVE\tEXPIRES\tREASON")
			fmt.Fprintln(w, "----------\t------\t-------\t------")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", e.Identifier, e.Active, expiryLabel(e), e.Reason)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func expiryLabel(e BlacklistEntry) string {
	if e.Permanent || e.ExpiresAt == nil {
		return "never"
	}
	return e.ExpiresAt.Format(time.RFC3339)
}

func standingCmd(opts *globalOpts) *cobra.Command {
	var secondary string
	cmd := &cobra.Command{
		Use:   "standing [identifier]",
		Short: "Show the abuse standing of an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/standing/" + url.PathEscape(args[0])
			if secondary != "" {
				path += "?secondary=" + url.QueryEscape(secondary)
			}
			var resp struct {
				Identifier string `json:"identifier"`
				Standing   string `json:"standing"`
			}
			if err := opts.client().call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Identifier, resp.Standing)
			return nil
		},
	}
	cmd.Flags().StringVar(&secondary, "secondary", "", "Secondary identifier, e.g. a username")
	return cmd
}

func cleanupCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired blacklist entries and old failed attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report struct {
				Blacklist       int64 `json:"blacklist"`
				FailedAttempts  int64 `json:"failed_attempts"`
				ChallengeTokens int64 `json:"challenge_tokens"`
				LocalCounters   int   `json:"local_counters"`
			}
			if err := opts.client().call(http.MethodPost, "/v1/admin/cleanup", nil, &report); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Blacklist entries removed:  %d\n", report.Blacklist)
			fmt.Fprintf(out, "Failed attempts removed:    %d\n", report.FailedAttempts)
			fmt.Fprintf(out, "Challenge tokens removed:   %d\n", report.ChallengeTokens)
			fmt.Fprintf(out, "Local counters swept:       %d\n", report.LocalCounters)
			return nil
		},
	}
}

func limitsCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Manage rate limit counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush [limiter]",
		Short: "Reset every counter of a limiter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().call(http.MethodDelete, "/v1/admin/limits/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flushed %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	var salt string
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the admin.password_hash value for a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if salt == "" {
				return fmt.Errorf("--salt is required and must match admin.hash_salt")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.NewTokenHasher([]byte(salt)).HashString(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&salt, "salt", "", "Salt configured as admin.hash_salt")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bouncerctl version %s\n", Version)
		},
	}
}
