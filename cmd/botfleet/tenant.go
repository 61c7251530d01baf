package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"botfleet/internal/app"

	"github.com/spf13/cobra"
)

// tokenEnv lets scripts pass a bot token without putting it in argv.
const tokenEnv = "BOTFLEET_TENANT_TOKEN"

func (c *cli) tenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant lifecycle commands",
	}
	cmd.AddCommand(
		c.tenantAddCommand(),
		c.tenantSetTokenCommand(),
		c.tenantActionCommand("pause", "Stop dispatching a tenant's jobs", (*app.Admin).Pause),
		c.tenantActionCommand("resume", "Resume a paused tenant", (*app.Admin).Resume),
		c.tenantActionCommand("delete", "Remove a tenant and its queued jobs", (*app.Admin).Delete),
		c.tenantCheckCommand(),
		c.tenantListCommand(),
	)
	return cmd
}

// withAdmin opens the app and runs fn with an admin acting as "cli".
func (c *cli) withAdmin(ctx context.Context, fn func(*app.Admin) error) error {
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close()
	adm, err := a.Admin(ctx, "cli")
	if err != nil {
		return err
	}
	return fn(adm)
}

func tokenFrom(flag string) (string, error) {
	tok := strings.TrimSpace(flag)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv(tokenEnv))
	}
	if tok == "" {
		return "", fmt.Errorf("bot token is required (--token or %s)", tokenEnv)
	}
	return tok, nil
}

func (c *cli) tenantAddCommand() *cobra.Command {
	var (
		owner int64
		token string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a bot token as a new tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := tokenFrom(token)
			if err != nil {
				return err
			}
			if owner == 0 {
				return errors.New("--owner is required")
			}
			return c.withAdmin(cmd.Context(), func(adm *app.Admin) error {
				t, err := adm.Register(cmd.Context(), owner, tok)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner chat id for notifications")
	cmd.Flags().StringVar(&token, "token", "", "bot token (or "+tokenEnv+")")
	return cmd
}

func (c *cli) tenantSetTokenCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "set-token <id>",
		Short: "Replace a tenant's bot token and restart it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenFrom(token)
			if err != nil {
				return err
			}
			return c.withAdmin(cmd.Context(), func(adm *app.Admin) error {
				t, err := adm.SetCredential(cmd.Context(), args[0], tok)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bot token (or "+tokenEnv+")")
	return cmd
}

func (c *cli) tenantActionCommand(use, short string, action func(*app.Admin, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAdmin(cmd.Context(), func(adm *app.Admin) error {
				if err := action(adm, cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("%s %s: %w", use, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], use)
				return nil
			})
		},
	}
}

func (c *cli) tenantCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id>",
		Short: "Run one health check against the upstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAdmin(cmd.Context(), func(adm *app.Admin) error {
				ok, reason := adm.HealthCheck(cmd.Context(), args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], reason)
				if !ok {
					return fmt.Errorf("tenant %s is unhealthy: %s", args[0], reason)
				}
				return nil
			})
		},
	}
}

func (c *cli) tenantListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAdmin(cmd.Context(), func(adm *app.Admin) error {
				tenants, err := adm.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOWNER\tSTATUS\tLAST CHECK")
				for _, t := range tenants {
					last := "-"
					if !t.LastCheck.At.IsZero() {
						last = t.LastCheck.At.UTC().Format(time.RFC3339) + " " + t.LastCheck.Reason
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.ID, t.OwnerChatID, t.Status, last)
				}
				return tw.Flush()
			})
		},
	}
}
