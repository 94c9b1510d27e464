package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/client"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/config"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and publish approval policy documents",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a policy document and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy %s is valid\n", p.Version())
			return nil
		},
	}

	var (
		activate  bool
		createdBy string
	)
	publish := &cobra.Command{
		Use:   "publish <file>",
		Short: "Store a policy document in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Host == "" {
				return fmt.Errorf("policy publish needs database.host")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := policy.Parse(data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			db, err := connectDatabase(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			store := repository.NewPolicyRepository(db)
			if err := store.Save(ctx, &repository.PolicyRecord{
				Version:   p.Version(),
				Document:  data,
				CreatedBy: createdBy,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			if activate {
				if err := store.Activate(ctx, p.Version()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored policy %s (active=%t)\n", p.Version(), activate)
			return nil
		},
	}
	publish.Flags().BoolVar(&activate, "activate", false, "make this version the active policy")
	publish.Flags().StringVar(&createdBy, "created-by", os.Getenv("USER"), "author recorded with the document")

	cmd.AddCommand(validate, publish)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		actor service.Actor
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			actor.Role = repository.Role(role)
			tok, err := middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor.ID, "user", "", "user ID (sub claim)")
	cmd.Flags().StringVar(&actor.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(repository.RoleClerk), "clerk, manager, admin or super_admin")
	cmd.Flags().StringVar(&actor.Department, "department", "", "department claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func totpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage two-factor authorization secrets",
	}
	enroll := &cobra.Command{
		Use:   "enroll <user-id>",
		Short: "Generate a TOTP secret for an approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			secret, url, err := client.EnrollTOTP(cfg.Credentials.TOTPIssuer, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secret: %s\n", secret)
			fmt.Fprintf(out, "url:    %s\n", url)
			fmt.Fprintf(out, "add it under credentials.totp_secrets.%s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(enroll)
	return cmd
}
