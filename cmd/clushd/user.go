package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/clush"
	"github.com/Zereker/clush/internal/config"
	"github.com/Zereker/clush/internal/logging"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and inspect their messages",
	}

	cmd.AddCommand(userAddCmd(), userMessagesCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var (
		id       uint64
		password string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		Long: `Create a user. The password is stored as given; clients must send
exactly the same bytes in their login frame.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := logging.Adapt(logging.New(os.Stderr, cfg.LogLevel, cfg.IsDevelopment()))
			ds, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer ds.Close()

			if err := ds.CreateUser(cmd.Context(), clush.User{ID: id, PasswordHash: password}); err != nil {
				return errors.Wrapf(err, "create user %d", id)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created user %d\n", id)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&id, "id", 0, "user id")
	cmd.Flags().StringVar(&password, "password", "", "stored password hash")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func userMessagesCmd() *cobra.Command {
	var (
		id    uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List the latest messages sent to or by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := logging.Adapt(logging.New(os.Stderr, cfg.LogLevel, cfg.IsDevelopment()))
			ds, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer ds.Close()

			msgs, err := ds.ListMessages(cmd.Context(), id, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tCONTENT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", m.Timestamp.Format(time.RFC3339), m.FromID, m.ToID, m.Content)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Uint64Var(&id, "id", 0, "user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of messages")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
