package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// passwordEnv lets scripts pass the password without putting it in argv.
const passwordEnv = "OBDDASH_USER_PASSWORD"

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard accounts",
	}
	cmd.AddCommand(newUserCreateCmd(opts), newUserListCmd(opts))
	return cmd
}

func newUserCreateCmd(opts *rootOptions) *cobra.Command {
	var in core.NewUser
	var role string
	cmd := &cobra.Command{
		Use:   "create --email EMAIL --role ROLE",
		Short: "Create an account",
		Long: `Create an account. The password is read from --password or, when the
flag is absent, from $` + passwordEnv + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if in.Password == "" {
				in.Password = lookupEnv(opts, passwordEnv)
			}
			in.Role = domain.Role(role)
			store, err := openStore(cmd.Context(), cfg.Storage, cfg.Storage.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.Close()
			user, err := newService(store, cfg, log).CreateUser(cmd.Context(), in)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", user.Role, user.Email, user.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "login email")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleViewer), "admin, technician or viewer")
	cmd.Flags().StringVar(&in.Password, "password", "", "initial password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newUserListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Storage, cfg.Storage.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.Close()
			users, err := newService(store, cfg, log).ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE\tDISABLED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", u.ID, u.Email, u.Name, u.Role, u.Disabled)
			}
			return tw.Flush()
		},
	}
}

func lookupEnv(opts *rootOptions, key string) string {
	if opts.environ != nil {
		return opts.environ[key]
	}
	return os.Getenv(key)
}
