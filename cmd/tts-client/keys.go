package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var errResetTarget = errors.New("give a credential id or --all")

// credentialFile is the YAML document accepted by "keys import".
type credentialFile struct {
	Credentials []core.Credential `yaml:"credentials"`
}

func newKeysCmd(state *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the provider credential pool",
	}

	cmd.AddCommand(
		newKeysAddCmd(state),
		newKeysListCmd(state),
		newKeysImportCmd(state),
		newKeysResetCmd(state),
		newKeysStatusCmd(state),
	)

	return cmd
}

func newKeysAddCmd(state *app) *cobra.Command {
	var (
		credential core.Credential
		tier       string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential to the pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			credentials, store, err := state.openPool()
			if err != nil {
				return err
			}
			defer store.Close()

			credential.Tier = core.Tier(tier)

			added, err := credentials.Add(cmd.Context(), credential)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added credential %s (%s)\n", added.ID, added.Tier)

			return nil
		},
	}

	cmd.Flags().StringVar(&credential.ID, "id", "", "Credential ID (generated when empty)")
	cmd.Flags().StringVar(&credential.Label, "label", "", "Human-readable label")
	cmd.Flags().StringVar(&credential.Secret, "secret", "", "Provider API key")
	cmd.Flags().StringVar(&tier, "tier", string(core.TierRegular), "Pool tier: regular or premium")
	cmd.Flags().Int64Var(&credential.Quota, "quota", 0, "Credits available per period")
	cmd.Flags().IntVar(&credential.Priority, "priority", 0, "Selection priority, higher first")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("quota")

	return cmd
}

func newKeysListCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pool credentials and their usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			credentials, store, err := state.openPool()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := credentials.List(cmd.Context())
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No credentials configured.")

				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tTIER\tSTATUS\tPRIORITY\tCONSUMED\tRESERVED\tQUOTA\tHEADROOM")

			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					c.ID, c.Label, c.Tier, c.Status, c.Priority, c.Consumed, c.Reserved, c.Quota, c.Headroom())
			}

			return w.Flush()
		},
	}
}

func newKeysImportCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Add every credential listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read credentials file: %w", err)
			}

			var file credentialFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse credentials file: %w", err)
			}

			credentials, store, err := state.openPool()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, credential := range file.Credentials {
				if credential.Tier == "" {
					credential.Tier = core.TierRegular
				}

				if _, err := credentials.Add(cmd.Context(), credential); err != nil {
					return fmt.Errorf("import %q: %w", credential.Label, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d credentials\n", len(file.Credentials))

			return nil
		},
	}
}

func newKeysResetCmd(state *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [credential-id]",
		Short: "Zero the consumption of one credential or of the whole pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errResetTarget
			}

			credentials, store, err := state.openPool()
			if err != nil {
				return err
			}
			defer store.Close()

			if all {
				count, err := credentials.ResetAll(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d credentials\n", count)

				return nil
			}

			if err := credentials.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Reset credential %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset every credential")

	return cmd
}

func newKeysStatusCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <credential-id> <active|inactive|expired>",
		Short: "Change a credential's lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := core.CredentialStatus(args[1])

			switch status {
			case core.StatusActive, core.StatusInactive, core.StatusExpired:
			default:
				return fmt.Errorf("unknown status %q", args[1])
			}

			credentials, store, err := state.openPool()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := credentials.SetStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s is now %s\n", args[0], status)

			return nil
		},
	}
}
