package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/provider"
	"github.com/spf13/cobra"
)

const defaultVoicePages = 1

var errNoCredential = errors.New("no active credential in the pool")

func (a *app) providerClient() *provider.Client {
	opts := []provider.Option{
		provider.WithBaseURL(a.cfg.Provider.BaseURL),
		provider.WithTimeout(a.cfg.ProviderTimeout()),
		provider.WithRateLimit(a.cfg.Provider.RequestsPerSecond, a.cfg.Provider.Burst),
		provider.WithProxies(a.cfg.Provider.Proxies),
	}

	if a.cfg.Provider.UserAgent != "" {
		opts = append(opts, provider.WithUserAgent(a.cfg.Provider.UserAgent))
	}

	return provider.New(opts...)
}

// pickCredential returns the credential with id, or the first active one.
func (a *app) pickCredential(ctx context.Context, id string) (core.Credential, error) {
	credentials, store, err := a.openPool()
	if err != nil {
		return core.Credential{}, err
	}
	defer store.Close()

	list, err := credentials.List(ctx)
	if err != nil {
		return core.Credential{}, err
	}

	for _, credential := range list {
		if id != "" && credential.ID == id {
			return credential, nil
		}

		if id == "" && credential.Status == core.StatusActive {
			return credential, nil
		}
	}

	if id != "" {
		return core.Credential{}, fmt.Errorf("credential %s not found", id)
	}

	return core.Credential{}, errNoCredential
}

func newVoicesCmd(state *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Browse the provider's shared voice catalog",
	}

	cmd.AddCommand(newVoicesSearchCmd(state))

	return cmd
}

func newVoicesSearchCmd(state *app) *cobra.Command {
	var (
		query        provider.VoiceQuery
		pages        int
		credentialID string
	)

	cmd := &cobra.Command{
		Use:   "search [terms]",
		Short: "Search shared voices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				query.Search = args[0]
			}

			credential, err := state.pickCredential(cmd.Context(), credentialID)
			if err != nil {
				return err
			}

			voices, err := state.providerClient().CollectSharedVoices(cmd.Context(), credential, query, pages)
			if err != nil {
				return fmt.Errorf("search voices: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VOICE ID\tNAME\tLANGUAGE\tGENDER\tACCENT\tCATEGORY")

			for _, voice := range voices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					voice.VoiceID, voice.Name, voice.Language, voice.Gender, voice.Accent, voice.Category)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&query.Language, "language", "", "Filter by language code")
	cmd.Flags().StringVar(&query.Gender, "gender", "", "Filter by gender")
	cmd.Flags().StringVar(&query.Category, "category", "", "Filter by category")
	cmd.Flags().IntVar(&query.PageSize, "page-size", 0, "Results per page")
	cmd.Flags().IntVar(&pages, "pages", defaultVoicePages, "Maximum pages to fetch")
	cmd.Flags().StringVar(&credentialID, "key", "", "Credential ID to query with (defaults to the first active)")

	return cmd
}

func newHealthCmd(state *app) *cobra.Command {
	var credentialID string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the provider accepts a pool credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			credential, err := state.pickCredential(cmd.Context(), credentialID)
			if err != nil {
				return err
			}

			if err := state.providerClient().HealthCheck(cmd.Context(), credential); err != nil {
				state.log.Error("Health check failed for credential %s: %v", credential.ID, err)

				return fmt.Errorf("provider health check failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Provider healthy: credential %s accepted, %d/%d credits used\n",
				credential.ID, credential.Consumed, credential.Quota)

			return nil
		},
	}

	cmd.Flags().StringVar(&credentialID, "key", "", "Credential ID to check (defaults to the first active)")

	return cmd
}
