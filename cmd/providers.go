package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/neves/zen-gateway/internal/store"
	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"provider"},
		Short:   "Manage stored provider configurations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored providers",
		Args:  cobra.NoArgs,
		RunE:  runProvidersList,
	})
	cmd.AddCommand(newProvidersAddCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a provider and any user preferences pointing at it",
		Args:  cobra.ExactArgs(1),
		RunE:  runProvidersRemove,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "default <id>",
		Short: "Make a provider the default",
		Args:  cobra.ExactArgs(1),
		RunE:  runProvidersDefault,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prefer <user> [id]",
		Short: "Set a user's preferred provider; omit id to clear it",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runProvidersPrefer,
	})

	return cmd
}

func newProvidersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a provider, or update one when --id names an existing entry",
		Long: `Add a provider. Kind is inferred from the endpoint when not given, and
blank model, endpoint or API version take the kind defaults.

Examples:
  zen-gateway providers add --name local --kind ollama --model llama3
  zen-gateway providers add --name work --kind azure --endpoint https://x.openai.azure.com \
      --deployment gpt4o --credential $AZURE_KEY --default`,
		Args: cobra.NoArgs,
		RunE: runProvidersAdd,
	}
	f := cmd.Flags()
	f.String("id", "", "Provider id (generated when empty)")
	f.String("name", "", "Display name")
	f.String("kind", "", "openai, ollama or azure")
	f.String("endpoint", "", "Base URL")
	f.String("credential", "", "API key or bearer token")
	f.String("model", "", "Model name")
	f.String("deployment", "", "Azure deployment name")
	f.String("api-version", "", "Azure API version")
	f.Float64("temperature", 0, "Sampling temperature")
	f.Int("max-tokens", 0, "Max output tokens")
	f.Float64("repetition-penalty", 0, "Repetition penalty")
	f.String("system-prompt", "", "System prompt override")
	f.Bool("vision", false, "Provider accepts image attachments")
	f.Bool("disabled", false, "Store the provider disabled")
	f.Bool("default", false, "Make this the default provider")
	return cmd
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No providers configured (chat runs in demo mode)")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEFAULT\tID\tNAME\tKIND\tMODEL\tENDPOINT\tCREDENTIAL\tSTATE")
	for _, p := range list {
		def := ""
		if p.IsDefault {
			def = "*"
		}
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		model := p.Model
		if p.Kind == ai.KindAzureDeployment {
			model = p.Deployment
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			def, p.ID, p.DisplayName(), p.Kind, model, p.Endpoint, providers.ClassifyCredential(p.Credential), state)
	}
	return tw.Flush()
}

func runProvidersAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	f := cmd.Flags()

	cfg := &ai.ProviderConfig{Enabled: true}
	id, _ := f.GetString("id")
	if id != "" {
		existing, err := a.store.Get(ctx, id)
		switch {
		case err == nil:
			cfg = existing
		case errors.Is(err, store.ErrNotFound):
			cfg.ID = id
		default:
			return err
		}
	}

	setString := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	setString("name", &cfg.Name)
	setString("endpoint", &cfg.Endpoint)
	setString("credential", &cfg.Credential)
	setString("model", &cfg.Model)
	setString("deployment", &cfg.Deployment)
	setString("api-version", &cfg.APIVersion)
	setString("system-prompt", &cfg.SystemPrompt)

	if f.Changed("kind") {
		raw, _ := f.GetString("kind")
		kind, err := ai.ParseProviderKind(raw)
		if err != nil {
			return err
		}
		cfg.Kind = kind
	}
	if cfg.Kind == "" {
		cfg.Kind = providers.InferKindFromEndpoint(cfg.Endpoint)
	}

	if f.Changed("temperature") {
		v, _ := f.GetFloat64("temperature")
		cfg.Sampling.Temperature = &v
	}
	if f.Changed("max-tokens") {
		v, _ := f.GetInt("max-tokens")
		cfg.Sampling.MaxOutputTokens = &v
	}
	if f.Changed("repetition-penalty") {
		v, _ := f.GetFloat64("repetition-penalty")
		cfg.Sampling.RepetitionPenalty = &v
	}
	if f.Changed("vision") {
		cfg.SupportsVision, _ = f.GetBool("vision")
	}
	if f.Changed("disabled") {
		disabled, _ := f.GetBool("disabled")
		cfg.Enabled = !disabled
	}
	if f.Changed("default") {
		cfg.IsDefault, _ = f.GetBool("default")
	}

	if err := a.store.Save(ctx, cfg); err != nil {
		return err
	}
	a.resolver.Invalidate()

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s provider %q with id %s\n", cfg.Kind, cfg.DisplayName(), cfg.ID)
	if cfg.IsDefault && !cfg.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "Note: disabled providers are never used as the default")
	}
	return nil
}

func runProvidersRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	a.resolver.Invalidate()
	fmt.Fprintf(cmd.OutOrStdout(), "Removed provider %s\n", args[0])
	return nil
}

func runProvidersDefault(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetDefault(cmd.Context(), args[0]); err != nil {
		return err
	}
	a.resolver.Invalidate()
	fmt.Fprintf(cmd.OutOrStdout(), "Default provider is now %s\n", args[0])
	return nil
}

func runProvidersPrefer(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	user := strings.TrimSpace(args[0])
	providerID := ""
	if len(args) == 2 {
		providerID = args[1]
	}
	if err := a.store.SetUserPreference(cmd.Context(), user, providerID); err != nil {
		return err
	}
	a.resolver.Invalidate()

	if providerID == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared provider preference for %s\n", user)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s now prefers provider %s\n", user, providerID)
	return nil
}
