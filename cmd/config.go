package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neves/zen-gateway/internal/config"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		RunE:  runConfigInit,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration (credentials hidden)",
		RunE:  runConfigShow,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPathFlag(cmd))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check configuration and stored providers",
		RunE:  runConfigCheck,
	})

	return cmd
}

func configPathFlag(cmd *cobra.Command) string {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	return configPath
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configPathFlag(cmd)
	out := cmd.OutOrStdout()

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config already exists at: %s\n", configPath)
		fmt.Fprintln(out, "Use 'zen-gateway config show' to view it.")
		return nil
	}

	if err := config.SaveConfig(config.NewDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(out, "Configuration initialized at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "1. Add a provider: zen-gateway providers add --kind ollama --model llama3 --default")
	fmt.Fprintln(out, "2. Try it:        zen-gateway chat --stream hello")
	fmt.Fprintln(out, "3. Serve it:      zen-gateway serve")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := configPathFlag(cmd)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Credential != "" {
			cfg.Providers[i].Credential = "(hidden)"
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration from: %s\n\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n", configPathFlag(cmd))
	fmt.Fprintf(out, "Store:       %s\n", a.store.Path())
	fmt.Fprintf(out, "Listen:      %s\n\n", a.cfg.Server.Addr)

	list, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}

	problems := 0
	for _, p := range list {
		status := "ok"
		if err := providers.Validate(*p); err != nil {
			status = err.Error()
			problems++
		} else if !providers.Usable(p) {
			status = "not usable (disabled or missing endpoint/credential)"
		}
		fmt.Fprintf(out, "  %-20s %-7s %s\n", p.DisplayName(), p.Kind, status)
	}

	switch {
	case len(list) == 0:
		fmt.Fprintln(out, "No providers stored: chat runs in demo mode.")
	case problems > 0:
		fmt.Fprintf(out, "\n%d provider(s) need attention.\n", problems)
	default:
		if cfg, ok, _ := a.resolver.Resolve(cmd.Context(), ""); ok {
			fmt.Fprintf(out, "\nReady: default provider is %s.\n", cfg.DisplayName())
		} else {
			fmt.Fprintln(out, "\nNo enabled default provider: users without a preference get demo mode.")
		}
	}
	return nil
}
