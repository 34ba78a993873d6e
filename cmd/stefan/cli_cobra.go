package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "stefan",
		Short: "Discord persona bot with a self-curated memory",
		Long: strings.TrimSpace(`stefan plays a single persona in Discord channels.

It answers when mentioned, when replied to, or on a random draw, and keeps a
short list of facts it chooses to remember between conversations.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPathOverride, "config", "c", "", "Config file (default ~/.stefan/config.json)")

	root.AddCommand(newGatewayCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord bot with its health server",
		Long:    "Connect to Discord, run the reply loop and the memory janitor, and serve /health, /ready and /metrics.",
		Example: "  stefan gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the persona in the terminal",
		Long:  "Run a local console session. Every line you type is treated as addressed to the bot; memory is shared with the gateway.",
		Example: strings.Join([]string{
			"  stefan chat",
			"  stefan chat --config ./config.json --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newMemoryCommand() *cobra.Command {
	memoryRoot := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the memory store",
	}

	var all bool
	list := &cobra.Command{
		Use:     "list",
		Short:   "List stored memories",
		Example: "  stefan memory list --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openMemory(cmd.Context())
			if err != nil {
				return err
			}
			return memoryListCmd(cmd.OutOrStdout(), svc, all, time.Now())
		},
	}
	list.Flags().BoolVarP(&all, "all", "a", false, "Include expired memories")

	prune := &cobra.Command{
		Use:     "prune",
		Short:   "Remove expired memories",
		Example: "  stefan memory prune",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openMemory(cmd.Context())
			if err != nil {
				return err
			}
			return memoryPruneCmd(cmd.OutOrStdout(), svc, time.Now())
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:     "clear",
		Short:   "Delete every memory",
		Example: "  stefan memory clear --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear memory without --yes")
			}
			svc, err := openMemory(cmd.Context())
			if err != nil {
				return err
			}
			return memoryClearCmd(cmd.OutOrStdout(), svc)
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")

	memoryRoot.AddCommand(list, prune, clearCmd)
	return memoryRoot
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, credentials, and memory store readiness",
		Example: "  stefan status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  stefan version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
