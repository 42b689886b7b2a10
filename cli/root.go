package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/uc"
	"github.com/ragline/ragline/pkg/logger"
)

// RootCmd builds the ragline command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragline",
		Short: "Knowledge base ingestion and retrieval",
	}
	root.PersistentFlags().String("config", "ragline.yaml", "Path to the knowledge base configuration file")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	root.PersistentFlags().Bool("log-source", false, "Include source file and line in logs")
	root.PersistentFlags().Bool("debug", false, "Enable debug mode (sets log level to debug)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		debug, err := cmd.Flags().GetBool("debug")
		if err != nil {
			return fmt.Errorf("failed to get debug flag: %w", err)
		}
		if debug {
			return cmd.Flags().Set("log-level", "debug")
		}
		return nil
	}
	root.AddCommand(
		IngestCmd(),
		AddCmd(),
		QueryCmd(),
		DeleteCmd(),
	)
	return root
}

// commandContext builds a context carrying a configured logger.
func commandContext(cmd *cobra.Command) (context.Context, error) {
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.SetupLogger(logLevel, logJSON, logSource)
	return logger.ContextWithLogger(cmd.Context(), log), nil
}

// newService loads the configuration named by --config and wires a service.
func newService(ctx context.Context, cmd *cobra.Command, opts ...uc.Option) (*uc.Service, *knowledge.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := loadKnowledgeConfig(path)
	if err != nil {
		return nil, nil, err
	}
	svc, err := uc.NewService(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}
