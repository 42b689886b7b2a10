package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/engine/knowledge/uc"
)

// QueryCmd searches the knowledge base and prints the assembled context.
func QueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  handleQueryCmd,
	}
	cmd.Flags().Int("top-k", 0, "Maximum number of results (0 uses the configured default)")
	cmd.Flags().Float64("min-score", 0, "Minimum similarity score")
	cmd.Flags().StringSlice("filter", nil, "Metadata filter as key=value (repeatable)")
	cmd.Flags().Bool("show-sources", false, "Print per-source scores alongside the context")
	return cmd
}

func handleQueryCmd(cmd *cobra.Command, args []string) error {
	ctx, err := commandContext(cmd)
	if err != nil {
		return err
	}
	input, err := buildQueryInput(cmd, args[0])
	if err != nil {
		return err
	}
	showSources, err := cmd.Flags().GetBool("show-sources")
	if err != nil {
		return fmt.Errorf("failed to get show-sources flag: %w", err)
	}
	svc, _, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeService(ctx, svc)
	out, err := svc.Query(ctx, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Result.Context)
	if showSources {
		for _, src := range out.Result.Sources {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.4f\n", src.ID, src.Score)
		}
	}
	return nil
}

func buildQueryInput(cmd *cobra.Command, query string) (*uc.QueryInput, error) {
	topK, err := cmd.Flags().GetInt("top-k")
	if err != nil {
		return nil, fmt.Errorf("failed to get top-k flag: %w", err)
	}
	input := &uc.QueryInput{Query: query, TopK: topK}
	if cmd.Flags().Changed("min-score") {
		minScore, scoreErr := cmd.Flags().GetFloat64("min-score")
		if scoreErr != nil {
			return nil, fmt.Errorf("failed to get min-score flag: %w", scoreErr)
		}
		input.MinScore = &minScore
	}
	filters, err := cmd.Flags().GetStringSlice("filter")
	if err != nil {
		return nil, fmt.Errorf("failed to get filter flag: %w", err)
	}
	if len(filters) > 0 {
		input.Filters = make(map[string]string, len(filters))
		for _, raw := range filters {
			key, value, ok := strings.Cut(raw, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid filter %q: expected key=value", raw)
			}
			input.Filters[key] = value
		}
	}
	return input, nil
}
