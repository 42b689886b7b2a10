package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/engine/knowledge/ingest"
	"github.com/ragline/ragline/engine/knowledge/uc"
	"github.com/ragline/ragline/pkg/logger"
)

// IngestCmd ingests every source configured for the knowledge base.
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest all configured sources into the vector store",
		RunE:  handleIngestCmd,
	}
	cmd.Flags().String("strategy", string(ingest.StrategyUpsert), "Write strategy (upsert or replace)")
	cmd.Flags().String("cwd", ".", "Working directory for relative glob patterns")
	return cmd
}

func handleIngestCmd(cmd *cobra.Command, _ []string) error {
	ctx, err := commandContext(cmd)
	if err != nil {
		return err
	}
	strategy, err := cmd.Flags().GetString("strategy")
	if err != nil {
		return fmt.Errorf("failed to get strategy flag: %w", err)
	}
	cwd, err := cmd.Flags().GetString("cwd")
	if err != nil {
		return fmt.Errorf("failed to get cwd flag: %w", err)
	}
	svc, cfg, err := newService(ctx, cmd, uc.WithIngestOptions(ingest.Options{
		CWD:      cwd,
		Strategy: ingest.Strategy(strategy),
	}))
	if err != nil {
		return err
	}
	defer closeService(ctx, svc)
	out, err := svc.IngestSources(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(
		cmd.OutOrStdout(),
		"ingested %d documents (%d chunks, %d persisted) into %q\n",
		out.Result.Documents, out.Result.Chunks, out.Result.Persisted, cfg.Index,
	)
	return nil
}

// AddCmd ingests a single document given inline or from a file.
func AddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Ingest a single document",
		RunE:  handleAddCmd,
	}
	cmd.Flags().String("id", "", "Document ID (generated when empty)")
	cmd.Flags().String("text", "", "Document text")
	cmd.Flags().String("file", "", "Read document text from a file ('-' for stdin)")
	return cmd
}

func handleAddCmd(cmd *cobra.Command, _ []string) error {
	ctx, err := commandContext(cmd)
	if err != nil {
		return err
	}
	text, err := resolveDocumentText(cmd)
	if err != nil {
		return err
	}
	docID, err := cmd.Flags().GetString("id")
	if err != nil {
		return fmt.Errorf("failed to get id flag: %w", err)
	}
	svc, _, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeService(ctx, svc)
	out, err := svc.AddDocument(ctx, &uc.AddDocumentInput{DocumentID: docID, Text: text})
	if err != nil {
		return err
	}
	fmt.Fprintf(
		cmd.OutOrStdout(),
		"document %s ingested (%d chunks)\n",
		out.Result.DocumentID, out.Result.Chunks,
	)
	return nil
}

func resolveDocumentText(cmd *cobra.Command) (string, error) {
	text, err := cmd.Flags().GetString("text")
	if err != nil {
		return "", fmt.Errorf("failed to get text flag: %w", err)
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return "", fmt.Errorf("failed to get file flag: %w", err)
	}
	switch {
	case file == "-":
		data, readErr := io.ReadAll(cmd.InOrStdin())
		if readErr != nil {
			return "", fmt.Errorf("read stdin: %w", readErr)
		}
		return string(data), nil
	case file != "":
		data, readErr := os.ReadFile(file)
		if readErr != nil {
			return "", fmt.Errorf("read document %q: %w", file, readErr)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("either --text or --file is required")
	}
}

// DeleteCmd removes every chunk belonging to a document.
func DeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a document from the vector store",
		RunE:  handleDeleteCmd,
	}
	cmd.Flags().String("id", "", "Document ID to delete")
	return cmd
}

func handleDeleteCmd(cmd *cobra.Command, _ []string) error {
	ctx, err := commandContext(cmd)
	if err != nil {
		return err
	}
	docID, err := cmd.Flags().GetString("id")
	if err != nil {
		return fmt.Errorf("failed to get id flag: %w", err)
	}
	svc, _, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeService(ctx, svc)
	if err := svc.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "document %s deleted\n", docID)
	return nil
}

func closeService(ctx context.Context, svc *uc.Service) {
	if err := svc.Close(ctx); err != nil {
		logger.FromContext(ctx).Warn("failed to close service", "error", err)
	}
}
