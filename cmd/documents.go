package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"ragdesk_back/knowledge"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

var processCmd = &cobra.Command{
	Use:   "process <document-id>",
	Short: "Run the ingestion pipeline for one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := processDocument(ctx, a.repo, a.pipeline, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

type documentGetter interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
}

type documentProcessor interface {
	Process(ctx context.Context, documentID string) (*knowledge.ProcessResult, error)
	Reindex(ctx context.Context, documentID string) (*knowledge.ProcessResult, error)
}

// processDocument runs a pending document through the pipeline. A document
// that already produced vectors, or failed part way, is reindexed so its old
// chunks are dropped first.
func processDocument(ctx context.Context, docs documentGetter, p documentProcessor, id string) (*knowledge.ProcessResult, error) {
	doc, err := docs.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, knowledge.ErrDocumentNotFound
		}
		return nil, err
	}
	switch doc.ProcessingStatus {
	case store.StatusProcessing:
		return nil, fmt.Errorf("document %s is already being processed", id)
	case store.StatusCompleted, store.StatusFailed:
		log.Printf("cmd: document %s is %s, reindexing", id, doc.ProcessingStatus)
		return p.Reindex(ctx, id)
	}
	return p.Process(ctx, id)
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <document-id>",
	Short: "Drop the vectors of a document and process it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := a.pipeline.Reindex(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document with its vectors and stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.pipeline.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		})
	},
}

var vectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "Inspect the vector store",
}

var vectorsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report vector store connectivity and collection size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		vectors, err := vectorstore.New(cfg.Vector, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		defer vectors.Close()
		return printJSON(vectors.CheckConnection(context.Background()))
	},
}

var vectorsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of stored chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		vectors, err := vectorstore.New(cfg.Vector, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		defer vectors.Close()
		n, err := vectors.Count(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	vectorsCmd.AddCommand(vectorsCheckCmd, vectorsCountCmd)
	rootCmd.AddCommand(processCmd, reindexCmd, deleteCmd, vectorsCmd)
}
