package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/pipeline"
)

var (
	processUser string
	processHint string
)

// dropEnqueuer discards queue jobs. The one-shot path runs the pipeline
// inline, so there are no workers to receive them.
type dropEnqueuer struct{}

func (dropEnqueuer) Enqueue(context.Context, model.Job) error               { return nil }
func (dropEnqueuer) EnqueueAfter(context.Context, model.Job, time.Duration) {}

// printConfirmer prints the proposal instead of parking it for a chat
// reply. One-shot runs have nobody to confirm interactively.
type printConfirmer struct{}

func (printConfirmer) RequestConfirmation(_ context.Context, log *model.ProcessingLog, merged model.MergedResult) error {
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal merged result")
	}
	os.Stdout.Write(out)        //nolint:errcheck
	os.Stdout.WriteString("\n") //nolint:errcheck
	return nil
}

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Process a single document and print the proposed transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		path := args[0]
		filename := filepath.Base(path)
		if _, ok := model.SupportedExtension(filename); !ok {
			return eris.Errorf("unsupported file type: %s", filename)
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "open document")
		}
		defer f.Close() //nolint:errcheck

		ref, err := env.Docs.Put(processUser, filename, f)
		if err != nil {
			return eris.Wrap(err, "store document")
		}

		orch := pipeline.New(
			cfg.Pipeline, cfg.Extractor,
			env.Store, env.Extractor, env.Docs, env.Renderer,
			env.Vision, env.Classifier, env.Verifier,
			printConfirmer{}, dropEnqueuer{},
			&pipeline.AuditListener{},
		)

		doc := model.Document{
			ID:         ref,
			UserID:     processUser,
			Channel:    "cli",
			StorageRef: ref,
			FileName:   filename,
			TypeHint:   model.GuessDocumentType(filename + " " + processHint),
			UploadedAt: time.Now().UTC(),
		}

		plog, err := orch.RunOnce(ctx, doc)
		if plog != nil {
			zap.L().Info("run finished",
				zap.String("log_id", plog.ID),
				zap.String("status", string(plog.Status)),
			)
		}
		if err != nil {
			return eris.Wrap(err, "process document")
		}
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processUser, "user", "cli", "user ID to attribute the document to")
	processCmd.Flags().StringVar(&processHint, "hint", "", "document type hint (boleta, factura, estado de cuenta)")
	rootCmd.AddCommand(processCmd)
}
