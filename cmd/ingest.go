package main

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/ingest"
	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/normalize"
	"github.com/sells-group/recovery-directory/internal/source"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <manifest.yaml>",
	Short: "Run one ingestion pass over a batch manifest",
	Long:  "Loads every adapter file listed in the manifest, resolves the records into organizations, appends lineage, and prints the run report as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		manifest, err := source.LoadManifest(args[0])
		if err != nil {
			return err
		}

		vocab, err := loadVocabulary(cfg.Normalize.VocabularyFile)
		if err != nil {
			return err
		}

		engineCfg := cfg.Ingest.EngineConfig()
		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			engineCfg.Workers = w
		}

		inputs, err := manifest.Load(ctx, cfg.Sources, engineCfg.Workers)
		if err != nil {
			return err
		}

		l, closeFn, err := openLog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := runIngest(ctx, l, normalize.New(vocab), engineCfg, inputs)
		if err != nil {
			return err
		}

		zap.L().Info("ingest complete",
			zap.String("run_id", res.Run.ID),
			zap.Int64("cycle", res.Run.Cycle),
			zap.Int("ingested", res.Report.Ingested),
			zap.Int("created", res.Report.Created),
			zap.Int("merged", res.Report.Merged),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Report)
	},
}

func runIngest(ctx context.Context, l *lineage.Log, norm *normalize.Normalizer, c ingest.Config, inputs []normalize.Input) (*ingest.Result, error) {
	res, err := ingest.New(l, norm, c).Run(ctx, inputs)
	if err != nil {
		return nil, eris.Wrap(err, "ingest")
	}
	return res, nil
}

func loadVocabulary(path string) (*normalize.Vocabulary, error) {
	if path == "" {
		return normalize.DefaultVocabulary(), nil
	}
	return normalize.LoadVocabularyFile(path)
}

func init() {
	ingestCmd.Flags().Int("workers", 0, "parallel workers (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
