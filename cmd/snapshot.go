package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write the canonical directory as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		opts := snapshot.Options{}
		if v, _ := cmd.Flags().GetString("category"); v != "" {
			cat, err := model.ParseCategory(v)
			if err != nil {
				return err
			}
			opts.Category = cat
		}
		opts.IncludeInactive, _ = cmd.Flags().GetBool("include-inactive")

		l, closeFn, err := openLog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		d, err := snapshot.Build(ctx, l.Store(), opts)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "-" {
			return snapshot.Encode(cmd.OutOrStdout(), d)
		}
		if out == "" {
			out = filepath.Join(cfg.Snapshot.OutputDir, "directory.json")
		}
		if err := snapshot.WriteFile(out, d); err != nil {
			return err
		}

		zap.L().Info("snapshot written",
			zap.String("path", out),
			zap.Int("organizations", len(d.Organizations)),
			zap.String("run_id", d.RunID),
		)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().String("out", "", "output path, - for stdout (default <snapshot.output_dir>/directory.json)")
	snapshotCmd.Flags().String("category", "", "limit to one category")
	snapshotCmd.Flags().Bool("include-inactive", false, "include deactivated organizations")
	rootCmd.AddCommand(snapshotCmd)
}
