package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/snapshot"
	"github.com/sells-group/recovery-directory/internal/source"
)

// -- history --

var historyCmd = &cobra.Command{
	Use:   "history <organization-id>",
	Short: "Print the lineage of an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, closeFn, err := openLog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		exp, err := snapshot.ExportLineage(ctx, l, args[0])
		if err != nil {
			return eris.Wrap(err, "history")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return snapshot.Encode(cmd.OutOrStdout(), exp)
		}
		formatHistory(cmd.OutOrStdout(), exp.Entries)
		return nil
	},
}

// -- state-at --

var stateAtCmd = &cobra.Command{
	Use:   "state-at <organization-id> <RFC3339-time>",
	Short: "Print an organization's fields as of a point in time",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return eris.Wrapf(err, "state-at: parse time %q", args[1])
		}

		l, closeFn, err := openLog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		p, err := l.StateAt(ctx, args[0], at)
		if err != nil {
			return eris.Wrap(err, "state-at")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			OrganizationID string                 `json:"organization_id"`
			At             time.Time              `json:"at"`
			Fields         model.NormalizedFields `json:"fields"`
			Aliases        []string               `json:"aliases,omitempty"`
		}{args[0], at.UTC(), p.Fields, p.Aliases})
	},
}

// -- sources --

var sourcesCmd = &cobra.Command{
	Use:   "sources <organization-id>",
	Short: "List the source records currently attached to an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, closeFn, err := openLog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		refs, err := l.SourcesFor(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sources")
		}
		formatSources(cmd.OutOrStdout(), refs, cfg.Sources)
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("json", false, "print the full lineage export as JSON")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(stateAtCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// formatHistory writes one line per lineage entry.
func formatHistory(out io.Writer, entries []model.LineageEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tSOURCE\tRECORD\tEXTRACTED\tCURRENT\tNAME")
	_, _ = fmt.Fprintln(w, "-------\t------\t------\t---------\t-------\t----")
	for _, e := range entries {
		current := ""
		if e.IsCurrent {
			current = "*"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.VersionNumber,
			e.SourceID,
			e.RecordKey,
			e.ExtractedAt.Format("2006-01-02 15:04"),
			current,
			e.Snapshot.Name,
		)
	}
	_ = w.Flush()
}

// formatSources writes one line per attached record with the source's
// display name when the registry knows it.
func formatSources(out io.Writer, refs []string, reg source.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tRECORD\tNAME")
	for _, ref := range refs {
		src, key := model.SplitRef(ref)
		name := reg[src].Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", src, key, name)
	}
	_ = w.Flush()
}
