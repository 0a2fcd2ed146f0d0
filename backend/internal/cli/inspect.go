package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/replica"
)

type InspectResult struct {
	DocumentID    string            `json:"documentId" yaml:"documentId"`
	Kind          string            `json:"kind" yaml:"kind"`
	UpdatedAt     time.Time         `json:"updatedAt" yaml:"updatedAt"`
	EncodedBytes  int               `json:"encodedBytes" yaml:"encodedBytes"`
	Fields        map[string]string `json:"fields" yaml:"fields"`
	CacheMatches  bool              `json:"cacheMatches" yaml:"cacheMatches"`
	LatestVersion int64             `json:"latestVersion" yaml:"latestVersion"`
	Snapshots     int               `json:"snapshots" yaml:"snapshots"`
}

// NewInspectCommand 解码持久化的最新状态，并核对物化缓存是否与之一致
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <docId>",
		Short: "Decode the persisted state of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, closeStore, err := rootOpts.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			docID := args[0]
			latest, err := st.GetLatestState(ctx, collab.DocumentStrategy.Kind, docID)
			if err != nil {
				return err
			}
			r, err := replica.FromEncodedState(docID, "inspect", latest.EncodedState)
			if err != nil {
				return err
			}
			content := r.Materialize()
			res := InspectResult{
				DocumentID:   docID,
				Kind:         latest.Kind,
				UpdatedAt:    latest.UpdatedAt,
				EncodedBytes: len(latest.EncodedState),
				Fields:       content.Fields,
				CacheMatches: content.JSON() == latest.MaterializedContent,
			}
			if res.Fields == nil {
				res.Fields = map[string]string{}
			}
			if res.LatestVersion, err = st.GetMaxVersion(ctx, docID); err != nil {
				return err
			}
			snaps, err := st.ListSnapshots(ctx, docID)
			if err != nil {
				return err
			}
			res.Snapshots = len(snaps)

			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) error {
				fmt.Fprintf(w, "document %s (%s), %d bytes, updated %s\n", res.DocumentID, res.Kind, res.EncodedBytes, res.UpdatedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "latest version %d, %d snapshots, cache matches: %t\n", res.LatestVersion, res.Snapshots, res.CacheMatches)
				for _, name := range content.FieldNames() {
					fmt.Fprintf(w, "  %s: %q\n", name, content.Fields[name])
				}
				return nil
			})
		},
	}
	return cmd
}
