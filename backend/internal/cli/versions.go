package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	var withContent bool
	cmd := &cobra.Command{
		Use:   "versions <docId>",
		Short: "List the version history of a document, newest first",
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

			versions, err := st.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			if !withContent {
				for i := range versions {
					versions[i].Content = ""
				}
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, versions, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tKIND\tAUTHOR\tCREATED\tNOTE")
				for _, v := range versions {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.VersionNumber, v.Kind, v.AuthorName, v.CreatedAt.Format(time.RFC3339), v.Note)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&withContent, "content", false, "include version content")
	return cmd
}
