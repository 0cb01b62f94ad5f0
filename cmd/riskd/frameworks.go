package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"OpenGRC-Risk/internal/catalog"
	"OpenGRC-Risk/internal/config"
)

func newFrameworksCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "frameworks",
		Short: "List the framework catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := config.Load(config.ResolvePath(*configPath))
				if err != nil {
					return err
				}
				dir = cfg.Catalog.Dir
			}
			frameworks, err := catalog.LoadDir(dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tCONTROLS")
			for _, fw := range frameworks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", fw.ID, fw.Name, fw.Version, len(fw.Controls))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "catalog directory (defaults to catalog.dir from the config)")
	return cmd
}
