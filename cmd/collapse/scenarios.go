package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
)

func newScenariosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List the available scenarios and exposure conditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("scenario-file")
			catalog, err := loadCatalog(file)
			if err != nil {
				return err
			}
			for _, id := range catalog.IDs() {
				sc, _ := catalog.Get(id)
				shares := make([]string, len(sc.Labels))
				for i, l := range sc.Labels {
					shares[i] = fmt.Sprintf("%s %.0f%%", l, 100*sc.Initial[l])
				}
				fmt.Fprintf(os.Stdout, "%-22s %-40s %s\n", sc.ID, sc.Name, strings.Join(shares, " / "))
			}
			fmt.Fprintln(os.Stdout)
			for _, c := range exposure.Presets() {
				fmt.Fprintln(os.Stdout, c.String())
			}
			return nil
		},
	}
	cmd.Flags().String("scenario-file", "", "YAML file of extra scenarios")
	return cmd
}
