package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var metasCmd = &cobra.Command{
	Use:   "metas",
	Short: "Write seed_metas.csv from the campaign store",
	Long: `Writes one row per accepted seed: its path, seconds since the session
started, and the cumulative branch coverage at acceptance (driver mode).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openCampaign()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := writeSeedMetas(c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seed metas: %s\n", c.layout.SeedMetasPath())
		return nil
	},
}
