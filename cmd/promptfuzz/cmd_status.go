package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"promptfuzz/internal/format"
	"promptfuzz/internal/program"
)

var viewFlags struct {
	format string
	status string
	top    int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the campaign session and corpus counts",
	RunE:  runStatus,
}

var energiesCmd = &cobra.Command{
	Use:   "energies",
	Short: "Show API energies from the last completed round",
	RunE:  runEnergies,
}

var programsCmd = &cobra.Command{
	Use:   "programs",
	Short: "List generated programs",
	RunE:  runPrograms,
}

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "List discovered API pairs",
	RunE:  runPairs,
}

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "List round summaries",
	RunE:  runRounds,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, energiesCmd, programsCmd, pairsCmd, roundsCmd} {
		c.Flags().StringVar(&viewFlags.format, "format", "ascii", "Table format: ascii or markdown")
	}
	energiesCmd.Flags().IntVar(&viewFlags.top, "top", 20, "Show the N highest energies (0 = all)")
	programsCmd.Flags().StringVar(&viewFlags.status, "status", "", "Filter by status: accepted or rejected")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	out := cmd.OutOrStdout()

	snap, err := c.store.LatestSnapshot()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if snap == nil {
		fmt.Fprintf(out, "No session in %s\n", c.layout.DBPath())
		fmt.Fprintf(out, "Run 'promptfuzz fuzz' to start one.\n")
		return nil
	}
	acc, err := c.store.ListPrograms(program.StatusAccepted)
	if err != nil {
		return err
	}
	rej, err := c.store.ListPrograms(program.StatusRejected)
	if err != nil {
		return err
	}
	fmt.Fprint(out, format.Status(format.ParseMode(viewFlags.format), snap, len(acc), len(rej), time.Now()))
	fmt.Fprintln(out)
	return nil
}

func runEnergies(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	recs, err := c.store.ListEnergies()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.Energies(format.ParseMode(viewFlags.format), recs, viewFlags.top))
	return nil
}

func runPrograms(cmd *cobra.Command, _ []string) error {
	status := program.Status(viewFlags.status)
	switch status {
	case "", program.StatusAccepted, program.StatusRejected:
	default:
		return fmt.Errorf("unknown status %q", viewFlags.status)
	}
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	recs, err := c.store.ListPrograms(status)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.Programs(format.ParseMode(viewFlags.format), recs))
	return nil
}

func runPairs(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	pairs, err := c.store.ListPairs()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.Pairs(format.ParseMode(viewFlags.format), pairs))
	return nil
}

func runRounds(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	rounds, err := c.store.ListRounds()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.Rounds(format.ParseMode(viewFlags.format), rounds))
	return nil
}
