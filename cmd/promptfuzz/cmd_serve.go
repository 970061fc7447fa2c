package main

import (
	"context"

	"github.com/spf13/cobra"

	"promptfuzz/internal/logging"
	mcpserver "promptfuzz/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: `Starts an MCP server over stdin/stdout. An agent connected to it answers the
prompts of a 'fuzz' run that uses the file handler (get_prompt,
submit_responses) and can inspect the campaign (get_status, list_programs,
list_energies, list_pairs).

The server exits when its parent process goes away.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()

	srv := mcpserver.NewServer(c.layout.ExchangeDir(), c.store)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := logging.New("mcp")
	mcpserver.WatchParent(ctx, log, cancel)

	log.Info("starting promptfuzz MCP server over stdio", "exchange", c.layout.ExchangeDir())
	return srv.Run(ctx)
}
