package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Best effort: local development keeps endpoints in a .env file.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "kora",
		Usage: "Solana paymaster signing service CLI",
		Description: `A command-line tool for operating and debugging a kora deployment.

Use this CLI to validate configuration, inspect a running server, and
exercise the JSON-RPC methods.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "rpc",
				Usage: "Call JSON-RPC methods on a running server",
				Subcommands: []*cli.Command{
					getConfigCommand(),
					getBlockhashCommand(),
					getSupportedTokensCommand(),
					getPayerSignerCommand(),
					estimateFeeCommand(),
					signCommand(),
					signAndSendCommand(),
					transferCommand(),
				},
			},
			{
				Name:  "config",
				Usage: "Configuration file utilities",
				Subcommands: []*cli.Command{
					validateConfigCommand(),
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Base URL of the kora server",
				Value:   "http://localhost:8080",
				EnvVars: []string{"KORA_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key sent in the x-api-key header",
				EnvVars: []string{"KORA_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "hmac-secret",
				Usage:   "HMAC secret used to sign requests",
				EnvVars: []string{"KORA_HMAC_SECRET"},
			},
			&cli.StringFlag{
				Name:  "filter",
				Usage: "jq expression applied to the JSON result before printing",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
