package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/xavierScript/kora-go/service/config"
)

func validateConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate kora.toml and signers.toml without starting the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the service config file",
				Value:   "kora.toml",
				EnvVars: []string{"KORA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "signers",
				Usage:   "Path to the signers config file",
				Value:   "signers.toml",
				EnvVars: []string{"KORA_SIGNERS_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("service config: %w", err)
			}
			signersCfg, err := config.LoadSigners(c.String("signers"))
			if err != nil {
				return fmt.Errorf("signers config: %w", err)
			}

			fmt.Printf("service config OK: %d allowed programs, %d allowed tokens, price model %q\n",
				len(cfg.Validation.AllowedPrograms),
				len(cfg.Validation.AllowedTokens),
				cfg.Validation.Price.Type,
			)
			fmt.Printf("signers config OK: %d signers, strategy %q\n",
				len(signersCfg.Signers),
				signersCfg.SignerPool.Strategy,
			)
			return nil
		},
	}
}
