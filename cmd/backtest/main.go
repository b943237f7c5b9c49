package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

const (
	appName    = "QuantLink Pairs Backtest"
	appVersion = "1.0.0"
)

func main() {
	app := &cli.App{
		Name:    "backtest",
		Usage:   "配对交易回测: cointegration screen, z-score signals, per-pair simulation",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (YAML); QUANTLINK_PAIRS_* variables override it",
				EnvVars: []string{"QUANTLINK_PAIRS_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "do not print the banner",
			},
		},
		Before: func(c *cli.Context) error {
			if !c.Bool("quiet") {
				printBanner()
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			pairCommand(),
			screenCommand(),
			optimizeCommand(),
			compareCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  %-56s  ║\n", appName+" v"+appVersion)
	fmt.Println("║  协整配对筛选 / 价差信号 / 逐对模拟                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
