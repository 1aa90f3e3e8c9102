package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/runwire/runwire/agent"
	"github.com/runwire/runwire/sandbox"
	"github.com/runwire/runwire/sandbox/docker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runwired",
		Usage: "the agent that runs scripts for runwire clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "127.0.0.1:8090",
				EnvVars: []string{"RUNWIRE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "scripts-dir",
				Usage:   "Directory containing the runnable scripts.",
				Value:   "./scripts",
				EnvVars: []string{"RUNWIRE_SCRIPTS_DIR"},
			},
			&cli.StringFlag{
				Name:  "sandbox",
				Usage: "How to run scripts. One of [host,docker].",
				Value: "host",
			},
			&cli.StringFlag{
				Name:  "docker-image",
				Usage: "Image to run scripts in when --sandbox=docker.",
				Value: "python:3-alpine",
			},
			&cli.StringFlag{
				Name:  "interpreter",
				Usage: "Interpreter command for scripts, space-separated.",
				Value: "python3 -u",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			listenAddr := ctx.String("listen-addr")
			scriptsDir := ctx.String("scripts-dir")
			sandboxKind := ctx.String("sandbox")
			dockerImage := ctx.String("docker-image")
			interpreter := strings.Fields(ctx.String("interpreter"))

			var runner sandbox.Runner
			switch sandboxKind {
			case "host":
				runner = &sandbox.Exec{Interpreter: interpreter}
			case "docker":
				r, err := docker.NewRunner(dockerImage)
				if err != nil {
					return fmt.Errorf("building docker runner: %w", err)
				}
				r.Interpreter = interpreter
				runner = r
			default:
				return fmt.Errorf("unsupported sandbox %q", sandboxKind)
			}

			logger, err := buildLogger(ctx.Bool("debug"))
			if err != nil {
				return err
			}

			a, err := agent.New(scriptsDir,
				agent.WithListenAddr(listenAddr),
				agent.WithRunner(runner),
				agent.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}
			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
