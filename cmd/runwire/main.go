package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/runwire/runwire/agent"
	"github.com/runwire/runwire/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runwire",
		Usage: "run scripts on a runwired agent and interact with them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Address (host:port) of the runwired agent.",
				Value:   "127.0.0.1:8090",
				EnvVars: []string{"RUNWIRE_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "scripts",
				Usage: "list the scripts the agent can run",
				Action: func(ctx *cli.Context) error {
					client, err := newClient(ctx)
					if err != nil {
						return err
					}
					scripts, err := client.ListScripts(ctx.Context)
					if err != nil {
						return err
					}
					for _, s := range scripts {
						fmt.Println(s)
					}
					return nil
				},
			},
			{
				Name:      "run",
				Usage:     "run a script, forwarding stdin lines to it (Ctrl-C terminates the script)",
				ArgsUsage: "SCRIPT",
				Action:    runScript,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(ctx *cli.Context) (*agent.Client, error) {
	logger, err := buildLogger(ctx.Bool("debug"))
	if err != nil {
		return nil, err
	}
	return agent.NewClient(logger, ctx.String("addr"))
}

func buildLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func runScript(ctx *cli.Context) error {
	script := ctx.Args().First()
	if script == "" {
		return fmt.Errorf("a script name is required")
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	sess, err := client.OpenSession(ctx.Context, session.WithTranscript(func(chunk string) {
		fmt.Print(chunk)
	}))
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = sess.Start(sigCtx, script)
	if err != nil {
		return err
	}

	// Forward stdin lines to the script for as long as it runs.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			err := sess.SendInput(sigCtx, scanner.Text())
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-sigCtx.Done():
		sess.Terminate(context.Background())
		<-sess.Done()
	case <-sess.Done():
	}

	if sess.State() == session.StateErrored {
		return fmt.Errorf("session failed: %s", sess.LastError())
	}
	return nil
}
