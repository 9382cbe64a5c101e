package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"
)

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("scan"),
	readline.PcItem("onboard",
		readline.PcItem("--host"),
		readline.PcItem("--port"),
		readline.PcItem("--fingerprint"),
		readline.PcItem("--uri"),
		readline.PcItem("--otp"),
	),
	readline.PcItem("status", readline.PcItem("--versions")),
	readline.PcItem("renew"),
	readline.PcItem("revoke"),
	readline.PcItem("default"),
	readline.PcItem("export",
		readline.PcItem("--what", readline.PcItem("cert"), readline.PcItem("chain"), readline.PcItem("pubkey")),
		readline.PcItem("--format", readline.PcItem("pem"), readline.PcItem("der")),
		readline.PcItem("--version"),
		readline.PcItem("--out"),
	),
	readline.PcItem("run"),
	readline.PcItem("journal",
		readline.PcItem("view"),
		readline.PcItem("export"),
		readline.PcItem("stats"),
	),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

func shellCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "interactive mode",
		Action: func(cCtx *cli.Context) error {
			if r.shell {
				return errors.New("already in the shell")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "trustpoint> ",
				AutoComplete:    shellCompleter,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			r.shell = true
			r.out, r.errOut = rl.Stdout(), rl.Stderr()
			defer func() { r.shell = false }()

			fmt.Fprintln(r.out, "Type 'help' for commands, 'quit' to exit.")
			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					continue
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}

				args := strings.Fields(line)
				if len(args) == 0 {
					continue
				}
				switch strings.ToLower(args[0]) {
				case "quit", "exit", "q":
					return nil
				case "help", "?":
					args = []string{"help"}
				}

				sub := newApp(r)
				sub.ExitErrHandler = func(*cli.Context, error) {}
				if err := sub.RunContext(cCtx.Context, append([]string{cCtx.App.Name}, args...)); err != nil {
					fmt.Fprintf(r.errOut, "Error: %v\n", err)
				}
			}
		},
	}
}
