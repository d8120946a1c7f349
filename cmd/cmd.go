package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/loxc/loxc/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

// App builds the loxc CLI: a `run` subcommand that compiles and
// executes a source file, and a `repl` subcommand that does the same
// interactively, line by line, over a shared VM.
func App() (app *cobra.Command) {
	app = &cobra.Command{
		Use:   "loxc",
		Short: "Compile and run Lox source with the loxc bytecode compiler",
	}

	app.PersistentFlags().SortFlags = true
	defaultVerbosityStr := "INFO"
	verbosity := app.PersistentFlags().StringP("verbosity", "v", defaultVerbosityStr, "Logging verbosity")

	app.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		verbosityLvl, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			verbosityLvl, _ = logrus.ParseLevel(defaultVerbosityStr)
		}
		logrus.SetLevel(verbosityLvl)
		logrus.SetFormatter(&easy.Formatter{LogFormat: "//DBG// %msg%\n"})
	}

	app.AddCommand(runCmd(), replCmd())
	return
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <path>",
		Short: "Compile and run a Lox source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := vm.NewVM().Interpret(string(src)); err != nil {
				return err
			}
			return nil
		},
	}
}

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive Lox session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rl, err := readline.New("lox> ")
			if err != nil {
				return err
			}
			defer rl.Close()

			vm.NewVM().REPL(
				func() (string, error) {
					line, err := rl.Readline()
					if err == readline.ErrInterrupt || err == io.EOF {
						return "", io.EOF
					}
					return line, err
				},
				func(s string) { fmt.Println(s) },
			)
			return nil
		},
	}
}
