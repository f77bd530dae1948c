package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/userbe/userbe/emu"
	"github.com/userbe/userbe/models"
)

func main() {
	var (
		verbose   bool
		bindNow   bool
		maxIns    uint64
		stackSize uint64
		heapSize  uint64
		prefix    string
		env       []string
	)

	rootCmd := &cobra.Command{
		Use:   "userbe [flags] program [args...]",
		Short: "run a 32-bit x86 binary under an interpreting loader",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			logger := log.NewNopLogger()
			if verbose {
				logger = level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowDebug())
			}
			config := &models.Config{
				Verbose:         verbose,
				BindNow:         bindNow,
				MaxInstructions: maxIns,
				StackSize:       stackSize,
				HeapSize:        heapSize,
				LoadPrefix:      prefix,
				Args:            args,
				Env:             env,
			}
			engine, err := emu.NewEngine(args[0], config, logger)
			if err != nil {
				return err
			}
			err = engine.Run()
			if status, ok := err.(models.ExitStatus); ok {
				os.Exit(int(status))
			}
			return err
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "log linker and syscall activity")
	flags.BoolVar(&bindNow, "bind-now", false, "resolve all plt entries at load time")
	flags.Uint64Var(&maxIns, "max-instructions", 0, "abort after this many instructions (0 = unlimited)")
	flags.Uint64Var(&stackSize, "stack-size", 0, "guest stack size in bytes")
	flags.Uint64Var(&heapSize, "heap-size", 0, "guest heap size in bytes")
	flags.StringVar(&prefix, "prefix", "", "directory searched for guest libraries")
	flags.StringArrayVarP(&env, "env", "e", nil, "guest environment entries (KEY=VALUE)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
