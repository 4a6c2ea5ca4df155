package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"switchboard/internal/module"
	"switchboard/internal/swbconfig"
)

var printDefaultConfigCmd = &cobra.Command{
	Use:   "print-default-config",
	Short: "Print an empty, schema-valid config document to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := swbconfig.New().Document()
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config <path>",
	Short: "Load and validate a config file without starting the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swbconfig.Load(args[0])
		if err != nil {
			return fatalf("%v", err)
		}
		if err := validateModuleRefs(cfg); err != nil {
			return fatalf("%v", err)
		}
		fmt.Println("config OK")
		return nil
	},
}

// validateModuleRefs checks every module reference in the config document
// against the closed set registered at compile time (spec §7 Fatal class:
// "unknown module reference").
func validateModuleRefs(cfg *swbconfig.Store) error {
	for ref := range cfg.Document().Modules {
		if _, ok := module.Lookup(ref); !ok {
			return fmt.Errorf("unknown module reference %q", ref)
		}
	}
	return nil
}

// fatalf marks an error as belonging to spec §7's Fatal class; cobra's
// error path already maps any RunE error to exit code 1.
func fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
