package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/kalifun/groundlink/pkg/config"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	paramsStruct string
	paramsOut    string
)

// paramsCmd extracts a command's parameter list from the C header declaring
// its structure and stores it where send looks for parameter files.
var paramsCmd = &cobra.Command{
	Use:   "params <header.h>",
	Short: "Generate a command parameter file from a C structure",
	Example: `  groundlink params es_msg.h
  groundlink params es_msg.h --struct CFE_ES_Restart_t --out ES_RESTART`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return generateParams(cfg, args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(paramsCmd)

	paramsCmd.Flags().StringVar(&paramsStruct, "struct", "", "structure to convert; lists the header's structures when empty")
	paramsCmd.Flags().StringVarP(&paramsOut, "out", "o", "", "parameter file name, relative to the definitions directory (default: the structure name)")
}

func generateParams(cfg config.Config, header string, out io.Writer) error {
	structs, err := defs.LoadHeaderStructs(header)
	if err != nil {
		return err
	}

	if paramsStruct == "" {
		for _, s := range structs {
			fmt.Fprintf(out, "%s (%d members)\n", s.Name, len(s.Members))
		}
		return nil
	}

	s, ok := defs.FindHeaderStruct(structs, paramsStruct)
	if !ok {
		return fmt.Errorf("%w: no structure %q in %s", config.ErrConfig, paramsStruct, header)
	}
	params, skipped := s.Parameters()
	for _, member := range skipped {
		logrus.WithField("member", member).Warn("Member has no command wire type, skipped")
	}

	name := paramsOut
	if name == "" {
		name = s.Name
	}
	path := defsPath(cfg, name)
	if err := defs.SaveParameters(path, params); err != nil {
		return err
	}

	for _, p := range params {
		fmt.Fprintf(out, "  %-24s %-6s %d\n", p.Name, p.Type, p.Length)
	}
	fmt.Fprintf(out, "wrote %d parameters to %s", len(params), path)
	if len(skipped) > 0 {
		fmt.Fprintf(out, " (skipped: %s)", strings.Join(skipped, " "))
	}
	fmt.Fprintln(out)
	return nil
}
