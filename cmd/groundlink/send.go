package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/command"
	"github.com/kalifun/groundlink/pkg/config"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/kalifun/groundlink/pkg/transport/udp"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/spf13/cobra"
)

var (
	sendPage    string
	sendCommand string
	sendValues  []string
	sendList    bool

	sendHost    string
	sendPort    int
	sendStream  string
	sendEndian  string
	sendCode    int
	sendRawArgs []string
)

// sendCmd encodes one command. With --page the target, code and parameter
// types come from the definition catalogs; otherwise everything is given on
// the command line.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Encode and send a command packet",
	Example: `  groundlink send --page "ES Command" --command "No-op"
  groundlink send --page "TO Command" --command "Enable Output" --arg 127.0.0.1
  groundlink send --host 127.0.0.1 --port 1234 --stream 0x1806 --code 2 --raw-arg half=42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		transport := udp.NewCommandTransport(0)
		if sendPage != "" {
			return sendFromCatalog(cmd.Context(), cfg, transport, cmd.OutOrStdout())
		}
		return sendRaw(cmd.Context(), transport)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendPage, "page", "", "command page description from the command page catalog")
	sendCmd.Flags().StringVar(&sendCommand, "command", "", "command description within the page")
	sendCmd.Flags().StringArrayVar(&sendValues, "arg", nil, "parameter value in declaration order, repeatable")
	sendCmd.Flags().BoolVar(&sendList, "list", false, "list the commands of --page and their parameters")

	sendCmd.Flags().StringVar(&sendHost, "host", "127.0.0.1", "target address")
	sendCmd.Flags().IntVar(&sendPort, "port", 1234, "target UDP port")
	sendCmd.Flags().StringVar(&sendStream, "stream", "", "command stream id, e.g. 0x1806")
	sendCmd.Flags().StringVar(&sendEndian, "endian", "LE", "target byte order")
	sendCmd.Flags().IntVar(&sendCode, "code", 0, "command function code")
	sendCmd.Flags().StringArrayVar(&sendRawArgs, "raw-arg", nil, "typed argument such as half=42 or string=10:abc, repeatable")
}

func findCommandPage(pages []defs.CommandPage, description string) (defs.CommandPage, bool) {
	for _, p := range pages {
		if strings.EqualFold(p.Description, description) {
			return p, true
		}
	}
	return defs.CommandPage{}, false
}

func sendFromCatalog(ctx context.Context, cfg config.Config, transport core.CommandTransport, out io.Writer) error {
	pages, err := defs.LoadCommandPages(defsPath(cfg, cfg.Definitions.CommandPages))
	if err != nil {
		return err
	}
	page, ok := findCommandPage(pages, sendPage)
	if !ok {
		return fmt.Errorf("command page %q not found", sendPage)
	}
	cmds, err := defs.LoadCommandDefinitions(defsPath(cfg, page.DefFile))
	if err != nil {
		return err
	}
	params := defs.NewParamStore(cfg.Definitions.Directory)

	if sendList {
		return listCommands(out, cmds, params)
	}

	desc, ok := defs.FindCommand(cmds, sendCommand)
	if !ok {
		return fmt.Errorf("command %q not found on page %q", sendCommand, page.Description)
	}
	sender := command.NewSender(transport, params)
	if err := sender.Send(ctx, command.TargetFromPage(page), desc, sendValues); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %q (code %d) to %s:%d\n", desc.Description, desc.Code, page.Address, page.Port)
	return nil
}

func listCommands(out io.Writer, cmds []types.CommandDescriptor, params *defs.ParamStore) error {
	for _, c := range cmds {
		fmt.Fprintf(out, "%3d  %s\n", c.Code, c.Description)
		list, err := params.Load(c.ParameterFile)
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Fprintf(out, "       %-20s %-8s %s\n", p.Name, p.Type, p.Description)
		}
	}
	return nil
}

func sendRaw(ctx context.Context, transport core.CommandTransport) error {
	if sendStream == "" {
		return fmt.Errorf("%w: --page or --stream is required", codec.ErrInvalidArgument)
	}
	stream, err := codec.ParsePacketID(sendStream)
	if err != nil {
		return err
	}
	endian, err := types.ParseEndianness(sendEndian)
	if err != nil {
		return err
	}
	args := make([]types.CommandArgument, 0, len(sendRawArgs))
	for _, a := range sendRawArgs {
		arg, err := types.ParseCommandArgument(a)
		if err != nil {
			return fmt.Errorf("%w: %v", codec.ErrInvalidArgument, err)
		}
		args = append(args, arg)
	}
	return transport.SendCommand(ctx, core.CommandRequest{
		Host:     sendHost,
		Port:     sendPort,
		StreamID: stream,
		Endian:   endian,
		Code:     sendCode,
		Args:     args,
	})
}
