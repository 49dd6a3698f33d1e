package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// ParamLoader resolves a command's parameter reference. An empty result means
// the command takes no parameters.
type ParamLoader interface {
	Load(key string) ([]types.ParameterDefinition, error)
}

// Target is the application a command is addressed to.
type Target struct {
	Host     string
	Port     int
	StreamID uint16
	Endian   types.Endianness
}

// TargetFromPage returns the target described by a command page.
func TargetFromPage(page defs.CommandPage) Target {
	return Target{Host: page.Address, Port: page.Port, StreamID: page.StreamID, Endian: page.Endian}
}

func (t Target) validate() error {
	if t.Host == "" {
		return fmt.Errorf("%w: target host is required", codec.ErrInvalidArgument)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("%w: target port %d", codec.ErrInvalidArgument, t.Port)
	}
	return nil
}

// Sender encodes operator input and hands it to a command transport.
type Sender struct {
	id        string
	transport core.CommandTransport
	params    ParamLoader
	logger    *logrus.Entry
}

func NewSender(transport core.CommandTransport, params ParamLoader) *Sender {
	id := fmt.Sprintf("sender-%s", uuid.New().String())
	return &Sender{
		id:        id,
		transport: transport,
		params:    params,
		logger:    logrus.WithField("component", id),
	}
}

func (s *Sender) ID() string {
	return s.id
}

// Send transmits cmd to target. Parameterless commands go out as the bare
// command code and any values are ignored. Delivery is not confirmed.
func (s *Sender) Send(ctx context.Context, target Target, cmd types.CommandDescriptor, values []string) error {
	if err := target.validate(); err != nil {
		return err
	}

	params, err := s.params.Load(cmd.ParameterFile)
	if err != nil {
		return fmt.Errorf("command %q: %w", cmd.Description, err)
	}

	var args []types.CommandArgument
	if len(params) == 0 {
		if len(values) > 0 && values[0] != "" {
			s.logger.WithField("command", cmd.Description).Warn("Command takes no parameters, values ignored")
		}
	} else {
		args = codec.EncodeArguments(params, values)
	}

	req := core.CommandRequest{
		Host:     target.Host,
		Port:     target.Port,
		StreamID: target.StreamID,
		Endian:   target.Endian,
		Code:     cmd.Code,
		Args:     args,
	}
	if err := s.transport.SendCommand(ctx, req); err != nil {
		return fmt.Errorf("command %q: %w", cmd.Description, err)
	}

	s.logger.WithFields(logrus.Fields{
		"command": cmd.Description,
		"code":    cmd.Code,
		"target":  fmt.Sprintf("%s:%d", target.Host, target.Port),
		"args":    len(args),
	}).Info("Command sent")
	return nil
}
