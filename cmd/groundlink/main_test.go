package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalifun/groundlink/pkg/config"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/kalifun/groundlink/pkg/transport/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "groundlink dev\n", out.String())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 1235, portOf(":1235"))
	assert.Equal(t, 0, portOf("nonsense"))

	cfg := config.Default()
	cfg.Definitions.Directory = "/srv/defs"
	assert.Equal(t, "/srv/defs/pages.txt", defsPath(cfg, "pages.txt"))
	assert.Equal(t, "/abs/pages.txt", defsPath(cfg, "/abs/pages.txt"))
	assert.Equal(t, "", defsPath(cfg, ""))

	pages := []defs.CommandPage{{Description: "ES Command"}, {Description: "TO Command"}}
	page, ok := findCommandPage(pages, "to command")
	require.True(t, ok)
	assert.Equal(t, "TO Command", page.Description)
	_, ok = findCommandPage(pages, "SB Command")
	assert.False(t, ok)
}

func TestSendRaw(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	sendHost = "127.0.0.1"
	sendPort = conn.LocalAddr().(*net.UDPAddr).Port
	sendStream = "0x1806"
	sendEndian = "LE"
	sendCode = 2
	sendRawArgs = []string{"half=42"}
	defer func() { sendStream, sendRawArgs, sendCode = "", nil, 0 }()

	require.NoError(t, sendRaw(context.Background(), udp.NewCommandTransport(time.Second)))

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x18, 0x06, 0xC0, 0x00, 0x00, 0x03, 0x00, 0x02, 0x2A, 0x00}, buf[:n])
}

func TestSendRawRequiresStream(t *testing.T) {
	sendStream = ""
	assert.Error(t, sendRaw(context.Background(), udp.NewCommandTransport(time.Second)))
}

func TestApplyServeFlags(t *testing.T) {
	defer func() { serveListen, serveDisplayAddr = nil, "" }()

	serveListen = []string{"127.0.0.1:1300", ":1301"}
	serveDisplayAddr = ":8095"
	cfg := config.Default()
	require.NoError(t, applyServeFlags(serveCmd, &cfg))
	require.Len(t, cfg.Listeners, 2)
	assert.Equal(t, "listen-1", cfg.Listeners[1].Name)
	assert.Equal(t, ":8095", cfg.Display.Address)

	serveListen = []string{"no-port"}
	cfg = config.Default()
	assert.ErrorIs(t, applyServeFlags(serveCmd, &cfg), config.ErrConfig)
}

func TestGenerateParams(t *testing.T) {
	defer func() { paramsStruct, paramsOut = "", "" }()

	dir := t.TempDir()
	header := filepath.Join(dir, "es_msg.h")
	require.NoError(t, os.WriteFile(header, []byte(`typedef struct {
    CFE_MSG_CommandHeader_t CmdHeader;
    uint16 RestartType;
} CFE_ES_RestartCmd_t;
`), 0o644))
	cfg := config.Default()
	cfg.Definitions.Directory = dir

	var out bytes.Buffer
	require.NoError(t, generateParams(cfg, header, &out))
	assert.Equal(t, "CFE_ES_RestartCmd_t (2 members)\n", out.String())

	paramsStruct, paramsOut = "CFE_ES_RestartCmd_t", "ES_RESTART"
	out.Reset()
	require.NoError(t, generateParams(cfg, header, &out))
	assert.Contains(t, out.String(), "wrote 1 parameters")

	params, err := defs.NewParamStore(dir).Load("ES_RESTART")
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "RestartType", params[0].Name)

	paramsStruct = "Missing_t"
	assert.ErrorIs(t, generateParams(cfg, header, &out), config.ErrConfig)
}
