package announce

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confctl/confctl/pkg/config"
)

func TestAnnounceWritesOneLine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	cfg := config.Default()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	cfg.TCPircbotHost = host
	cfg.TCPircbotPort, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	a := New(cfg)
	a.Announce("dbctl commit (dc=all): \"test\"")

	select {
	case line := <-lines:
		assert.Contains(t, line, "!log ")
		assert.Contains(t, line, "dbctl commit")
		assert.Contains(t, line, a.Who())
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement received")
	}
}

func TestAnnounceUnreachableSinkIsBestEffort(t *testing.T) {
	cfg := config.Default()
	cfg.TCPircbotHost = "127.0.0.1"
	cfg.TCPircbotPort = 1 // nothing listens here
	a := New(cfg)
	assert.NotPanics(t, func() { a.Announce("lost message") })
}

func TestPasteSinkNilIsSafe(t *testing.T) {
	var p *PasteSink
	assert.Equal(t, "", p.Post("title", "content"))
}
