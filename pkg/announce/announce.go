// Package announce publishes mutating operations: a one-line message to the
// tcpircbot sink, and (for dbctl commits) the full diff to a paste service.
package announce

import (
	"fmt"
	"net"
	"os/user"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"

	"github.com/confctl/confctl/pkg/config"
)

// Announcer writes single-line messages to the configured tcpircbot
// endpoint. Failures are logged and swallowed: announcements are
// best-effort and never block an operation.
type Announcer struct {
	addr string
	who  string
}

func New(cfg config.Config) *Announcer {
	a := &Announcer{who: identity()}
	if cfg.TCPircbotHost != "" && cfg.TCPircbotPort != 0 {
		a.addr = net.JoinHostPort(cfg.TCPircbotHost, fmt.Sprintf("%d", cfg.TCPircbotPort))
	}
	return a
}

// identity renders "user@host" for the announcement prefix.
func identity() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	hostname := "unknown"
	if info, err := host.Info(); err == nil {
		hostname = info.Hostname
	}
	return fmt.Sprintf("%s@%s", username, hostname)
}

// Who returns the user@host identity used in announcements.
func (a *Announcer) Who() string { return a.who }

// Announce sends one line identifying the actor and the operation.
func (a *Announcer) Announce(message string) {
	line := fmt.Sprintf("!log %s %s", a.who, message)
	if a.addr == "" {
		logrus.Info(line)
		return
	}
	conn, err := net.DialTimeout("tcp", a.addr, 5*time.Second)
	if err != nil {
		logrus.WithError(err).Warn("could not reach the announcement sink")
		return
	}
	defer conn.Close()
	if _, err := fmt.Fprintln(conn, line); err != nil {
		logrus.WithError(err).Warn("could not write the announcement")
	}
}
