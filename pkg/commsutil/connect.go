// Package commsutil provides NATS connection helpers, subject naming and a
// small JSON codec shared by the comms transports.
package commsutil

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectParams configures a NATS connection. Zero durations and counts fall
// back to the defaults below.
type ConnectParams struct {
	URL           string
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectWait  = 2 * time.Second
	defaultMaxReconnects  = 60
)

func (p ConnectParams) withDefaults() ConnectParams {
	if p.Timeout <= 0 {
		p.Timeout = defaultConnectTimeout
	}
	if p.ReconnectWait <= 0 {
		p.ReconnectWait = defaultReconnectWait
	}
	if p.MaxReconnects == 0 {
		p.MaxReconnects = defaultMaxReconnects
	}
	return p
}

// Options returns the nats.go options for p, including connection state logging.
func (p ConnectParams) Options() []comms.Option {
	p = p.withDefaults()
	return []comms.Option{
		comms.Name(p.Name),
		comms.Timeout(p.Timeout),
		comms.ReconnectWait(p.ReconnectWait),
		comms.MaxReconnects(p.MaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - %s disconnected: %v", logPrefix, p.Name, err))
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - %s reconnected to %s", logPrefix, p.Name, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - %s connection closed", logPrefix, p.Name))
		}),
	}
}

// Connect opens a NATS connection described by p.
func Connect(p ConnectParams) (*comms.Conn, error) {
	if strings.TrimSpace(p.URL) == "" {
		return nil, fmt.Errorf("%s - url is required", logPrefix)
	}
	slog.Info(fmt.Sprintf("%s - Connecting to %s as %s", logPrefix, p.URL, p.Name))

	nc, err := comms.Connect(p.URL, p.Options()...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, p.URL, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to %s (secure=%v)", logPrefix, nc.ConnectedUrl(), IsSecureURL(p.URL)))
	return nc, nil
}

// IsSecureURL reports whether every server in a comma separated NATS URL list
// uses the tls scheme.
func IsSecureURL(url string) bool {
	servers := strings.Split(url, ",")
	for _, s := range servers {
		s = strings.ToLower(strings.TrimSpace(s))
		if !strings.HasPrefix(s, "tls://") {
			return false
		}
	}
	return len(servers) > 0 && strings.TrimSpace(url) != ""
}
