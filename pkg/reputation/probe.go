package reputation

import (
	"context"
	"net"
	"time"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

// Prober checks that the reputation service is reachable before a query.
type Prober interface {
	Reachable(ctx context.Context) error
}

// DialProber opens and closes a TCP connection to Address.
type DialProber struct {
	Address string
	Timeout time.Duration
}

// NewDialProber returns a prober with a 5s default timeout.
func NewDialProber(address string, timeout time.Duration) *DialProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DialProber{Address: address, Timeout: timeout}
}

func (p *DialProber) Reachable(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return ferrors.NewNetworkUnavailableError(component, p.Address, err)
	}
	return conn.Close()
}
