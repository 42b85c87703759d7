package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultDialTimeout bounds one TCP probe
const DefaultDialTimeout = 2 * time.Second

// TCPChecker reports healthy once Address accepts a connection. The
// accounting store gets no deeper probe: slurmdbd only needs the port open.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for address ("mysql:3306")
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultDialTimeout}
}

// Check dials Address once
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{CheckedAt: start}

	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	res.Duration = time.Since(start)
	if err != nil {
		res.Message = fmt.Sprintf("%s not accepting connections: %v", t.Address, err)
		return res
	}
	conn.Close()

	res.Healthy = true
	res.Message = t.Address + " accepting connections"
	return res
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
