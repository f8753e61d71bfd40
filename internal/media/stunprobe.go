package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// ProbeSTUN sends a binding request to each configured reflection server and
// logs the reflexive address it reports. It is a preflight diagnostic only:
// unreachable servers are logged, never treated as call failures.
func ProbeSTUN(ctx context.Context, log *zap.Logger, urls []string) {
	log = log.Named("stunprobe")
	for _, url := range urls {
		addr := strings.TrimPrefix(url, "stun:")
		if !strings.Contains(addr, ":") {
			addr += ":3478"
		}
		if err := probeOne(ctx, addr); err != nil {
			log.Warn("STUN server unreachable",
				zap.String("server", addr), zap.Error(err))
			continue
		}
		log.Debug("STUN server reachable", zap.String("server", addr))
	}
}

func probeOne(ctx context.Context, addr string) error {
	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	client.SetRTO(500 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return err
	}

	var probeErr error
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(req, func(res stun.Event) {
		if res.Error != nil {
			probeErr = res.Error
			return
		}
		var reflexive stun.XORMappedAddress
		if err := reflexive.GetFrom(res.Message); err != nil {
			probeErr = fmt.Errorf("no mapped address: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return probeErr
}
