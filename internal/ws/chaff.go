package ws

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"sealroom/server/internal/core"
	"sealroom/server/internal/protocol"
)

// chaffIntervals are the periods of the three noise taps. Each tap
// injects one random chat frame into every live connection per tick,
// blurring traffic analysis of real message timing.
var chaffIntervals = []time.Duration{time.Second, 5 * time.Second, 10 * time.Second}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RunChaff feeds random chat_message frames to all connections until
// ctx is canceled. Opt-in; wired behind the -chaff flag.
func RunChaff(ctx context.Context, conns *core.ConnectionTable) {
	slog.Info("chaff taps enabled", "taps", len(chaffIntervals))
	for _, interval := range chaffIntervals {
		go runChaffTap(ctx, conns, interval)
	}
}

func runChaffTap(ctx context.Context, conns *core.ConnectionTable, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns.SendAll(protocol.ServerMessage{
				Type:    protocol.TypeChatMessage,
				Sender:  randomAlphanumeric(7),
				Content: randomAlphanumeric(20),
			})
		}
	}
}

func randomAlphanumeric(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphanumeric[rand.Intn(len(alphanumeric))]
	}
	return string(out)
}
