package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "scavenger/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify", logx.String("state", state))
	}
}

func sdStatus(log logx.Logger, status string) {
	sdNotify(log, "STATUS="+status)
}

// sdWatchdog pings the systemd watchdog at half its interval until ctx is
// done. It returns immediately when WatchdogSec is not configured.
func sdWatchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
