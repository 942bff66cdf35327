package web

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"amdgpu-fancontrol/internal/fancontrol"
)

const serviceName = "amdgpu-fancontrol"

var hostInfoFn = host.InfoWithContext

// CardSource is implemented by *fancontrol.Card. Snapshot must be safe to
// call concurrently with the card's control loop.
type CardSource interface {
	Name() string
	Snapshot() fancontrol.Snapshot
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`

	Hostname    string `json:"hostname,omitempty"`
	Kernel      string `json:"kernel,omitempty"`
	HostUptimeS uint64 `json:"host_uptime_sec,omitempty"`
	HostInfoErr string `json:"host_info_error,omitempty"`

	Cards []fancontrol.Snapshot `json:"cards"`
}

type Status struct {
	started time.Time
	cards   []CardSource
}

func NewStatus(cards []CardSource) *Status {
	return &Status{started: time.Now().UTC(), cards: cards}
}

func (s *Status) Card(name string) (fancontrol.Snapshot, bool) {
	for _, c := range s.cards {
		if c.Name() == name {
			return c.Snapshot(), true
		}
	}
	return fancontrol.Snapshot{}, false
}

func (s *Status) Cards() []fancontrol.Snapshot {
	out := make([]fancontrol.Snapshot, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, c.Snapshot())
	}
	return out
}

func (s *Status) Snapshot(ctx context.Context, nowUTC time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.started).Seconds()),
		Cards:     s.Cards(),
	}
	info, err := hostInfoFn(ctx)
	if err != nil {
		snap.HostInfoErr = err.Error()
		return snap
	}
	snap.Hostname = info.Hostname
	snap.Kernel = info.KernelVersion
	snap.HostUptimeS = info.Uptime
	return snap
}
