package cloud

import (
	"context"

	"github.com/pithecene-io/skylink/shell"
)

// RegisterCommands adds the "cloud" commands to sh.
func RegisterCommands(sh *shell.Shell, c *Client) {
	sh.MustRegister(shell.Command{
		Path: "cloud state",
		Help: "Get CLOUD state.",
		Run: func(_ context.Context, out *shell.Output, _ []string) int {
			yes := "no"
			if c.Initialized() {
				yes = "yes"
			}
			out.Printf("initialized: %s", yes)
			lastSeen, err := c.LastSeen()
			if err != nil {
				lastSeen = 0
			}
			out.Printf("last seen ts: %d", lastSeen)
			st := c.State()
			out.Printf("firmware state: %s", st.FirmwareState)
			out.Printf("command succeeded")
			return shell.OK
		},
	})
	sh.MustRegister(shell.Command{
		Path: "cloud metrics",
		Help: "Get CLOUD metrics.",
		Run: func(_ context.Context, out *shell.Output, _ []string) int {
			m := c.Metrics()
			out.Printf("uplink messages: %d", m.UplinkCount)
			out.Printf("uplink fragments: %d", m.UplinkFragments)
			out.Printf("uplink bytes: %d", m.UplinkBytes)
			out.Printf("uplink errors: %d", m.UplinkErrors)
			out.Printf("uplink last ts: %d", m.UplinkLastTS)
			out.Printf("downlink messages: %d", m.DownlinkCount)
			out.Printf("downlink fragments: %d", m.DownlinkFragments)
			out.Printf("downlink bytes: %d", m.DownlinkBytes)
			out.Printf("downlink errors: %d", m.DownlinkErrors)
			out.Printf("downlink last ts: %d", m.DownlinkLastTS)
			out.Printf("poll count: %d", m.PollCount)
			out.Printf("poll last ts: %d", m.PollLastTS)
			out.Printf("command succeeded")
			return shell.OK
		},
	})
	sh.MustRegister(shell.Command{
		Path: "cloud poll",
		Help: "Poll CLOUD.",
		Run: func(_ context.Context, out *shell.Output, _ []string) int {
			if err := c.PollImmediately(); err != nil {
				out.Error("poll failed: %v", err)
				return shell.EIO
			}
			out.Printf("command succeeded")
			return shell.OK
		},
	})
	sh.MustRegister(shell.Command{
		Path:    "cloud firmware download",
		Help:    "Download firmware (format: <fw-id>).",
		MinArgs: 1,
		MaxArgs: 1,
		Run: func(_ context.Context, out *shell.Output, args []string) int {
			if err := c.ScheduleFirmwareUpdate(args[0]); err != nil {
				out.Error("firmware update failed: %v", err)
				return shell.EINVAL
			}
			out.Printf("command succeeded")
			return shell.OK
		},
	})
}
