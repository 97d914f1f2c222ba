package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/skylink/cli/render"
	"github.com/pithecene-io/skylink/cli/tui"
	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/iox"
	"github.com/pithecene-io/skylink/metrics"
	"github.com/pithecene-io/skylink/storage"
)

// DefaultStatusURL is where `skylink state` looks for a running agent.
const DefaultStatusURL = "http://127.0.0.1:9180"

// MetricsCommand returns the metrics command. It reads the journal a
// running or past agent left in storage and never contacts the backend.
func MetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Show the latest recorded transfer counters",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.UintFlag{Name: "serial-number", Usage: "Device serial number (device.serial_number)"},
			&cli.StringFlag{Name: "storage-backend", Usage: "Storage backend: fs, memory or s3"},
			&cli.StringFlag{Name: "storage-path", Usage: "Storage path"},
			&cli.DurationFlag{Name: "interval", Usage: "TUI refresh interval", Value: 2 * time.Second},
		),
		Action: metricsAction,
	}
}

func metricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Device.SerialNumber == 0 {
		return cli.Exit("device.serial_number is required", 1)
	}
	_, journal, err := openStorage(c.Context, cfg)
	if err != nil {
		return err
	}

	latest := func() (metrics.Snapshot, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return journal.Latest(ctx)
	}
	snap, err := latest()
	if errors.Is(err, storage.ErrNoSnapshots) || errors.Is(err, storage.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no metrics recorded for device %d", cfg.Device.SerialNumber), 1)
	}
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewMetrics, tui.NewMetricsModel(snap, latest, c.Duration("interval")))
	}
	return r.Render(snap)
}

// StateCommand returns the state command. It queries the status server
// of a running agent.
func StateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the session state of a running agent",
		Flags: append(ReadOnlyFlags(), &cli.StringFlag{
			Name:    "url",
			Usage:   "Status server base URL",
			Value:   DefaultStatusURL,
			EnvVars: []string{"SKYLINK_STATUS_URL"},
		}),
		Action: stateAction,
	}
}

func fetchState(ctx context.Context, base string) (cloud.State, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/state", nil)
	if err != nil {
		return cloud.State{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cloud.State{}, fmt.Errorf("status server: %w", err)
	}
	defer iox.DrainClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return cloud.State{}, fmt.Errorf("status server: %s", resp.Status)
	}
	var st cloud.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return cloud.State{}, fmt.Errorf("status server: decode state: %w", err)
	}
	return st, nil
}

func stateAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	st, err := fetchState(c.Context, c.String("url"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewState, st)
	}
	return r.Render(st)
}

// HashResult is the output of the hash command.
type HashResult struct {
	File string `json:"file" yaml:"file"`
	Size int    `json:"size" yaml:"size"`
	Hash string `json:"hash" yaml:"hash"`
}

// HashCommand returns the hash command, which prints the content hash the
// agent reports for a decoder or encoder blob.
func HashCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash",
		Usage:     "Print the content hash of a decoder or encoder blob",
		ArgsUsage: "<file>",
		Flags:     ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for hash command", 1)
			}
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one file", 1)
			}
			path := c.Args().First()
			blob, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return r.Render(HashResult{
				File: path,
				Size: len(blob),
				Hash: fmt.Sprintf("0x%016x", cloud.BlobHash(blob)),
			})
		},
	}
}
