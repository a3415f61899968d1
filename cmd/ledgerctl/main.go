// Command ledgerctl is a local admin CLI for a ManagedLog directory: it
// opens the log in-process, runs one operation, and exits. It exists to
// give every ManagedLog and Cursor operation an exercised, scriptable entry
// point without a network-facing admin surface.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/managedlog/ledger"
	"github.com/liftbridge-io/managedlog/logging"
	"github.com/liftbridge-io/managedlog/position"
)

func main() {
	app := cli.NewApp()
	app.Name = "ledgerctl"
	app.Usage = "inspect and drive a managedlog directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "dir, d", Usage: "log directory", Required: true},
		cli.StringFlag{Name: "config, c", Usage: "optional viper config file"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
	app.Commands = []cli.Command{
		appendCmd,
		statusCmd,
		trimCmd,
		cursorCreateCmd,
		cursorReadCmd,
		cursorMarkDeleteCmd,
		cursorDeleteCmd,
		cursorRewindCmd,
		cursorResetCmd,
		cursorShowCmd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func openLog(c *cli.Context) (*ledger.ManagedLog, error) {
	dir := c.GlobalString("dir")
	if dir == "" {
		dir = c.String("dir")
	}
	if dir == "" {
		return nil, cli.NewExitError("--dir is required", 1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	opts, err := ledger.LoadOptions(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	opts.Name = filepath.Base(strings.TrimRight(dir, "/"))
	opts.Path = dir
	opts.Debug = c.GlobalBool("debug")

	store := ledger.NewFileSegmentStore(dir, opts.MaxEntriesPerLedger)
	meta := ledger.NewFileMetadataStore(dir)
	logger := logging.New(opts.Debug)
	return ledger.Open(opts, store, meta, prometheus.NewRegistry(), logger)
}

func parsePosition(s string) (position.Position, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return position.Position{}, fmt.Errorf("position %q must be segmentId:entryId", s)
	}
	seg, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid segment id %q: %w", parts[0], err)
	}
	entryID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid entry id %q: %w", parts[1], err)
	}
	return position.New(seg, entryID), nil
}

var appendCmd = cli.Command{
	Name:      "append",
	Usage:     "append a payload to the log",
	ArgsUsage: "<payload>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("append requires exactly one payload argument", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		pos, err := l.AddEntry(context.Background(), []byte(c.Args().Get(0)))
		if err != nil {
			return err
		}
		fmt.Printf("appended at %s\n", pos)
		return nil
	},
}

var statusCmd = cli.Command{
	Name:  "status",
	Usage: "print a snapshot of the log",
	Action: func(c *cli.Context) error {
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		st := l.Status()
		fmt.Printf("name=%s segments=%d current=%d durableCursors=%d\n",
			st.Name, st.Segments, st.CurrentSegment, st.DurableCursors)
		fmt.Printf("append p50=%s p99=%s  read p50=%s p99=%s\n",
			durafmt.Parse(time.Duration(st.Latency.AppendP50)*time.Microsecond),
			durafmt.Parse(time.Duration(st.Latency.AppendP99)*time.Microsecond),
			durafmt.Parse(time.Duration(st.Latency.ReadP50)*time.Microsecond),
			durafmt.Parse(time.Duration(st.Latency.ReadP99)*time.Microsecond))
		return nil
	},
}

var trimCmd = cli.Command{
	Name:  "trim",
	Usage: "run one retention pass immediately",
	Action: func(c *cli.Context) error {
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		before := l.Status().Segments
		if err := l.TrimNow(); err != nil {
			return err
		}
		after := l.Status().Segments
		fmt.Printf("segments %d -> %d\n", before, after)
		return nil
	},
}

var cursorCreateCmd = cli.Command{
	Name:      "cursor-create",
	Usage:     "create or open a durable cursor",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("cursor-create requires a cursor name", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Println(cur.String(l.Status().Name))
		return nil
	},
}

var cursorShowCmd = cli.Command{
	Name:      "cursor-show",
	Usage:     "print a durable cursor's state",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("cursor-show requires a cursor name", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Println(cur.String(l.Status().Name))
		fmt.Printf("backlog=%d entries=%d hasMore=%v\n",
			cur.GetNumberOfEntriesInBacklog(), cur.GetNumberOfEntries(), cur.HasMoreEntries())
		return nil
	},
}

var cursorReadCmd = cli.Command{
	Name:      "cursor-read",
	Usage:     "read up to N entries from a durable cursor",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "max, n", Value: 10, Usage: "max entries to read"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("cursor-read requires a cursor name", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		entries, err := cur.ReadEntries(context.Background(), c.Int("max"))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s %s (%s)\n", e.Position, e.Payload, humanize.Bytes(uint64(e.Size())))
			e.Release()
		}
		return nil
	},
}

var cursorMarkDeleteCmd = cli.Command{
	Name:      "cursor-mark-delete",
	Usage:     "advance a cursor's mark-delete watermark",
	ArgsUsage: "<name> <segmentId:entryId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("cursor-mark-delete requires a cursor name and position", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		pos, err := parsePosition(c.Args().Get(1))
		if err != nil {
			return err
		}
		return cur.MarkDelete(context.Background(), pos)
	},
}

var cursorDeleteCmd = cli.Command{
	Name:      "cursor-delete",
	Usage:     "individually delete one position from a cursor",
	ArgsUsage: "<name> <segmentId:entryId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("cursor-delete requires a cursor name and position", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		pos, err := parsePosition(c.Args().Get(1))
		if err != nil {
			return err
		}
		return cur.Delete(context.Background(), pos)
	},
}

var cursorRewindCmd = cli.Command{
	Name:      "cursor-rewind",
	Usage:     "rewind a cursor's read position to just after its mark-delete watermark",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("cursor-rewind requires a cursor name", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		cur.Rewind()
		return nil
	},
}

var cursorResetCmd = cli.Command{
	Name:      "cursor-reset",
	Usage:     "reset a cursor's read position to any position within the log's bounds",
	ArgsUsage: "<name> <segmentId:entryId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("cursor-reset requires a cursor name and position", 1)
		}
		l, err := openLog(c)
		if err != nil {
			return err
		}
		defer l.Close()
		cur, err := l.OpenCursor(c.Args().Get(0))
		if err != nil {
			return err
		}
		pos, err := parsePosition(c.Args().Get(1))
		if err != nil {
			return err
		}
		return cur.ResetCursor(pos)
	},
}
