package commands

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/iotvault/iotvault-go/pkg/log"
)

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read audit log files written by iotserver -audit",
	}
	cmd.AddCommand(logViewCmd(), logStatsCmd(), logExportCmd(), logFilterCmd())
	return cmd
}

// eachEvent calls fn for every event of path matching filter.
func eachEvent(path string, filter log.Filter, fn func(log.Event) error) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func logViewCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Show events in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return eachEvent(args[0], filter, func(e log.Event) error {
				formatEvent(w, e)
				return nil
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func logStatsCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			stats := newStats()
			if err := eachEvent(args[0], filter, func(e log.Event) error {
				stats.add(e)
				return nil
			}); err != nil {
				return err
			}
			stats.print(cmd.OutOrStdout())
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func logExportCmd() *cobra.Command {
	var (
		ff     filterFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export events to JSONL or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			if format != "jsonl" && format != "csv" {
				return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if format == "jsonl" {
				enc := json.NewEncoder(w)
				return eachEvent(args[0], filter, func(e log.Event) error { return enc.Encode(e) })
			}
			cw := csv.NewWriter(w)
			if err := cw.Write(csvHeader); err != nil {
				return err
			}
			if err := eachEvent(args[0], filter, func(e log.Event) error { return cw.Write(csvRow(e)) }); err != nil {
				return err
			}
			cw.Flush()
			return cw.Error()
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&format, "format", "jsonl", "output format (jsonl, csv)")
	cmd.Flags().StringVarP(&output, "out", "o", "", "output file (default stdout)")
	return cmd
}

func logFilterCmd() *cobra.Command {
	var (
		ff     filterFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "filter <file>",
		Short: "Copy matching events to a new log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			out, err := log.NewFileLogger(output)
			if err != nil {
				return fmt.Errorf("failed to create output log: %w", err)
			}
			count := 0
			err = eachEvent(args[0], filter, func(e log.Event) error {
				out.Log(e)
				count++
				return nil
			})
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", count, output)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&output, "out", "o", "", "output file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format(timeLayout)
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, shortenConnID(event.ConnectionID),
		event.Direction, event.Layer, eventType(event))

	if event.UserID != "" || event.DeviceID != "" {
		fmt.Fprintf(w, "  User: %s  Device: %s\n", orDash(event.UserID), orDash(event.DeviceID))
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", event.Frame.Size)
		if len(event.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(event.Frame.Data))
			if event.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case event.Message != nil:
		fmt.Fprintf(w, "  Op: %s  Payload: %d bytes\n", event.Message.Op, event.Message.PayloadSize)
		if event.Message.ProcessingTime != nil {
			fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*event.Message.ProcessingTime))
		}
	case event.StateChange != nil:
		sc := event.StateChange
		fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case event.Audit != nil:
		a := event.Audit
		fmt.Fprintf(w, "  %s -> %s\n", a.Op, a.Status)
		if a.Domain != "" {
			fmt.Fprintf(w, "  Domain: %s\n", a.Domain)
		}
		if a.Target != "" {
			fmt.Fprintf(w, "  Target: %s\n", a.Target)
		}
		if a.Detail != "" {
			fmt.Fprintf(w, "  Detail: %s\n", a.Detail)
		}
	case event.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", event.Error.Layer)
		fmt.Fprintf(w, "  Message: %s\n", event.Error.Message)
		if event.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", event.Error.Context)
		}
	}
	fmt.Fprintln(w)
}

func eventType(e log.Event) string {
	switch {
	case e.Frame != nil:
		return "Frame"
	case e.Message != nil:
		return "Message"
	case e.StateChange != nil:
		return "State"
	case e.Audit != nil:
		if e.Audit.Accepted() {
			return "Accepted"
		}
		return "Rejected"
	case e.Error != nil:
		return "Error"
	}
	return "Unknown"
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

var csvHeader = []string{"timestamp", "connection_id", "direction", "layer", "category", "user_id", "device_id", "type", "op", "status"}

func csvRow(e log.Event) []string {
	op, status := "", ""
	switch {
	case e.Message != nil:
		op = e.Message.Op.String()
	case e.Audit != nil:
		op, status = e.Audit.Op.String(), e.Audit.Status.String()
	}
	return []string{
		e.Timestamp.UTC().Format(timeLayout),
		e.ConnectionID,
		e.Direction.String(),
		e.Layer.String(),
		e.Category.String(),
		e.UserID,
		e.DeviceID,
		eventType(e),
		op,
		status,
	}
}

// stats aggregates a log file.
type stats struct {
	total      int
	byCategory map[log.Category]int
	rejected   map[string]int
	users      map[string]int
	conns      map[string]*connStats
	errors     int
	start, end time.Time
}

type connStats struct {
	firstSeen, lastSeen time.Time
	events              int
	deviceID            string
}

func newStats() *stats {
	return &stats{
		byCategory: make(map[log.Category]int),
		rejected:   make(map[string]int),
		users:      make(map[string]int),
		conns:      make(map[string]*connStats),
	}
}

func (s *stats) add(e log.Event) {
	s.total++
	s.byCategory[e.Category]++
	if s.start.IsZero() || e.Timestamp.Before(s.start) {
		s.start = e.Timestamp
	}
	if e.Timestamp.After(s.end) {
		s.end = e.Timestamp
	}
	if e.UserID != "" {
		s.users[e.UserID]++
	}
	if e.Audit != nil && !e.Audit.Accepted() {
		s.rejected[e.Audit.Op.String()]++
	}
	if e.Error != nil {
		s.errors++
	}

	c, ok := s.conns[e.ConnectionID]
	if !ok {
		c = &connStats{firstSeen: e.Timestamp, lastSeen: e.Timestamp}
		s.conns[e.ConnectionID] = c
	}
	c.events++
	if e.Timestamp.After(c.lastSeen) {
		c.lastSeen = e.Timestamp
	}
	if c.deviceID == "" {
		c.deviceID = e.DeviceID
	}
}

func (s *stats) print(w io.Writer) {
	fmt.Fprintln(w, "=== iotvault Log Statistics ===")
	fmt.Fprintln(w)

	if s.total > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.start.Format(time.RFC3339), s.end.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.end.Sub(s.start).Round(time.Second))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", s.total)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryAudit, log.CategoryError} {
		if n := s.byCategory[cat]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	if len(s.rejected) > 0 {
		fmt.Fprintln(w, "Rejected Requests:")
		for _, op := range sortedKeys(s.rejected) {
			fmt.Fprintf(w, "  %-20s %d\n", op+":", s.rejected[op])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Users: %d\n", len(s.users))
	for _, u := range sortedKeys(s.users) {
		fmt.Fprintf(w, "  %-20s %d events\n", u, s.users[u])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(s.conns))
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.conns[ids[i]].firstSeen.Before(s.conns[ids[j]].firstSeen) })
	for _, id := range ids {
		c := s.conns[id]
		fmt.Fprintf(w, "  [%s] %d events, duration %s", shortenConnID(id), c.events,
			c.lastSeen.Sub(c.firstSeen).Round(time.Millisecond))
		if c.deviceID != "" {
			fmt.Fprintf(w, ", device %s", c.deviceID)
		}
		fmt.Fprintln(w)
	}

	if s.errors > 0 {
		fmt.Fprintf(w, "\nErrors: %d\n", s.errors)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
