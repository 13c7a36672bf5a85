package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iotvault/iotvault-go/pkg/log"
)

// filterFlags are the event selection flags shared by the log commands.
type filterFlags struct {
	connID   string
	user     string
	device   string
	category string
	since    string
	until    string
	rejected bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.connID, "conn", "", "connection ID")
	fs.StringVar(&f.user, "user", "", "user ID")
	fs.StringVar(&f.device, "device", "", `device in "user:dev" form`)
	fs.StringVar(&f.category, "category", "", "message, state, audit or error")
	fs.StringVar(&f.since, "since", "", "keep events at or after this time (RFC3339)")
	fs.StringVar(&f.until, "until", "", "keep events before this time (RFC3339)")
	fs.BoolVar(&f.rejected, "rejected", false, "only audit events that were not answered OK")
}

func (f *filterFlags) build() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: f.connID,
		UserID:       f.user,
		DeviceID:     f.device,
		RejectedOnly: f.rejected,
	}
	if f.category != "" {
		c, err := parseCategory(f.category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	var err error
	if filter.Since, err = parseTime("since", f.since); err != nil {
		return log.Filter{}, err
	}
	if filter.Until, err = parseTime("until", f.until); err != nil {
		return log.Filter{}, err
	}
	return filter, nil
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}

// parseCategory parses a category name (case-insensitive).
func parseCategory(s string) (log.Category, error) {
	c, ok := log.ParseCategory(s)
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be message, state, audit or error)", s)
	}
	return c, nil
}
