package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules use classic five-field cron expressions, always evaluated in
// UTC. Timezone prefixes are rejected so a schedule means the same thing
// on every host.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if upper := strings.ToUpper(expr); strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

func nextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}
