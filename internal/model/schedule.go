package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cron5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a 5 field cron expression or a macro (@hourly, @every 5m)
// and returns the interval between the next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the day and time part of an ISO-8601 duration,
// e.g. PT5S, PT0.5S or P1DT2H. Months and years are not supported.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	hasT := strings.Contains(dur, "T")
	hasHMS := false
	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			// P1H2M is accepted as if T was present
			hasT = true
			unit = time.Hour
		case "minute":
			// P2M would be months
			if !hasT {
				return 0, ErrISOFormat
			}
			unit = time.Minute
		case "second":
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}
		if name != "day" {
			hasHMS = true
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		ret += time.Duration(num) * unit
		if num >= 0 {
			ret += time.Duration(frac * float64(unit))
		} else {
			ret -= time.Duration(frac * float64(unit))
		}
	}

	// P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitNumber(s string) (num int, frac float64, err error) {
	whole, fraction, ok := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(fraction)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.Atoi(whole)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
