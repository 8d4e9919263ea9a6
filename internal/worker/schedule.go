package worker

import (
	"fmt"
	"time"
)

// Schedule modes. Auto keeps the legacy behavior of inferring acceleration
// from the send-time value; production and accelerated pin one policy for
// every step regardless of how the step is configured.
const (
	ModeAuto        = "auto"
	ModeProduction  = "production"
	ModeAccelerated = "accelerated"
)

// Schedule computes when the next email of a drip step is due.
type Schedule interface {
	NextDue(base time.Time) time.Time
}

// RelativeMinutes schedules a fixed number of minutes after the base time.
// Used in accelerated runs so a multi-day drip can be exercised in minutes.
type RelativeMinutes struct {
	Minutes int
}

func (s RelativeMinutes) NextDue(base time.Time) time.Time {
	return base.Add(time.Duration(s.Minutes) * time.Minute)
}

// DailyAt schedules a day offset from the base date at a fixed wall-clock
// time. This is the production policy.
type DailyAt struct {
	Days   int
	Hour   int
	Minute int
}

func (s DailyAt) NextDue(base time.Time) time.Time {
	d := base.AddDate(0, 0, s.Days)
	return time.Date(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, 0, 0, d.Location())
}

// PolicyFor picks the schedule for one step. sendTime is "HH:MM"; malformed
// values fall back to 09:00. In auto mode a send time at midnight with ten
// or fewer minutes is read as minutes-from-now, which is how accelerated
// test sequences are configured on live data.
func PolicyFor(mode string, delayDays int, sendTime string) Schedule {
	hour, minute := parseSendTime(sendTime)

	switch mode {
	case ModeProduction:
		return DailyAt{Days: delayDays, Hour: hour, Minute: minute}
	case ModeAccelerated:
		return RelativeMinutes{Minutes: hour*60 + minute}
	default: // auto
		if hour == 0 && minute <= 10 {
			return RelativeMinutes{Minutes: minute}
		}
		return DailyAt{Days: delayDays, Hour: hour, Minute: minute}
	}
}

// NextEmailDue is the convenience form used by enrollment and advancement.
func NextEmailDue(mode string, base time.Time, delayDays int, sendTime string) time.Time {
	return PolicyFor(mode, delayDays, sendTime).NextDue(base)
}

func parseSendTime(sendTime string) (hour, minute int) {
	if _, err := fmt.Sscanf(sendTime, "%d:%d", &hour, &minute); err != nil {
		return 9, 0
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 9, 0
	}
	return hour, minute
}
