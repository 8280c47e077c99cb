// Package schedule decides when the next polling cycle runs.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Mode string

const (
	ModeSimple  Mode = "simple"  // every Interval seconds
	ModeMinutes Mode = "minutes" // every Interval minutes
	ModeHourly  Mode = "hourly"  // every Interval hours
	ModeDaily   Mode = "daily"   // once a day at Time
	ModeWeekly  Mode = "weekly"  // on Days at Time
)

// timeBasedPoll is how often daily and weekly schedules are re-evaluated.
const timeBasedPoll = time.Minute

// Scheduler tells the runner whether a cycle is due.
type Scheduler interface {
	ShouldRunNow() bool
}

var _ Scheduler = (*Schedule)(nil)

type Config struct {
	Mode     string   `mapstructure:"mode" yaml:"mode"`
	Interval int      `mapstructure:"interval" yaml:"interval,omitempty"`
	Time     string   `mapstructure:"time" yaml:"time,omitempty"`
	Days     []string `mapstructure:"days" yaml:"days,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// Schedule evaluates one of the modes against the wall clock in its location.
// The first ShouldRunNow call always returns true.
type Schedule struct {
	mode     Mode
	interval time.Duration
	at       string
	hour     int
	minute   int
	days     []time.Weekday
	location *time.Location
	nowFunc  func() time.Time

	mu      sync.Mutex
	lastRun *time.Time
}

type Option func(*Schedule)

// WithLocation sets the timezone daily and weekly times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Schedule) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Schedule) {
		s.nowFunc = now
	}
}

// ParseClock parses an HH:MM time of day.
func ParseClock(v string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time must be in HH:MM format: %q", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time must be in HH:MM format: %q", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time must be in HH:MM format: %q", v)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("hour must be 0-23, minute must be 0-59: %q", v)
	}
	return hour, minute, nil
}

// New validates cfg. An empty mode means simple.
func New(cfg Config, options ...Option) (*Schedule, error) {
	s := &Schedule{
		mode:     Mode(strings.ToLower(strings.TrimSpace(cfg.Mode))),
		location: time.Local,
		nowFunc:  time.Now,
	}
	if s.mode == "" {
		s.mode = ModeSimple
	}
	for _, opt := range options {
		opt(s)
	}

	switch s.mode {
	case ModeSimple, ModeMinutes, ModeHourly:
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("[schedule New] invalid interval for %s mode: %d", s.mode, cfg.Interval)
		}
		unit := map[Mode]time.Duration{ModeSimple: time.Second, ModeMinutes: time.Minute, ModeHourly: time.Hour}[s.mode]
		s.interval = time.Duration(cfg.Interval) * unit
	case ModeDaily, ModeWeekly:
		if cfg.Time == "" {
			return nil, fmt.Errorf("[schedule New] missing time for %s mode", s.mode)
		}
		hour, minute, err := ParseClock(cfg.Time)
		if err != nil {
			return nil, fmt.Errorf("[schedule New] %w", err)
		}
		s.at, s.hour, s.minute = fmt.Sprintf("%02d:%02d", hour, minute), hour, minute
		if s.mode == ModeWeekly {
			if len(cfg.Days) == 0 {
				return nil, fmt.Errorf("[schedule New] days must be a non-empty list for weekly mode")
			}
			for _, d := range cfg.Days {
				wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
				if !ok {
					return nil, fmt.Errorf("[schedule New] invalid weekday: %s", d)
				}
				s.days = append(s.days, wd)
			}
		}
	default:
		return nil, fmt.Errorf("[schedule New] invalid scheduler mode: %s", s.mode)
	}
	return s, nil
}

func (s *Schedule) Mode() Mode {
	return s.mode
}

func (s *Schedule) now() time.Time {
	return s.nowFunc().In(s.location)
}

func (s *Schedule) scheduledOn(wd time.Weekday) bool {
	for _, d := range s.days {
		if d == wd {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// beforeClock reports whether t's time of day is earlier than hour:minute.
func beforeClock(t time.Time, hour, minute int) bool {
	return t.Hour() < hour || (t.Hour() == hour && t.Minute() < minute)
}

// passedClockSince reports whether today's run time has been reached and the
// last run happened on an earlier day or before today's run time.
func (s *Schedule) passedClockSince(last, now time.Time) bool {
	if beforeClock(now, s.hour, s.minute) {
		return false
	}
	return !sameDay(last, now) || beforeClock(last, s.hour, s.minute)
}

// ShouldRunNow reports whether a cycle is due and, if so, records now as the last run.
func (s *Schedule) ShouldRunNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.lastRun == nil {
		s.lastRun = &now
		return true
	}
	last := s.lastRun.In(s.location)

	due := false
	switch s.mode {
	case ModeSimple, ModeMinutes, ModeHourly:
		due = now.Sub(last) >= s.interval
	case ModeDaily:
		due = s.passedClockSince(last, now)
	case ModeWeekly:
		due = s.scheduledOn(now.Weekday()) && s.passedClockSince(last, now)
	}
	if due {
		s.lastRun = &now
	}
	return due
}

// SleepDuration is how long to wait before asking ShouldRunNow again.
func (s *Schedule) SleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case ModeDaily, ModeWeekly:
		return timeBasedPoll
	}
	if s.lastRun == nil {
		return 0
	}
	remaining := s.interval - s.now().Sub(*s.lastRun)
	if remaining < time.Second {
		return time.Second
	}
	return remaining.Truncate(time.Second)
}

// Describe is a human readable form of the schedule.
func (s *Schedule) Describe() string {
	switch s.mode {
	case ModeSimple:
		return fmt.Sprintf("Every %d seconds", int(s.interval/time.Second))
	case ModeMinutes:
		return fmt.Sprintf("Every %d minute(s)", int(s.interval/time.Minute))
	case ModeHourly:
		return fmt.Sprintf("Every %d hour(s)", int(s.interval/time.Hour))
	case ModeDaily:
		return fmt.Sprintf("Daily at %s", s.at)
	default:
		names := make([]string, 0, len(s.days))
		for _, d := range s.days {
			names = append(names, d.String())
		}
		return fmt.Sprintf("Weekly on %s at %s", strings.Join(names, ", "), s.at)
	}
}

// NextRunInfo describes when the next cycle will run.
func (s *Schedule) NextRunInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch s.mode {
	case ModeSimple, ModeMinutes, ModeHourly:
		if s.lastRun == nil {
			return "Next check immediately"
		}
		remaining := s.interval - now.Sub(*s.lastRun)
		if remaining < 0 {
			remaining = 0
		}
		switch s.mode {
		case ModeSimple:
			return fmt.Sprintf("Next check in %d seconds", int(remaining/time.Second))
		case ModeMinutes:
			return fmt.Sprintf("Next check in %d minute(s)", int(remaining/time.Minute))
		default:
			return fmt.Sprintf("Next check in %d hour(s)", int(remaining/time.Hour))
		}
	case ModeDaily:
		if beforeClock(now, s.hour, s.minute) {
			return fmt.Sprintf("Next check today at %s", s.at)
		}
		return fmt.Sprintf("Next check tomorrow at %s", s.at)
	default:
		for offset := 0; offset < 7; offset++ {
			wd := (now.Weekday() + time.Weekday(offset)) % 7
			if !s.scheduledOn(wd) {
				continue
			}
			if offset == 0 {
				if beforeClock(now, s.hour, s.minute) {
					return fmt.Sprintf("Next check today at %s", s.at)
				}
				continue
			}
			return fmt.Sprintf("Next check on %s at %s", wd, s.at)
		}
		return fmt.Sprintf("Next check next %s at %s", now.Weekday(), s.at)
	}
}
