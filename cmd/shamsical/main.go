package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"shamsical/internal/clockwatch"
	"shamsical/internal/config"
	"shamsical/internal/daystate"
	"shamsical/internal/events"
	"shamsical/internal/holiday"
	"shamsical/internal/ics"
	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
	"shamsical/internal/model"
	"shamsical/internal/scheduler"
	"shamsical/internal/settings"
	"shamsical/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	export     string
	debug      bool
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("shamsical starting", "version", version)

	if err := run(flags); err != nil {
		appLog.Error("shamsical failed", err)
		os.Exit(1)
	}
	appLog.Info("shamsical exiting")
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		if conf == nil {
			return fmt.Errorf("load config %s: %w", flags.configPath, err)
		}
		appLog.Error("could not write default config; continuing with defaults", err, "config_path", flags.configPath)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone; using local time", err)
	}
	cal := conf.NewCalendar()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"leap_rule", cal.Rule().Name(),
		"storage", conf.Storage.Backend,
		"holidays_file", conf.Holidays.File,
		"feeds", len(conf.Holidays.Feeds),
		"tick", conf.Refresh.Tick,
		"clock_watch", conf.Refresh.ClockWatch,
	)

	kv, err := settings.Open(conf.Storage)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer kv.Close()

	store, err := events.Load(kv, cal)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	today, err := cal.FromTime(time.Now().In(loc))
	if err != nil {
		return err
	}
	holidays := loadHolidays(ctx, conf, cal, loc, today)
	resolver := daystate.New(cal, holidays, store)

	switch {
	case flags.once:
		if _, err := store.CleanupExpired(today); err != nil {
			appLog.Error("cleanup failed", err)
		}
		fmt.Println(strings.Join(daystate.Summary(resolver.Resolve(today, today, today)), "\n"))
		return nil
	case flags.export != "":
		return exportEvents(flags.export, cal, store, today.Year)
	}

	c := cron.New(cron.WithLocation(loc))
	sched := scheduler.New(cal, resolver, store,
		scheduler.WithLocation(loc),
		scheduler.WithTick(conf.Refresh.Tick),
		scheduler.WithMidnightBuffer(conf.Refresh.MidnightBuffer),
		scheduler.WithCron(c),
	)
	sched.OnDayChanged(logDay)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if conf.Refresh.ClockWatch != "off" {
		watcher := clockwatch.New(conf.Refresh.JumpThreshold, sched.OnTimeChange)
		if _, err := watcher.Register(c, conf.Refresh.ClockWatch); err != nil {
			appLog.Error("clock watch disabled", err, "schedule", conf.Refresh.ClockWatch)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	srv := web.NewServer(conf, web.Deps{
		Calendar:  cal,
		Resolver:  resolver,
		Events:    store,
		Scheduler: sched,
		Settings:  kv,
		Location:  loc,
	})
	return srv.Run(ctx)
}

// loadHolidays merges the holiday file and ICS feeds. Failures only cost
// holiday highlighting.
func loadHolidays(ctx context.Context, conf *config.Config, cal *jalali.Calendar, loc *time.Location, today jalali.Date) *holiday.Index {
	b := holiday.NewBuilder()
	if conf.Holidays.File != "" {
		if err := holiday.AddFile(b, conf.Holidays.File); err != nil {
			appLog.Error("failed to load holidays; continuing without them", err, "path", conf.Holidays.File)
		}
	}
	if len(conf.Holidays.Feeds) > 0 {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		ics.AddFeedHolidays(fetchCtx, ics.NewFetcher(conf.Holidays.CacheDir, nil), cal, ics.FeedOptions{
			Feeds:    conf.Holidays.Feeds,
			FromYear: today.Year - conf.Holidays.FeedYearsBack,
			ToYear:   today.Year + conf.Holidays.FeedYearsAhead,
			Location: loc,
		}, b)
	}
	ix := b.Build()
	appLog.Info("holiday index ready", "dates", ix.Len(), "years", len(ix.Years()))
	return ix
}

func exportEvents(path string, cal *jalali.Calendar, store *events.Store, year int) error {
	body, err := ics.ExportEvents(cal, store.Entries(), year, year+1, time.Now())
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.WriteString(body)
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return err
	}
	appLog.Info("events exported", "path", path, "from", year, "to", year+1, "events", store.Len())
	return nil
}

func logDay(st model.DayState) {
	appLog.Info("today",
		"date", st.Date.String(),
		"gregorian", st.Gregorian.String(),
		"highlight", string(st.Highlight()),
		"holidays", strings.Join(st.HolidayReasons, ", "),
		"event", st.UserEventText,
	)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Print today's summary and exit")
	flag.StringVar(&cfg.export, "export", "", "Write user events for this year and next as iCalendar to a file (- for stdout) and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
