package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"shamsical/internal/config"
	"shamsical/internal/daystate"
	"shamsical/internal/events"
	"shamsical/internal/ics"
	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
	"shamsical/internal/model"
	"shamsical/internal/settings"
)

const maxBodyBytes = 64 << 10

// Refresher is the part of the scheduler the API drives.
type Refresher interface {
	Refresh()
	OnTimeChange()
}

// Deps are the collaborators the API serves from.
type Deps struct {
	Calendar  *jalali.Calendar
	Resolver  *daystate.Resolver
	Events    *events.Store
	Scheduler Refresher
	Settings  settings.Store
	Location  *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server exposes the calendar core over HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	bounds jalali.Bounds
	mux    *http.ServeMux

	// Month views are cached until the event map changes. monthGen counts
	// invalidations so a view built across one is not stored.
	monthMu    sync.RWMutex
	monthCache map[string]daystate.MonthView
	monthGen   uint64
}

const maxCachedMonths = 64

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Calendar == nil {
		deps.Calendar = jalali.Default
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Resolver == nil {
		deps.Resolver = daystate.New(deps.Calendar, nil, deps.Events)
	}
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		bounds:     cfg.Calendar.Bounds.Bounds(),
		mux:        http.NewServeMux(),
		monthCache: map[string]daystate.MonthView{},
	}
	if deps.Events != nil {
		deps.Events.OnChange(s.invalidateMonths)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="shamsical", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/today", s.handleToday)
	s.mux.HandleFunc("/api/day", s.handleDay)
	s.mux.HandleFunc("/api/month", s.handleMonth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events.ics", s.handleEventsICS)
	s.mux.HandleFunc("/api/convert", s.handleConvert)
	s.mux.HandleFunc("/api/time-change", s.handleTimeChange)
	s.mux.HandleFunc("/api/theme", s.handleTheme)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) today() (jalali.Date, error) {
	return s.deps.Calendar.FromTime(s.deps.Now().In(s.deps.Location))
}

// dayResponse is the JSON shape of /api/today and /api/day.
type dayResponse struct {
	Day       model.DayState  `json:"day"`
	Highlight model.Highlight `json:"highlight"`
	Summary   []string        `json:"summary"`
	Theme     string          `json:"theme"`
}

func (s *Server) dayResponse(st model.DayState) dayResponse {
	return dayResponse{
		Day:       st,
		Highlight: st.Highlight(),
		Summary:   daystate.Summary(st),
		Theme:     s.theme(),
	}
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	today, err := s.today()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.dayResponse(s.deps.Resolver.Resolve(today, today, today)))
}

// handleDay resolves one date.
//
// GET /api/day?date=1403-01-01&selected=1403-01-02
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	date, err := s.parseJalali(q.Get("date"))
	if err != nil {
		writeDateError(w, err)
		return
	}
	selected, err := s.optionalJalali(q.Get("selected"))
	if err != nil {
		writeDateError(w, err)
		return
	}
	today, err := s.today()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.dayResponse(s.deps.Resolver.Resolve(date, today, selected)))
}

// handleMonth returns the 6x7 grid for a month, the current one by default.
//
// GET /api/month?year=1403&month=1&selected=1403-01-02
func (s *Server) handleMonth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	today, err := s.today()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	q := r.URL.Query()
	year, err := parseIntDefault(q.Get("year"), today.Year)
	if err != nil {
		writeError(w, http.StatusBadRequest, "year: "+err.Error())
		return
	}
	month, err := parseIntDefault(q.Get("month"), today.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "month: "+err.Error())
		return
	}
	if err := s.bounds.CheckJalali(year); err != nil {
		writeDateError(w, err)
		return
	}
	if month < 1 || month > 12 {
		writeDateError(w, fmt.Errorf("%w: month %d", jalali.ErrInvalidDate, month))
		return
	}
	selected, err := s.optionalJalali(q.Get("selected"))
	if err != nil {
		writeDateError(w, err)
		return
	}

	key := fmt.Sprintf("%d-%d|%s|%s", year, month, today, selected)
	view, err := s.monthView(key, func() (daystate.MonthView, error) {
		return s.deps.Resolver.Month(year, month, today, selected)
	})
	if err != nil {
		writeDateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// monthView returns the cached view for key or builds and caches it.
func (s *Server) monthView(key string, build func() (daystate.MonthView, error)) (daystate.MonthView, error) {
	s.monthMu.RLock()
	view, ok := s.monthCache[key]
	gen := s.monthGen
	s.monthMu.RUnlock()
	if ok {
		return view, nil
	}

	view, err := build()
	if err != nil {
		return view, err
	}
	s.monthMu.Lock()
	if gen == s.monthGen {
		if len(s.monthCache) >= maxCachedMonths {
			s.monthCache = map[string]daystate.MonthView{}
		}
		s.monthCache[key] = view
	}
	s.monthMu.Unlock()
	return view, nil
}

func (s *Server) invalidateMonths() {
	s.monthMu.Lock()
	s.monthCache = map[string]daystate.MonthView{}
	s.monthGen++
	s.monthMu.Unlock()
}

// eventRequest is the body of POST /api/events.
type eventRequest struct {
	Date              string `json:"date"`
	Text              string `json:"text"`
	Yearly            bool   `json:"yearly"`
	RemoveAfterFinish bool   `json:"remove_after_finish"`
}

type eventsResponse struct {
	Events []events.Entry `json:"events"`
}

// handleEvents lists, saves and deletes user events.
//
//	GET    /api/events
//	POST   /api/events             {"date":"1403-01-01","text":"...","yearly":true}
//	DELETE /api/events?date=1403-01-01
//
// A POST with empty text removes the event on that date.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, eventsResponse{Events: s.deps.Events.Entries()})

	case http.MethodPost:
		var req eventRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		date, err := s.parseJalali(req.Date)
		if err != nil {
			writeDateError(w, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			s.removeEvent(w, date)
			return
		}
		if err := s.deps.Events.Add(date, req.Text, req.Yearly, req.RemoveAfterFinish); err != nil {
			s.storeError(w, err)
			return
		}
		s.refresh()
		entry, _ := s.deps.Events.Lookup(date)
		writeJSON(w, http.StatusOK, entry)

	case http.MethodDelete:
		date, err := s.parseJalali(r.URL.Query().Get("date"))
		if err != nil {
			writeDateError(w, err)
			return
		}
		s.removeEvent(w, date)
	}
}

func (s *Server) removeEvent(w http.ResponseWriter, date jalali.Date) {
	removed, err := s.deps.Events.Remove(date)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no event on "+date.String())
		return
	}
	s.refresh()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, jalali.ErrInvalidDate) {
		writeDateError(w, err)
		return
	}
	appLog.Error("event store write failed", err)
	writeError(w, http.StatusInternalServerError, "failed to save events")
}

func (s *Server) refresh() {
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Refresh()
	}
}

// handleEventsICS exports user events as iCalendar.
//
// GET /api/events.ics?from=1403&to=1404 (defaults: this year and next)
func (s *Server) handleEventsICS(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	today, err := s.today()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	q := r.URL.Query()
	from, err := parseIntDefault(q.Get("from"), today.Year)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseIntDefault(q.Get("to"), from+1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	for _, y := range []int{from, to} {
		if err := s.bounds.CheckJalali(y); err != nil {
			writeDateError(w, err)
			return
		}
	}
	if to-from > 100 {
		writeError(w, http.StatusBadRequest, "export range is limited to 100 years")
		return
	}

	body, err := ics.ExportEvents(s.deps.Calendar, s.deps.Events.Entries(), from, to, s.deps.Now())
	if err != nil {
		writeDateError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="shamsical-events.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// convertResponse is the JSON shape of /api/convert.
type convertResponse struct {
	Jalali         jalali.Date          `json:"jalali"`
	Gregorian      jalali.GregorianDate `json:"gregorian"`
	JalaliText     string               `json:"jalali_text"`
	GregorianText  string               `json:"gregorian_text"`
	PersianNumeric string               `json:"persian_numeric"`
	Weekday        int                  `json:"weekday"`
	WeekdayName    string               `json:"weekday_name"`
	IsLeap         bool                 `json:"is_leap"`
	DaysFromToday  int                  `json:"days_from_today"`
	Span           jalali.Span          `json:"span"`
	SpanText       string               `json:"span_text"`
}

// handleConvert converts a date between the calendars.
//
// GET /api/convert?calendar=jalali&date=1403-01-01
// GET /api/convert?calendar=gregorian&date=2024-03-20
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	cal := s.deps.Calendar

	var (
		jd  jalali.Date
		err error
	)
	switch strings.ToLower(q.Get("calendar")) {
	case "", "jalali":
		jd, err = s.parseJalali(q.Get("date"))
	case "gregorian":
		var g jalali.GregorianDate
		g, err = jalali.ParseGregorian(q.Get("date"))
		if err == nil {
			err = s.bounds.CheckGregorian(g.Year)
		}
		if err == nil {
			jd, err = cal.FromGregorian(g)
		}
	default:
		writeError(w, http.StatusBadRequest, "calendar must be jalali or gregorian")
		return
	}
	if err != nil {
		writeDateError(w, err)
		return
	}
	today, err := s.today()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g := cal.ToGregorian(jd)
	weekday := cal.Weekday(jd)
	weekdayName, _ := jalali.WeekdayName(weekday)
	monthName, _ := jalali.MonthName(jd.Month)
	gMonthName, _ := jalali.GregorianMonthName(g.Month)
	span := cal.Between(today, jd)

	writeJSON(w, http.StatusOK, convertResponse{
		Jalali:         jd,
		Gregorian:      g,
		JalaliText:     fmt.Sprintf("%s %d %s %d", weekdayName, jd.Day, monthName, jd.Year),
		GregorianText:  fmt.Sprintf("%s %d %s %d", g.Weekday(), g.Day, gMonthName, g.Year),
		PersianNumeric: jalali.ToPersianDigits(fmt.Sprintf("%d/%02d/%02d", jd.Year, jd.Month, jd.Day)),
		Weekday:        weekday,
		WeekdayName:    weekdayName,
		IsLeap:         cal.IsLeap(jd.Year),
		DaysFromToday:  cal.DaysBetween(today, jd),
		Span:           span,
		SpanText:       spanText(span),
	})
}

func spanText(sp jalali.Span) string {
	if sp.IsZero() {
		return "today"
	}
	var parts []string
	for _, p := range []struct {
		n    int
		unit string
	}{{sp.Years, "year"}, {sp.Months, "month"}, {sp.Days, "day"}} {
		switch {
		case p.n == 1:
			parts = append(parts, "1 "+p.unit)
		case p.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}
	if sp.Future {
		return "in " + strings.Join(parts, ", ")
	}
	return strings.Join(parts, ", ") + " ago"
}

// handleTimeChange lets an external hook (NTP, resume scripts) report a
// wall-clock step.
func (s *Server) handleTimeChange(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	appLog.Info("time change reported over HTTP", "remote", r.RemoteAddr)
	s.deps.Scheduler.OnTimeChange()
	s.invalidateMonths()
	w.WriteHeader(http.StatusAccepted)
}

type themeRequest struct {
	Theme string `json:"theme"`
}

// handleTheme reads or stores the theme choice handed to renderers.
func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, themeRequest{Theme: s.theme()})
		return
	}

	var req themeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Theme {
	case config.ThemeSystem, config.ThemeLight, config.ThemeDark:
	default:
		writeError(w, http.StatusBadRequest, "theme must be system, light or dark")
		return
	}
	if s.deps.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	raw, _ := json.Marshal(req.Theme)
	if err := s.deps.Settings.Set(settings.KeyThemeChoice, raw); err != nil {
		appLog.Error("theme save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save theme")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// theme returns the stored choice, falling back to the configured one.
func (s *Server) theme() string {
	fallback := s.cfg.Display.Theme
	if s.deps.Settings == nil {
		return fallback
	}
	raw, err := s.deps.Settings.Get(settings.KeyThemeChoice, nil)
	if err != nil || raw == nil {
		return fallback
	}
	var theme string
	if err := json.Unmarshal(raw, &theme); err != nil || theme == "" {
		return fallback
	}
	return theme
}

func (s *Server) parseJalali(v string) (jalali.Date, error) {
	if strings.TrimSpace(v) == "" {
		return jalali.Date{}, fmt.Errorf("%w: date is required", jalali.ErrInvalidDate)
	}
	y, _, _, err := jalali.SplitDate(v)
	if err != nil {
		return jalali.Date{}, err
	}
	if err := s.bounds.CheckJalali(y); err != nil {
		return jalali.Date{}, err
	}
	return s.deps.Calendar.ParseDate(v)
}

func (s *Server) optionalJalali(v string) (jalali.Date, error) {
	if strings.TrimSpace(v) == "" {
		return jalali.Date{}, nil
	}
	return s.parseJalali(v)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func parseIntDefault(v string, def int) (int, error) {
	v = strings.TrimSpace(jalali.FromPersianDigits(v))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeDateError maps calendar errors to 400 and anything else to 500.
func writeDateError(w http.ResponseWriter, err error) {
	if errors.Is(err, jalali.ErrInvalidDate) || errors.Is(err, jalali.ErrYearOutOfRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appLog.Error("request failed", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
