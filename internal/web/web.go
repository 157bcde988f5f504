package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"calexpand/internal/config"
	"calexpand/internal/expander"
	"calexpand/internal/feed"
	appLog "calexpand/internal/log"
	"calexpand/internal/model"
	"calexpand/internal/store"
)

// Server provides the HTTP API over a calendar store.
type Server struct {
	cfg   *config.Config
	store *store.Store
	loc   *time.Location
	mux   *http.ServeMux

	// now is replaced in tests.
	now func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st *store.Store) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		loc:   store.ResolveLocation(cfg.Timezone),
		mux:   http.NewServeMux(),
		now:   time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := logRequests(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calexpand", charset="UTF-8"`)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(started).String(),
		)
	})
}

// Run serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
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
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("GET /api/calendars/{id}/export.ics", s.handleExport)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarDTO is the JSON view of one loaded calendar.
type calendarDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartDate  time.Time `json:"start_date"`
	EventCount int       `json:"event_count"`
	FetchedAt  time.Time `json:"fetched_at"`
	FromCache  bool      `json:"from_cache"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, _ *http.Request) {
	cals := s.store.List()
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarDTO{
			ID:         c.ID,
			Name:       c.Name,
			StartDate:  c.Index.StartDate(),
			EventCount: c.Index.Len(),
			FetchedAt:  c.FetchedAt,
			FromCache:  c.FromCache,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Items           []model.EventInput `json:"items"`
	TruncatedUIDs   []string           `json:"truncated_uids,omitempty"`
	RangeStart      time.Time          `json:"range_start"`
	RangeEnd        time.Time          `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
}

// handleEvents returns expanded events of one or all calendars.
//
// GET /api/events?start=2024-01-01&end=2024-02-01&calendar=work
//   - start, end: RFC3339 또는 YYYY-MM-DD (표시 타임존 기준)
//   - calendar:   생략 시 모든 캘린더
//
// Without start/end the configured backfill/horizon window around now is
// used. Items are sorted by start.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rng, err := s.rangeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cals, err := s.selectCalendars(r.URL.Query().Get("calendar"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := eventsResponse{
		Items:           []model.EventInput{},
		RangeStart:      rng.Start,
		RangeEnd:        rng.End,
		DisplayTimeZone: s.loc.String(),
	}
	for _, c := range cals {
		out, err := feed.Expand(c.ID, c.Index, rng, s.loc)
		if err != nil {
			s.writeExpandError(w, c.ID, err)
			return
		}
		resp.Items = append(resp.Items, out.Items...)
		resp.TruncatedUIDs = append(resp.TruncatedUIDs, out.Truncated...)
	}
	sort.SliceStable(resp.Items, func(i, j int) bool {
		return resp.Items[i].Start.Before(resp.Items[j].Start)
	})

	appLog.Info("api events request",
		"calendars", len(cals),
		"items", len(resp.Items),
		"range_start", rng.Start.Format(time.RFC3339),
		"range_end", rng.End.Format(time.RFC3339),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleExport serves the expanded range of one calendar as text/calendar.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cal, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	rng, err := s.rangeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := feed.Expand(cal.ID, cal.Index, rng, s.loc)
	if err != nil {
		s.writeExpandError(w, cal.ID, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ics"`, safeFilename(cal.ID)))
	if err := feed.WriteICS(w, cal.Name, out.Items, s.now()); err != nil {
		appLog.Error("export encode failed", err, "id", cal.ID)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.store.Refresh(r.Context())
	resp := map[string]any{"calendars": len(s.store.List())}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) selectCalendars(id string) ([]*store.Calendar, error) {
	if id == "" {
		return s.store.List(), nil
	}
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return []*store.Calendar{c}, nil
}

func (s *Server) writeExpandError(w http.ResponseWriter, id string, err error) {
	appLog.Error("api expand failed", err, "id", id)
	var derr *expander.DateError
	if errors.As(err, &derr) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to expand events")
}

func (s *Server) rangeFromQuery(r *http.Request) (feed.Range, error) {
	q := r.URL.Query()
	now := s.now().In(s.loc)
	rng := feed.Range{
		Start: now.AddDate(0, 0, -s.cfg.Window.BackfillDays),
		End:   now.AddDate(0, 0, s.cfg.Window.HorizonDays),
	}

	var err error
	if v := q.Get("start"); v != "" {
		if rng.Start, err = parseQueryTime(v, s.loc); err != nil {
			return feed.Range{}, fmt.Errorf("start: %w", err)
		}
	}
	if v := q.Get("end"); v != "" {
		if rng.End, err = parseQueryTime(v, s.loc); err != nil {
			return feed.Range{}, fmt.Errorf("end: %w", err)
		}
	}
	if rng.End.Before(rng.Start) {
		return feed.Range{}, errors.New("end is before start")
	}
	return rng, nil
}

func parseQueryTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
	}
	return t, nil
}

func safeFilename(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
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
