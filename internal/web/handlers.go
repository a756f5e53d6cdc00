package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/perfx/internal/analytics"
	"github.com/lucasnoah/perfx/internal/db"
)

// ---- view models ----

type DashboardData struct {
	Summary  *analytics.RunSummary
	Runs     []RunRow
	Steps    []analytics.StepStats
	Failures []FailureRow
}

type RunRow struct {
	ID         string
	Pipeline   string
	Status     string
	StartedAgo string
	Duration   string
}

type FailureRow struct {
	RunID    string
	Step     string
	Command  string
	ExitCode int
	Error    string
	Ago      string
}

type RunDetailData struct {
	Run      db.Run
	Status   string
	Duration string
	Steps    []db.StepResult
	Commands []db.CommandRun
}

type runDetail struct {
	Run      *db.Run         `json:"run"`
	Steps    []db.StepResult `json:"steps"`
	Commands []db.CommandRun `json:"commands"`
}

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	db.TimeFormat,
}

func parseTime(ts string) time.Time {
	for _, f := range timestampFormats {
		if parsed, err := time.Parse(f, ts); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func relTime(ts string) string {
	t := parseTime(ts)
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func fmtMillis(ms int) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// runDuration is empty until the run has finished.
func runDuration(r db.Run) string {
	start, end := parseTime(r.StartedAt), parseTime(r.FinishedAt)
	if start.IsZero() || end.IsZero() {
		return ""
	}
	return end.Sub(start).Round(time.Second).String()
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl *template.Template, data any) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// since turns ?since=<duration> into the timestamp bound used by analytics.
func since(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return "", nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return "", fmt.Errorf("invalid since %q", raw)
	}
	return time.Now().Add(-d).UTC().Format(db.TimeFormat), nil
}

func limit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summary, err := analytics.QueryRunSummary(s.db, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	steps, err := analytics.QueryStepStats(s.db, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failures, err := s.recentFailures(10)
	if err != nil {
		s.logger.Warn("could not load recent failures", "error", err)
	}

	data := DashboardData{Summary: summary, Steps: steps}
	for _, run := range runs {
		data.Runs = append(data.Runs, RunRow{
			ID:         run.ID,
			Pipeline:   run.Pipeline,
			Status:     runStatus(run),
			StartedAgo: relTime(run.StartedAt),
			Duration:   runDuration(run),
		})
	}
	for _, f := range failures {
		data.Failures = append(data.Failures, FailureRow{
			RunID:    f.RunID,
			Step:     f.Step,
			Command:  f.Command,
			ExitCode: f.ExitCode,
			Error:    f.Error,
			Ago:      relTime(f.Timestamp),
		})
	}
	s.execTemplate(w, s.dashboardTmpl, data)
}

// ---- Run detail ----

func (s *Server) loadRun(id string) (*runDetail, error) {
	run, err := s.db.GetRun(id)
	if err != nil || run == nil {
		return nil, err
	}
	steps, err := s.db.GetRunSteps(id)
	if err != nil {
		return nil, err
	}
	commands, err := s.db.GetRunCommands(id)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: run, Steps: steps, Commands: commands}, nil
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.loadRun(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.NotFound(w, r)
		return
	}
	s.execTemplate(w, s.runTmpl, RunDetailData{
		Run:      *detail.Run,
		Status:   runStatus(*detail.Run),
		Duration: runDuration(*detail.Run),
		Steps:    detail.Steps,
		Commands: detail.Commands,
	})
}

// ---- JSON API ----

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.db.ListRuns(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.loadRun(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	from, err := since(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := analytics.QueryRunSummary(s.db, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	steps, err := analytics.QueryStepStats(s.db, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	commands, err := analytics.QueryCommandStats(s.db, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"runs":     summary,
		"steps":    steps,
		"commands": commands,
	})
}
