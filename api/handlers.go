package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alertfeed/core"
	"alertfeed/service"
)

// healthTimeout bounds the store probe behind /health
const healthTimeout = 2 * time.Second

var exportHeader = []string{"id", "ts", "level", "message", "sourceFile", "sourceOffset", "ingestedAt", "payload"}

// MessageResponse is the body of successful writes.
type MessageResponse struct {
	Message string `json:"message"`
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.InvalidFilter("%s must be an integer", name)
	}
	return n, nil
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, core.InvalidFilter("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

// getAlerts handles GET /api/alerts
func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(r, "limit", service.DefaultLimit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	page, err := a.planner.Browse(r.Context(), GetCaller(r.Context()), service.BrowseRequest{
		Limit:     limit,
		Offset:    offset,
		Since:     since,
		Until:     until,
		Severity:  q.Get("severity"),
		SourceIP:  q.Get("sourceIp"),
		DestIP:    q.Get("destIp"),
		SortOrder: q.Get("sortOrder"),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, page, http.StatusOK)
}

// searchAlerts handles POST /api/alerts/search
func (a *API) searchAlerts(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}

	page, err := a.planner.Search(r.Context(), GetCaller(r.Context()), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, page, http.StatusOK)
}

// deleteAlerts handles POST /api/alerts/delete
func (a *API) deleteAlerts(w http.ResponseWriter, r *http.Request) {
	var req service.DeleteRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}

	if err := a.planner.Delete(r.Context(), GetCaller(r.Context()), req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, MessageResponse{Message: "Alerts deleted successfully"}, http.StatusOK)
}

// exportAlerts handles GET /api/alerts/export?format=json|csv
func (a *API) exportAlerts(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		a.writeServiceError(w, r, core.InvalidFilter("format must be json or csv, got %q", format))
		return
	}

	alerts, err := a.planner.Export(r.Context(), GetCaller(r.Context()))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("alerts_export_%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if format == "json" {
		a.respondJSON(w, alerts, http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, alerts); err != nil {
		a.logger.Errorw("Failed to write CSV export", "error", err, "request_id", GetRequestID(r.Context()))
	}
}

// WriteCSV writes alerts with a header row. Shared with the export command.
func WriteCSV(w io.Writer, alerts []core.Alert) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, al := range alerts {
		record := []string{
			al.ID,
			al.BusinessTime.UTC().Format(time.RFC3339Nano),
			string(al.Severity),
			al.Message,
			al.SourceFile,
			strconv.FormatUint(al.SourceOffset, 10),
			al.IngestedAt.UTC().Format(time.RFC3339Nano),
			al.Payload,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// getStats handles GET /api/stats
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.planner.Stats(r.Context(), GetCaller(r.Context()))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, stats, http.StatusOK)
}

// healthCheck handles GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := a.health.HealthCheck(ctx); err != nil {
		a.logger.Warnw("Health check failed", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		a.respondJSON(w, map[string]string{"status": "unhealthy"}, http.StatusServiceUnavailable)
		return
	}
	a.respondJSON(w, map[string]string{"status": "healthy"}, http.StatusOK)
}
