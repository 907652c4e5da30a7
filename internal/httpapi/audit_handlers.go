package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"corpusguard.org/internal/audit"
)

var csvHeader = []string{
	"seq", "id", "occurred_at", "actor_id", "actor_username", "actor_role",
	"action", "resource_type", "resource_id", "description",
	"origin_address", "origin_agent", "payload", "seal",
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Ascending:    strings.EqualFold(q.Get("order"), "asc"),
	}
	if raw := q.Get("action"); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Action = action
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return audit.Filter{}, filterErr("since", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return audit.Filter{}, filterErr("until", err)
	}
	if f.Limit, err = parsePositiveInt(q.Get("limit"), audit.DefaultLimit, 1, audit.MaxLimit); err != nil {
		return audit.Filter{}, filterErr("limit", err)
	}
	if f.Offset, err = parsePositiveInt(q.Get("offset"), 0, 0, math.MaxInt32); err != nil {
		return audit.Filter{}, filterErr("offset", err)
	}
	return f, nil
}

type filterError struct {
	field string
	err   error
}

func (e filterError) Error() string { return e.field + " " + e.err.Error() }
func (e filterError) Unwrap() error { return audit.ErrInvalidFilter }

func filterErr(field string, err error) error { return filterError{field: field, err: err} }

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	entries, err := a.Trail.Query(r.Context(), f)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	annotate(r, "count", len(entries))
	annotate(r, "format", format)

	if format == "csv" {
		writeCSV(w, entries)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

func writeCSV(w http.ResponseWriter, entries []audit.Entry) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, e := range entries {
		var actorID, actorName, actorRole string
		if e.Actor != nil {
			actorID, actorName, actorRole = e.Actor.ID, e.Actor.Username, e.Actor.Role
		}
		payload := ""
		if len(e.Payload) > 0 {
			if b, err := json.Marshal(e.Payload); err == nil {
				payload = string(b)
			}
		}
		_ = cw.Write([]string{
			strconv.FormatInt(e.Seq, 10),
			e.ID,
			e.OccurredAt.UTC().Format(time.RFC3339Nano),
			actorID, actorName, actorRole,
			string(e.Action),
			e.ResourceType,
			e.ResourceID,
			e.Description,
			e.OriginAddress,
			e.OriginAgent,
			payload,
			e.Seal,
		})
	}
	cw.Flush()
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	report, err := a.Trail.Verify(r.Context(), f)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	annotate(r, "checked", report.Checked)
	annotate(r, "tampered", len(report.Tampered))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       report.OK(),
		"checked":  report.Checked,
		"tampered": report.Tampered,
		"gaps":     report.Gaps,
		"keyed":    report.Keyed,
	})
}
