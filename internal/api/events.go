package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/chread"
)

// handleAuditHistory implements GET /v1/audit/{fingerprint}. The in-process
// log is the hot, causally ordered view; when it holds nothing for the
// fingerprint (typically after a restart) the durable ClickHouse history is
// served instead.
func (d *Dependencies) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")
	if fp == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "fingerprint is required"})
		return
	}

	events := d.Log.History(action.Fingerprint(fp))
	out := make([]AuditEventResp, 0, len(events))
	for _, e := range events {
		out = append(out, AuditEventResp{
			Seq:         e.Seq,
			Kind:        string(e.Kind),
			Fingerprint: string(e.Fingerprint),
			Actor:       e.Actor,
			Timestamp:   e.Timestamp,
			Reasons:     e.Reasons,
			Preview:     e.Preview,
			TokenID:     e.TokenID,
			Error:       e.Error,
		})
	}

	if len(out) == 0 && d.Reader != nil {
		rows, err := d.Reader.History(r.Context(), fp)
		if err != nil {
			d.Logger.Error("durable history query failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "history query failed"})
			return
		}
		for _, e := range rows {
			out = append(out, AuditEventResp{
				Seq:         e.Seq,
				Kind:        e.Kind,
				Fingerprint: e.Fingerprint,
				Actor:       e.Actor,
				Timestamp:   e.Timestamp,
				Reasons:     e.Reasons,
				Preview:     e.Preview,
				TokenID:     e.TokenID,
				Error:       e.Error,
			})
		}
	}

	writeJSON(w, http.StatusOK, AuditHistoryResp{Fingerprint: fp, Events: out})
}

// handleListEvents implements GET /v1/events, served from durable ClickHouse
// storage when configured.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "event storage not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{Page: 1, PageSize: 50}
	if v := q.Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			params.Page = p
		}
	}
	if v := q.Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 500 {
			params.PageSize = ps
		}
	}
	if v := q.Get("fingerprint"); v != "" {
		params.Fingerprint = &v
	}
	if v := q.Get("kind"); v != "" {
		params.Kind = &v
	}
	if v := q.Get("actor"); v != "" {
		params.Actor = &v
	}

	rows, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("list events failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "event query failed"})
		return
	}

	events := make([]AuditEventResp, 0, len(rows))
	for _, e := range rows {
		events = append(events, AuditEventResp{
			Seq:         e.Seq,
			Kind:        e.Kind,
			Fingerprint: e.Fingerprint,
			Actor:       e.Actor,
			Timestamp:   e.Timestamp,
			Reasons:     e.Reasons,
			Preview:     e.Preview,
			TokenID:     e.TokenID,
			Error:       e.Error,
		})
	}

	writeJSON(w, http.StatusOK, ListEventsResp{
		Events:   events,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}
