package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type createJobRequest struct {
	SourceURL  string                `json:"source_url" validate:"required,url"`
	JobType    crawler.JobType       `json:"job_type" validate:"required"`
	Config     crawler.PartialConfig `json:"config"`
	OwnerID    string                `json:"owner_id" validate:"max=200"`
	OrgID      string                `json:"org_id" validate:"max=200"`
	WebhookURL string                `json:"webhook_url" validate:"omitempty,url"`
	Priority   int                   `json:"priority" validate:"min=0,max=10"`
}

type batchItemRequest struct {
	SourceURL string                `json:"source_url" validate:"required,url"`
	JobType   crawler.JobType       `json:"job_type" validate:"required"`
	Config    crawler.PartialConfig `json:"config"`
	Priority  int                   `json:"priority" validate:"min=0,max=10"`
}

type createBatchRequest struct {
	OwnerID string             `json:"owner_id" validate:"max=200"`
	Jobs    []batchItemRequest `json:"jobs" validate:"required,min=1,max=100,dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return crawler.NewValidationError("body", "invalid JSON: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(dst).Elem().Name()+".")
			return crawler.NewValidationError(field, "failed %q validation", fe.Tag())
		}
		return crawler.NewValidationError("body", "%v", err)
	}
	return nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), service.CreateRequest{
		SourceURL:  req.SourceURL,
		Type:       req.JobType,
		Config:     req.Config,
		OwnerID:    req.OwnerID,
		OrgID:      req.OrgID,
		WebhookURL: req.WebhookURL,
		Priority:   req.Priority,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]service.BatchItem, 0, len(req.Jobs))
	for _, item := range req.Jobs {
		items = append(items, service.BatchItem{
			SourceURL: item.SourceURL,
			Type:      item.JobType,
			Config:    item.Config,
			Priority:  item.Priority,
		})
	}
	jobs, err := s.jobs.CreateBatchJobs(r.Context(), items, req.OwnerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := s.jobs.ListJobs(r.Context(), crawler.JobFilter{
		OwnerID: q.Get("owner_id"),
		Status:  crawler.JobStatus(q.Get("status")),
		Type:    crawler.JobType(q.Get("job_type")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RetryJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) getJobContent(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	list, err := s.jobs.GetJobContent(r.Context(), chi.URLParam(r, "job_id"), crawler.ContentFilter{
		ContentType: crawler.ContentType(r.URL.Query().Get("content_type")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := crawler.RecordFilter{JobID: q.Get("job_id"), Limit: limit, Offset: offset}
	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeServiceError(w, r, crawler.NewValidationError("min_confidence", "must be a number"))
			return
		}
		filter.MinConfidence = &v
	}
	if filter.DeadlineAfter, err = parseTimeParam(r, "deadline_after"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if filter.DeadlineBefore, err = parseTimeParam(r, "deadline_before"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	list, err := s.jobs.GetExtractedRecords(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	filter := crawler.StatsFilter{OwnerID: r.URL.Query().Get("owner_id")}
	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	stats, err := s.jobs.GetStatistics(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := defaultListLimit
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, crawler.NewValidationError("limit", "must be a positive integer")
		}
		limit = min(val, maxListLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, crawler.NewValidationError("offset", "must be a non-negative integer")
		}
		offset = val
	}
	return limit, offset, nil
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, crawler.NewValidationError(name, "unrecognized time %q", raw)
}
