package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/deadletter"
	"github.com/taxpoynt/messagefabric/internal/errorcoord"
	"github.com/taxpoynt/messagefabric/internal/routing"
	"github.com/taxpoynt/messagefabric/pkg/json"
)

const maxBodyBytes = 4 << 20

type routeRequest struct {
	TargetRole    string                 `json:"target_role"`
	TargetService string                 `json:"target_service"`
	Operation     string                 `json:"operation"`
	Payload       map[string]interface{} `json:"payload"`
	TenantID      string                 `json:"tenant_id"`
	CorrelationID string                 `json:"correlation_id"`
	SourceService string                 `json:"source_service"`
	SourceRole    string                 `json:"source_role"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req routeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Operation == "" {
		writeJSONError(w, http.StatusBadRequest, "operation is required")
		return
	}

	opts := []routing.RouteOption{
		routing.WithRouteTenant(req.TenantID),
		routing.WithRouteCorrelation(req.CorrelationID),
		routing.WithSourceService(req.SourceService),
		routing.WithSourceRole(routing.Role(req.SourceRole)),
	}

	var resp map[string]interface{}
	var err error
	if req.TargetService != "" {
		resp, err = s.p.Router.RouteToService(r.Context(), req.TargetService, req.Operation, req.Payload, opts...)
	} else {
		resp, err = s.p.Router.RouteMessage(r.Context(), routing.Role(req.TargetRole), req.Operation, req.Payload, opts...)
	}
	if err != nil {
		s.log.Warn("Route request failed",
			zap.String("operation", req.Operation),
			zap.String("target_role", req.TargetRole),
			zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerServiceRequest struct {
	ServiceName string                 `json:"service_name"`
	Role        string                 `json:"role"`
	URL         string                 `json:"url"`
	Priority    int                    `json:"priority"`
	LoadFactor  float64                `json:"load_factor"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req registerServiceRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ServiceName == "" || req.Role == "" {
		writeJSONError(w, http.StatusBadRequest, "service_name and role are required")
		return
	}

	var opts []routing.EndpointOption
	if req.URL != "" {
		opts = append(opts, routing.WithEndpointURL(req.URL))
	}
	if req.Priority > 0 {
		opts = append(opts, routing.WithEndpointPriority(req.Priority))
	}
	if req.LoadFactor > 0 {
		opts = append(opts, routing.WithLoadFactor(req.LoadFactor))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, routing.WithEndpointTags(req.Tags...))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, routing.WithEndpointMetadata(req.Metadata))
	}

	id, err := s.p.Router.RegisterService(r.Context(), req.ServiceName, routing.Role(req.Role), opts...)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"endpoint_id": id})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var rule routing.RoutingRule
	if err := decodeBody(r, &rule); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.p.Router.AddRoutingRule(r.Context(), &rule); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"rule_id": rule.ID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.p.Router.GetRoutingStatistics(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions":      s.p.Versions.Versions(),
		"latest_stable": s.p.Versions.LatestStable(),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := deadletter.ListFilter{
		Reason:        deadletter.FailureReason(q.Get("reason")),
		SourceService: q.Get("source_service"),
		SourceQueue:   q.Get("source_queue"),
		Status:        deadletter.RecordStatus(q.Get("status")),
		PoisonOnly:    q.Get("poison") == "true",
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": s.p.DeadLetters.ListDeadLetters(filter, limit),
		"stats":        s.p.DeadLetters.GetStats(),
	})
}

func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var report errorcoord.Report
	if err := decodeBody(r, &report); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.p.Errors.ReportError(r.Context(), report)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"record_id":   rec.ID,
		"fingerprint": rec.Fingerprint,
		"hints":       rec.Hints,
	})
}

type scalingRequest struct {
	Target int `json:"target"`
}

func (s *Server) handleScaling(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"instances": s.p.Scaling.InstanceCount(),
			"metrics":   s.p.Scaling.Metrics(),
		})
	case http.MethodPost:
		var req scalingRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.p.Scaling.ManualScale(r.Context(), req.Target); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"instances": s.p.Scaling.InstanceCount()})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
