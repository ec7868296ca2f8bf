package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/milestone"
	"escrowflow/platform"
	"escrowflow/project"
)

type ctxKey int

const ctxKeyActor ctxKey = iota

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (identity.Actor, error)
}

type projectService interface {
	Create(ctx context.Context, actor identity.Actor, params project.CreateParams) (project.Project, error)
	UpdateScopeBar(ctx context.Context, actor identity.Actor, projectID string, milestones []project.MilestoneInput) error
	AssignDeveloper(ctx context.Context, actor identity.Actor, projectID, developerID string) (project.Project, error)
	Get(ctx context.Context, actor identity.Actor, projectID string) (project.Project, error)
	List(ctx context.Context, filters project.ListFilters) ([]project.Project, int, error)
}

type milestoneService interface {
	Start(ctx context.Context, actor identity.Actor, milestoneID, idempotencyKey string) (milestone.StartResult, error)
	MarkReady(ctx context.Context, actor identity.Actor, milestoneID string) (milestone.Milestone, error)
	Approve(ctx context.Context, actor identity.Actor, milestoneID, idempotencyKey string) (milestone.StartResult, error)
}

type disputeService interface {
	Open(ctx context.Context, actor identity.Actor, milestoneID, statement string, evidence []string) (dispute.Dispute, error)
	Respond(ctx context.Context, actor identity.Actor, disputeID, statement string, evidence []string) (dispute.Dispute, error)
	BeginReview(ctx context.Context, actor identity.Actor, disputeID string) (dispute.Dispute, error)
	Resolve(ctx context.Context, actor identity.Actor, disputeID, decision string, favorOf dispute.Outcome, idempotencyKey string) (dispute.Dispute, error)
	Close(ctx context.Context, actor identity.Actor, disputeID, reason string) (dispute.Dispute, error)
}

type settingsService interface {
	Get(ctx context.Context) (platform.Settings, error)
	UpdateRate(ctx context.Context, adminID string, rate decimal.Decimal) (platform.Settings, error)
}

// Server routes HTTP requests to the workflow services and translates the
// error taxonomy into status codes.
type Server struct {
	log        zerolog.Logger
	identities identityService
	projects   projectService
	milestones milestoneService
	disputes   disputeService
	settings   settingsService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/projects", s.requireAuth(s.handleProjects))
	mux.Handle("/api/projects/", s.requireAuth(s.handleProjectDetail))
	mux.Handle("/api/milestones/", s.requireAuth(s.handleMilestoneAction))
	mux.Handle("/api/disputes/", s.requireAuth(s.handleDisputeAction))
	mux.Handle("/api/settings", s.requireAuth(s.handleSettings))
	return mux
}

// requireAuth verifies the bearer token and stashes the actor in the context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		actor, err := s.identities.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func actorFrom(r *http.Request) (identity.Actor, bool) {
	actor, ok := r.Context().Value(ctxKeyActor).(identity.Actor)
	return actor, ok
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}
	user, err := s.identities.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}
	result, err := s.identities.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		budget, err := decimal.NewFromString(req.Budget)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "budget must be a decimal string"})
			return
		}
		p, err := s.projects.Create(r.Context(), actor, project.CreateParams{
			Title:      req.Title,
			Budget:     budget,
			Deadline:   req.Deadline,
			Milestones: req.Milestones,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProjectResponse(p))
	case http.MethodGet:
		filters := project.ListFilters{}
		switch actor.Role {
		case identity.RoleClient:
			filters.ClientID = actor.UserID
		case identity.RoleDeveloper:
			filters.DeveloperID = actor.UserID
		}
		items, total, err := s.projects.List(r.Context(), filters)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]projectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, toProjectResponse(p))
		}
		writeJSON(w, http.StatusOK, listResponse[projectResponse]{Items: out, Total: total})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	projectID, action := splitPath(r.URL.Path, "/api/projects/")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing project id"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		p, err := s.projects.Get(r.Context(), actor, projectID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProjectResponse(p))
	case action == "scope-bar" && r.Method == http.MethodPut:
		var req scopeBarRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		if err := s.projects.UpdateScopeBar(r.Context(), actor, projectID, req.Milestones); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "assign" && r.Method == http.MethodPost:
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		p, err := s.projects.AssignDeveloper(r.Context(), actor, projectID, req.DeveloperID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProjectResponse(p))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMilestoneAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	milestoneID, action := splitPath(r.URL.Path, "/api/milestones/")
	if milestoneID == "" || action == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing milestone id or action"})
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")

	switch action {
	case "start":
		res, err := s.milestones.Start(r.Context(), actor, milestoneID, idemKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toStartResponse(res))
	case "ready":
		m, err := s.milestones.MarkReady(r.Context(), actor, milestoneID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toMilestoneResponse(m))
	case "approve":
		res, err := s.milestones.Approve(r.Context(), actor, milestoneID, idemKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toStartResponse(res))
	case "dispute":
		var req openDisputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		d, err := s.disputes.Open(r.Context(), actor, milestoneID, req.Statement, req.Evidence)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(d))
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown milestone action"})
	}
}

func (s *Server) handleDisputeAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	disputeID, action := splitPath(r.URL.Path, "/api/disputes/")
	if disputeID == "" || action == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing dispute id or action"})
		return
	}

	switch action {
	case "respond":
		var req respondRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		d, err := s.disputes.Respond(r.Context(), actor, disputeID, req.Statement, req.Evidence)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case "review":
		d, err := s.disputes.BeginReview(r.Context(), actor, disputeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case "resolve":
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		d, err := s.disputes.Resolve(r.Context(), actor, disputeID, req.Decision, dispute.Outcome(req.FavorOf), r.Header.Get("Idempotency-Key"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case "close":
		var req closeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		d, err := s.disputes.Close(r.Context(), actor, disputeID, req.Reason)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown dispute action"})
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.Get(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsResponse(settings))
	case http.MethodPut:
		if actor.Role != identity.RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin role required"})
			return
		}
		var req updateSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
			return
		}
		rate, err := decimal.NewFromString(req.CommissionRate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "commission_rate must be a decimal string"})
			return
		}
		settings, err := s.settings.UpdateRate(r.Context(), actor.UserID, rate)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsResponse(settings))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// splitPath returns the id and the optional action segment after prefix.
func splitPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var conflict *apperr.StateConflictError
	switch {
	case apperr.IsValidation(err),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, project.ErrDeveloperNotFound):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case apperr.IsAuthorization(err):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, project.ErrNotFound),
		errors.Is(err, milestone.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:        err.Error(),
			CurrentState: conflict.Current,
		})
	case errors.Is(err, dispute.ErrActiveDispute),
		errors.Is(err, escrow.ErrAlreadyHeld),
		errors.Is(err, identity.ErrDuplicateEmail):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case apperr.IsGateway(err):
		s.log.Warn().Err(err).Msg("payment gateway failure")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// --- request and response shapes ---

type errorResponse struct {
	Error        string `json:"error"`
	CurrentState string `json:"current_state,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type createProjectRequest struct {
	Title      string                   `json:"title"`
	Budget     string                   `json:"budget"`
	Deadline   time.Time                `json:"deadline"`
	Milestones []project.MilestoneInput `json:"milestones"`
}

type scopeBarRequest struct {
	Milestones []project.MilestoneInput `json:"milestones"`
}

type assignRequest struct {
	DeveloperID string `json:"developer_id"`
}

type openDisputeRequest struct {
	Statement string   `json:"statement"`
	Evidence  []string `json:"evidence"`
}

type respondRequest struct {
	Statement string   `json:"statement"`
	Evidence  []string `json:"evidence"`
}

type resolveRequest struct {
	Decision string `json:"decision"`
	FavorOf  string `json:"favor_of"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

type updateSettingsRequest struct {
	CommissionRate string `json:"commission_rate"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

type projectResponse struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"client_id"`
	DeveloperID *string `json:"developer_id,omitempty"`
	Title       string  `json:"title"`
	Budget      string  `json:"budget"`
	Deadline    string  `json:"deadline"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

func toProjectResponse(p project.Project) projectResponse {
	return projectResponse{
		ID:          p.ID,
		ClientID:    p.ClientID,
		DeveloperID: p.DeveloperID,
		Title:       p.Title,
		Budget:      p.Budget.StringFixed(2),
		Deadline:    p.Deadline.Format(time.RFC3339),
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

type milestoneResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	OrderIndex int    `json:"order_index"`
	Title      string `json:"title"`
	Percentage string `json:"percentage"`
	Status     string `json:"status"`
}

func toMilestoneResponse(m milestone.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		OrderIndex: m.OrderIndex,
		Title:      m.Title,
		Percentage: m.Percentage.String(),
		Status:     string(m.Status),
	}
}

type escrowResponse struct {
	ID              string `json:"id"`
	Amount          string `json:"amount"`
	PlatformFee     string `json:"platform_fee"`
	DeveloperPayout string `json:"developer_payout"`
	Status          string `json:"status"`
}

type startResponse struct {
	Milestone   milestoneResponse `json:"milestone"`
	Transaction escrowResponse    `json:"transaction"`
}

func toStartResponse(res milestone.StartResult) startResponse {
	return startResponse{
		Milestone: toMilestoneResponse(res.Milestone),
		Transaction: escrowResponse{
			ID:              res.Transaction.ID,
			Amount:          res.Transaction.Amount.StringFixed(2),
			PlatformFee:     res.Transaction.PlatformFee.StringFixed(2),
			DeveloperPayout: res.Transaction.DeveloperPayout.StringFixed(2),
			Status:          string(res.Transaction.Status),
		},
	}
}

type disputeResponse struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	MilestoneID        string   `json:"milestone_id"`
	Status             string   `json:"status"`
	Statement          string   `json:"statement"`
	ClientEvidence     []string `json:"client_evidence,omitempty"`
	DeveloperStatement *string  `json:"developer_statement,omitempty"`
	DeveloperEvidence  []string `json:"developer_evidence,omitempty"`
	Decision           *string  `json:"decision,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:                 d.ID,
		ProjectID:          d.ProjectID,
		MilestoneID:        d.MilestoneID,
		Status:             string(d.Status),
		Statement:          d.ClientStatement,
		ClientEvidence:     d.ClientEvidence,
		DeveloperStatement: d.DeveloperStatement,
		DeveloperEvidence:  d.DeveloperEvidence,
		Decision:           d.Decision,
	}
}

type settingsResponse struct {
	CommissionRate string `json:"commission_rate"`
	UpdatedAt      string `json:"updated_at"`
}

func toSettingsResponse(s platform.Settings) settingsResponse {
	return settingsResponse{
		CommissionRate: s.CommissionRate.String(),
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
	}
}
