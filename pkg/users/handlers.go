package users

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/httputil"
	"github.com/sisiago/sisiago/pkg/observability"
)

// auditTable is the table name recorded for user changes
const auditTable = "users"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handlers serves the user administration routes
type Handlers struct {
	repo   Repository
	audit  *audit.Logger
	auth   *auth.Middleware
	logger *observability.Logger
}

// NewHandlers creates user handlers. Every change is recorded on auditLog.
func NewHandlers(repo Repository, auditLog *audit.Logger, authMW *auth.Middleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Handlers{repo: repo, audit: auditLog, auth: authMW, logger: logger}
}

// RegisterRoutes registers the user routes on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/users").Subrouter()
	sub.Use(h.auth.Authenticate, h.auth.RequireRole(auth.RoleAdmin))
	sub.HandleFunc("/{id}/status", h.updateStatus).Methods(http.MethodPatch)
}

// updateStatus handles PATCH /users/{id}/status
func (h *Handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	actor, _ := auth.ActorFromContext(r.Context())
	if actor != nil && actor.ID == id {
		httputil.WriteBadRequest(w, "cannot change your own status")
		return
	}

	var upd StatusUpdate
	if err := httputil.ParseJSON(r, &upd); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := validate.Struct(upd); err != nil {
		httputil.WriteBadRequest(w, validationMessage(err))
		return
	}

	before, after, err := h.repo.UpdateStatus(r.Context(), id, upd)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("user_id", id).Error("failed to update user status")
		httputil.WriteInternalError(w, "failed to update user")
		return
	}

	h.audit.Record(r.Context(), auditTable, id, audit.OperationUpdate, audit.Change{
		OldValues: before.auditValues(),
		NewValues: after.auditValues(),
	})

	_ = httputil.WriteEnvelope(w, after)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	switch verrs[0].Field() {
	case "Role":
		return "role must be one of admin, manager, user"
	default:
		return "is_active or role is required"
	}
}
