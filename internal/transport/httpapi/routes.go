package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
)

// Route is the endpoint a mutation kind is sent to. "{id}" in Path is
// replaced with the operation's entity ID.
type Route struct {
	Method string
	Path   string
}

// DefaultRoutes maps every operation kind to its endpoint.
func DefaultRoutes() map[models.OperationKind]Route {
	return map[models.OperationKind]Route{
		models.KindCreateUser:      {http.MethodPost, "/api/users"},
		models.KindCreateEquipment: {http.MethodPost, "/api/equipment"},
		models.KindUpdateEquipment: {http.MethodPut, "/api/equipment/{id}"},
		models.KindCreateHandover:  {http.MethodPost, "/api/handovers"},
		models.KindUpdateHandover:  {http.MethodPut, "/api/handovers/{id}"},
		models.KindUpdateRecord:    {http.MethodPut, "/api/records/{id}"},
		models.KindDeleteRecord:    {http.MethodDelete, "/api/records/{id}"},
	}
}

// Send delivers op to route and returns the server's entity, or nil for
// deletes and empty responses. The operation ID is sent as the
// idempotency key.
func (c *Client) Send(ctx context.Context, route Route, op models.QueuedOperation) (*models.Entity, error) {
	path := route.Path
	if strings.Contains(path, "{id}") {
		if op.EntityID == "" {
			return nil, apperrors.New(apperrors.ErrValidation, "operation "+string(op.Kind)+" requires an entity id")
		}
		path = strings.ReplaceAll(path, "{id}", url.PathEscape(op.EntityID))
	}

	ctx = WithIdempotencyKey(ctx, op.ID)

	var body interface{}
	if route.Method != http.MethodDelete && len(op.Payload) > 0 {
		body = op.Payload
	}

	if op.Kind.IsDelete() {
		return nil, c.Do(ctx, route.Method, path, body, nil)
	}

	var entity models.Entity
	if err := c.Do(ctx, route.Method, path, body, &entity); err != nil {
		return nil, err
	}
	if entity.ID == "" {
		return nil, nil
	}
	if entity.Type == "" {
		entity.Type = op.EntityType
	}
	return &entity, nil
}

// Handler returns a replay handler sending to route.
func (c *Client) Handler(route Route) queue.Handler {
	return func(ctx context.Context, op models.QueuedOperation) (*models.Entity, error) {
		return c.Send(ctx, route, op)
	}
}

// RegisterRoutes binds a handler for every route to reg.
func RegisterRoutes(reg *queue.Registry, c *Client, routes map[models.OperationKind]Route) error {
	for kind, route := range routes {
		if err := reg.Register(kind, c.Handler(route)); err != nil {
			return err
		}
	}
	return reg.Validate()
}
