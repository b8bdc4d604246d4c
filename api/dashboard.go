package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListClientsHandler returns every tenant as a JSON array.
func ListClientsHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenants, err := app.Repo.ListTenants(c.Request.Context())
		if err != nil {
			storeFailure(c, app, "failed to list clients", err)
			return
		}
		c.JSON(http.StatusOK, tenants)
	}
}

// CreateClientHandler stores a new tenant under a generated id.
func CreateClientHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tenant Tenant
		raw, err := c.GetRawData()
		if err == nil {
			err = decodeTenant(raw, &tenant)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, WebhookResponse{
				Success: false,
				Message: "Invalid JSON payload: " + err.Error(),
			})
			return
		}

		created, err := app.Repo.CreateTenant(c.Request.Context(), tenant)
		if err != nil {
			storeFailure(c, app, "failed to create client", err)
			return
		}
		requestLogger(c, app.Logger).Info("client created",
			zap.Int64("id", created.ID),
			zap.String("name", created.Name),
			zap.String("retell_agent_id", created.RetellAgentID),
		)
		c.JSON(http.StatusOK, WebhookResponse{Success: true, Client: created})
	}
}

// UpdateClientHandler merges the body into the tenant named by :id.
func UpdateClientHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientID(c)
		if !ok {
			return
		}
		raw, err := c.GetRawData()
		if err != nil || !json.Valid(raw) {
			c.JSON(http.StatusBadRequest, WebhookResponse{Success: false, Message: "Invalid JSON payload"})
			return
		}

		updated, err := app.Repo.UpdateTenant(c.Request.Context(), id, raw)
		switch {
		case errors.Is(err, ErrTenantNotFound):
			c.JSON(http.StatusNotFound, WebhookResponse{Success: false, Message: "Client not found"})
			return
		case errors.Is(err, ErrInvalidTenant):
			c.JSON(http.StatusBadRequest, WebhookResponse{Success: false, Message: err.Error()})
			return
		case err != nil:
			storeFailure(c, app, "failed to update client", err)
			return
		}
		requestLogger(c, app.Logger).Info("client updated", zap.Int64("id", id))
		c.JSON(http.StatusOK, WebhookResponse{Success: true, Client: updated})
	}
}

// DeleteClientHandler removes the tenant named by :id.
func DeleteClientHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientID(c)
		if !ok {
			return
		}
		err := app.Repo.DeleteTenant(c.Request.Context(), id)
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, WebhookResponse{Success: false, Message: "Client not found"})
			return
		}
		if err != nil {
			storeFailure(c, app, "failed to delete client", err)
			return
		}
		requestLogger(c, app.Logger).Info("client deleted", zap.Int64("id", id))
		c.JSON(http.StatusOK, WebhookResponse{Success: true, Message: "Client deleted successfully"})
	}
}

// ListLogsHandler returns recent call logs, newest first.
func ListLogsHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := app.Repo.ListLogs(c.Request.Context())
		if err != nil {
			storeFailure(c, app, "failed to list logs", err)
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

func clientID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, WebhookResponse{Success: false, Message: "Invalid client id"})
		return 0, false
	}
	return id, true
}

func storeFailure(c *gin.Context, app *App, msg string, err error) {
	requestLogger(c, app.Logger).Error(msg, zap.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, WebhookResponse{Success: false, Message: "Storage error: " + err.Error()})
}
