package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"donation-svc/cache"
	"donation-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ProjectHandler struct {
	db     *sql.DB
	rdb    *redis.Client
	logger *zap.Logger
}

func NewProjectHandler(db *sql.DB, rdb *redis.Client, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{db: db, rdb: rdb, logger: logger}
}

const projectColumns = "id, name, unit_price, target_units, target_amount, current_units, current_amount, aggregate_donations, status, created_at, updated_at"

func (h *ProjectHandler) GetProjects(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "GetProjects")
	defer span.End()

	rows, err := h.db.QueryContext(ctx, "SELECT "+projectColumns+" FROM projects ORDER BY id")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch projects", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.TargetUnits, &p.TargetAmount, &p.CurrentUnits, &p.CurrentAmount, &p.AggregateDonations, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan project", zap.Error(err))
			continue
		}
		projects = append(projects, p)
	}

	span.SetAttributes(attribute.Int("projects.count", len(projects)))
	c.JSON(http.StatusOK, projects)
}

func (h *ProjectHandler) GetProject(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "GetProject")
	defer span.End()

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return
	}
	span.SetAttributes(attribute.Int("project.id", id))

	// Try to get from cache first
	if cachedData, err := cache.GetProject(ctx, h.rdb, id); err == nil {
		var project models.Project
		if err := json.Unmarshal(cachedData, &project); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			c.JSON(http.StatusOK, project)
			return
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var project models.Project
	err = h.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = $1",
		id,
	).Scan(&project.ID, &project.Name, &project.UnitPrice, &project.TargetUnits, &project.TargetAmount, &project.CurrentUnits, &project.CurrentAmount, &project.AggregateDonations, &project.Status, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch project", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := cache.SetProject(ctx, h.rdb, id, project, 5*time.Minute); err != nil {
		h.logger.Warn("Failed to cache project", zap.Error(err))
	}

	c.JSON(http.StatusOK, project)
}
