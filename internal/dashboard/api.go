package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/abtest"
	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/db"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/competition"
	"github.com/sellforge/platform/internal/lifecycle"
	"github.com/sellforge/platform/internal/optimizer"
)

// API is the dashboard HTTP server: product intake, manual transitions,
// test management and the live alerts feed
type API struct {
	echo      *echo.Echo
	db        *db.Database
	config    *config.Config
	lifecycle *lifecycle.Manager
	optimizer *optimizer.Optimizer
	tests     *abtest.Evaluator
	analyzer  *competition.Analyzer
	hub       *AlertHub
	upgrader  websocket.Upgrader
}

// NewAPI creates the dashboard API server
func NewAPI(database *db.Database, cfg *config.Config, manager *lifecycle.Manager,
	opt *optimizer.Optimizer, tests *abtest.Evaluator, analyzer *competition.Analyzer, hub *AlertHub) *API {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api := &API{
		echo:      e,
		db:        database,
		config:    cfg,
		lifecycle: manager,
		optimizer: opt,
		tests:     tests,
		analyzer:  analyzer,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	api.registerRoutes()
	return api
}

// registerRoutes registers API routes
func (api *API) registerRoutes() {
	api.echo.GET("/health", api.healthCheck)

	v1 := api.echo.Group("/api/v1")

	// Product routes
	v1.POST("/products", api.createProduct)
	v1.GET("/products", api.listProducts)
	v1.GET("/products/:id", api.getProduct)
	v1.DELETE("/products/:id", api.deleteProduct)
	v1.POST("/products/:id/evaluate", api.evaluateProduct)
	v1.POST("/products/:id/approve", api.approveProduct)
	v1.POST("/products/:id/publish", api.publishProduct)
	v1.POST("/products/:id/optimize", api.optimizeProduct)
	v1.POST("/products/:id/analyze", api.analyzeCompetition)

	// A/B test routes
	v1.POST("/tests", api.createTest)
	v1.GET("/tests/:id", api.getTest)
	v1.POST("/tests/:id/evaluate", api.evaluateTest)

	// Audit and overview routes
	v1.GET("/actions", api.listActions)
	v1.GET("/stats", api.getStats)

	// WebSocket route for the live alerts feed
	v1.GET("/ws/alerts", api.handleAlertsSocket)
}

// Start starts the API server and blocks until the context is cancelled
func (api *API) Start(ctx context.Context) error {
	go func() {
		address := ":" + strconv.Itoa(api.config.Server.Port)
		if err := api.echo.Start(address); err != nil && err != http.ErrServerClosed {
			api.echo.Logger.Fatal("shutting down the server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.config.Server.IdleTimeout)
	defer cancel()

	return api.echo.Shutdown(shutdownCtx)
}

// healthCheck is a health check endpoint
func (api *API) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "engine",
	})
}

// createProduct registers a product and runs its first evaluation
func (api *API) createProduct(c echo.Context) error {
	var input lifecycle.CreateInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	product, err := api.lifecycle.CreateProduct(input)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome, err := api.lifecycle.EvaluateProduct(c.Request().Context(), product.ID)
	if err != nil {
		// The product exists; evaluation can be retried later
		return c.JSON(http.StatusCreated, map[string]interface{}{
			"product": product,
			"warning": "initial evaluation failed: " + err.Error(),
		})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"product":    product,
		"evaluation": outcome,
	})
}

// listProducts returns products with optional status filtering
func (api *API) listProducts(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := api.db.Model(&models.Product{})
	if status := c.QueryParam("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var products []models.Product
	if err := query.Preload("Metrics").Order("id DESC").
		Limit(limit).Offset(offset).Find(&products).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch products")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"products": products,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// getProduct returns one product with its metrics, listings and analyses
func (api *API) getProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var product models.Product
	err = api.db.Preload("Metrics").Preload("Listings").Preload("Analyses").
		First(&product, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch product")
	}

	return c.JSON(http.StatusOK, product)
}

// deleteProduct removes a product and its history
func (api *API) deleteProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	if err := api.lifecycle.RemoveProduct(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete product")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// evaluateProduct re-runs pricing and scoring for a product
func (api *API) evaluateProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	outcome, err := api.lifecycle.EvaluateProduct(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusOK, outcome)
}

// approveProduct applies a manual review decision
func (api *API) approveProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	outcome, err := api.lifecycle.ApproveProduct(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, outcome)
}

// publishProduct pushes an approved product live
func (api *API) publishProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	outcome, err := api.lifecycle.PublishProduct(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotApproved) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	return c.JSON(http.StatusOK, outcome)
}

// optimizeProduct runs one optimization pass for a product
func (api *API) optimizeProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	outcome, err := api.optimizer.OptimizeProduct(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Product not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, outcome)
}

// analyzeCompetition runs a fresh competitor analysis for a product
func (api *API) analyzeCompetition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var request struct {
		Keyword string `json:"keyword"`
	}
	if err := c.Bind(&request); err != nil || request.Keyword == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "A search keyword is required")
	}

	summary, err := api.analyzer.Analyze(c.Request().Context(), id, request.Keyword)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusOK, summary)
}

// createTest starts an A/B test for a product
func (api *API) createTest(c echo.Context) error {
	var request struct {
		ProductID uint               `json:"product_id"`
		TestType  string             `json:"test_type"`
		VariantA  abtest.VariantSpec `json:"variant_a"`
		VariantB  abtest.VariantSpec `json:"variant_b"`
	}
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	test, err := api.tests.CreateTest(c.Request().Context(),
		request.ProductID, request.TestType, request.VariantA, request.VariantB)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusCreated, test)
}

// getTest returns one test with its current state
func (api *API) getTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var test models.ABTest
	if err := api.db.First(&test, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Test not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch test")
	}

	return c.JSON(http.StatusOK, test)
}

// evaluateTest triggers one evaluation of a running test
func (api *API) evaluateTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	outcome, err := api.tests.EvaluateTest(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Test not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, outcome)
}

// listActions returns the recent action history, optionally per product
func (api *API) listActions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := api.db.Model(&models.ActionLog{})
	if productID := c.QueryParam("product_id"); productID != "" {
		query = query.Where("product_id = ?", productID)
	}

	var actions []models.ActionLog
	if err := query.Order("created_at DESC").Limit(limit).Find(&actions).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch actions")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"actions": actions,
		"limit":   limit,
	})
}

// getStats returns catalog counts by status plus activity figures
func (api *API) getStats(c echo.Context) error {
	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}

	var byStatus []statusCount
	err := api.db.Model(&models.Product{}).
		Select("status, COUNT(*) AS count").
		Group("status").Scan(&byStatus).Error
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to count products")
	}

	statuses := make(map[string]int64, len(byStatus))
	var total int64
	for _, sc := range byStatus {
		statuses[sc.Status] = sc.Count
		total += sc.Count
	}

	var runningTests int64
	api.db.Model(&models.ABTest{}).Where("status = ?", models.TestRunning).Count(&runningTests)

	var recentActions int64
	api.db.Model(&models.ActionLog{}).
		Where("created_at > ?", time.Now().Add(-24*time.Hour)).
		Count(&recentActions)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total_products":  total,
		"by_status":       statuses,
		"running_tests":   runningTests,
		"actions_last_24": recentActions,
	})
}

// handleAlertsSocket streams engine alerts to a dashboard client
func (api *API) handleAlertsSocket(c echo.Context) error {
	ws, err := api.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "WebSocket upgrade error")
	}
	defer ws.Close()

	alerts, unsubscribe := api.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case alert, ok := <-alerts:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.TextMessage, alert); err != nil {
				return err
			}
		case <-pingTicker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}
	}
}

func parseID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid ID")
	}
	return uint(id), nil
}
