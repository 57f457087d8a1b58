package mirror

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
)

// Mirror periodically dumps the catalog and recent action history to CSV
// snapshots, giving operators a spreadsheet view without database access
type Mirror struct {
	db  *gorm.DB
	cfg config.MirrorConfig
}

// New creates a mirror writing into the configured directory
func New(db *gorm.DB, cfg config.MirrorConfig) *Mirror {
	return &Mirror{db: db, cfg: cfg}
}

// Run loads the current catalog state and writes both snapshot files
func (m *Mirror) Run(ctx context.Context) error {
	var products []models.Product
	if err := m.db.WithContext(ctx).Preload("Metrics").Order("id").Find(&products).Error; err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}

	limit := m.cfg.MaxActions
	if limit <= 0 {
		limit = 100
	}
	var actions []models.ActionLog
	if err := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&actions).Error; err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}

	return m.WriteSnapshot(products, actions)
}

// WriteSnapshot writes products.csv and actions.csv atomically: each file
// is written to a temp name and renamed into place
func (m *Mirror) WriteSnapshot(products []models.Product, actions []models.ActionLog) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mirror dir: %w", err)
	}

	if err := m.writeCSV("products.csv", productHeader, productRows(products)); err != nil {
		return err
	}
	return m.writeCSV("actions.csv", actionHeader, actionRows(actions))
}

var productHeader = []string{
	"id", "sku", "name", "status", "score", "base_cost", "final_price",
	"margin_pct", "stock", "ads_active", "marketplace_item_id",
	"total_visits", "total_sales", "total_revenue", "conversion_rate", "ctr",
	"published_at",
}

func productRows(products []models.Product) [][]string {
	rows := make([][]string, 0, len(products))
	for i := range products {
		p := &products[i]

		itemID := ""
		if p.MarketplaceItemID != nil {
			itemID = *p.MarketplaceItemID
		}
		publishedAt := ""
		if p.PublishedAt != nil {
			publishedAt = p.PublishedAt.UTC().Format(time.RFC3339)
		}

		var visits, sales int
		var revenue, conversion, ctr float64
		if p.Metrics != nil {
			visits = p.Metrics.TotalVisits
			sales = p.Metrics.TotalSales
			revenue = p.Metrics.TotalRevenue
			conversion = p.Metrics.ConversionRate
			ctr = p.Metrics.CTR
		}

		rows = append(rows, []string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.SKU,
			p.Name,
			p.Status,
			strconv.Itoa(p.Score),
			formatFloat(p.BaseCost),
			formatFloat(p.FinalPrice),
			formatFloat(p.MarginPercentage),
			strconv.Itoa(p.Stock),
			strconv.FormatBool(p.AdsActive),
			itemID,
			strconv.Itoa(visits),
			strconv.Itoa(sales),
			formatFloat(revenue),
			formatFloat(conversion),
			formatFloat(ctr),
			publishedAt,
		})
	}
	return rows
}

var actionHeader = []string{
	"timestamp", "product_id", "action_type", "reason",
	"old_value", "new_value", "success", "error", "job_run_id",
}

func actionRows(actions []models.ActionLog) [][]string {
	rows := make([][]string, 0, len(actions))
	for i := range actions {
		a := &actions[i]

		productID := ""
		if a.ProductID != nil {
			productID = strconv.FormatUint(uint64(*a.ProductID), 10)
		}

		rows = append(rows, []string{
			a.CreatedAt.UTC().Format(time.RFC3339),
			productID,
			a.ActionType,
			a.Reason,
			a.OldValue,
			a.NewValue,
			strconv.FormatBool(a.Success),
			a.ErrorMessage,
			a.JobRunID,
		})
	}
	return rows
}

func (m *Mirror) writeCSV(name string, header []string, rows [][]string) error {
	target := filepath.Join(m.cfg.Dir, name)
	tmp := target + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return fmt.Errorf("failed to write rows: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
