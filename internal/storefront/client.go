package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sellforge/platform/internal/common/config"
)

// Variant is one sellable variant of a storefront product
type Variant struct {
	ID                int64   `json:"id"`
	SKU               string  `json:"sku"`
	Price             string  `json:"price"`
	InventoryItemID   int64   `json:"inventory_item_id"`
	InventoryQuantity int     `json:"inventory_quantity"`
	Weight            float64 `json:"weight"`
}

// ShopProduct is a storefront product with its variants
type ShopProduct struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Variants []Variant `json:"variants"`
}

// Client talks to the storefront admin REST API
type Client struct {
	httpClient *http.Client
	cfg        config.StorefrontConfig
}

// NewClient creates a storefront client from configuration
func NewClient(cfg config.StorefrontConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
	}
}

func (c *Client) apiURL(path string) string {
	return fmt.Sprintf("%s/admin/api/%s%s", c.cfg.ShopURL, c.cfg.APIVersion, path)
}

// GetProduct fetches a storefront product with its variant inventory levels
func (c *Client) GetProduct(ctx context.Context, productID string) (*ShopProduct, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL(fmt.Sprintf("/products/%s.json", productID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("product fetch failed with status %d", resp.StatusCode)
	}

	var result struct {
		Product ShopProduct `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode product response: %w", err)
	}
	return &result.Product, nil
}

// UpdateInventory sets the available quantity for an inventory item at a
// location
func (c *Client) UpdateInventory(ctx context.Context, inventoryItemID int64, locationID string, quantity int) error {
	payload := map[string]interface{}{
		"inventory_item_id": inventoryItemID,
		"location_id":       locationID,
		"available":         quantity,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inventory payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL("/inventory_levels/set.json"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory update failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("X-Shopify-Access-Token", c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
}
