package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/sellforge/platform/internal/common/config"
)

// SearchItem is one result returned by a keyword search
type SearchItem struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	SoldQuantity int     `json:"sold_quantity"`
	Permalink    string  `json:"permalink"`
	FreeShipping bool    `json:"free_shipping"`
}

// ItemSpec describes a listing to be created
type ItemSpec struct {
	Title             string   `json:"title"`
	CategoryID        string   `json:"category_id"`
	Price             float64  `json:"price"`
	CurrencyID        string   `json:"currency_id"`
	AvailableQuantity int      `json:"available_quantity"`
	BuyingMode        string   `json:"buying_mode"`
	ListingTypeID     string   `json:"listing_type_id"`
	Condition         string   `json:"condition"`
	Description       string   `json:"description"`
	Pictures          []string `json:"pictures"`
	FreeShipping      bool     `json:"free_shipping"`
}

// CreatedItem is the marketplace's answer to a successful listing creation
type CreatedItem struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
}

// Client talks to the marketplace REST API. Token state is guarded by a
// mutex because the refresh job and the sweeps run concurrently.
type Client struct {
	httpClient *http.Client
	cfg        config.MarketplaceConfig

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// NewClient creates a marketplace client from configuration
func NewClient(cfg config.MarketplaceConfig) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:          cfg,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RefreshAuth exchanges the refresh token for a fresh access token
func (c *Client) RefreshAuth(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.SecretKey)
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return fmt.Errorf("token refresh returned an empty access token")
	}

	c.mu.Lock()
	c.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		c.refreshToken = result.RefreshToken
	}
	c.mu.Unlock()

	return nil
}

// Search looks up listings matching a keyword, most relevant first. When the
// JSON search endpoint is unavailable the public HTML results page is
// scraped instead.
func (c *Client) Search(ctx context.Context, keyword string, limit int) ([]SearchItem, error) {
	if limit <= 0 {
		limit = 20
	}

	reqURL := fmt.Sprintf("%s/sites/%s/search?q=%s&limit=%d",
		c.cfg.BaseURL, c.cfg.SiteID, url.QueryEscape(keyword), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.searchHTML(ctx, keyword, limit)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.searchHTML(ctx, keyword, limit)
	}

	var result struct {
		Results []struct {
			ID           string  `json:"id"`
			Title        string  `json:"title"`
			Price        float64 `json:"price"`
			SoldQuantity int     `json:"sold_quantity"`
			Permalink    string  `json:"permalink"`
			Shipping     struct {
				FreeShipping bool `json:"free_shipping"`
			} `json:"shipping"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	items := make([]SearchItem, 0, len(result.Results))
	for _, r := range result.Results {
		items = append(items, SearchItem{
			ID:           r.ID,
			Title:        r.Title,
			Price:        r.Price,
			SoldQuantity: r.SoldQuantity,
			Permalink:    r.Permalink,
			FreeShipping: r.Shipping.FreeShipping,
		})
	}
	return items, nil
}

// CreateListing publishes a new item and returns its marketplace identity
func (c *Client) CreateListing(ctx context.Context, spec ItemSpec) (*CreatedItem, error) {
	payload := map[string]interface{}{
		"title":              spec.Title,
		"category_id":        spec.CategoryID,
		"price":              spec.Price,
		"currency_id":        spec.CurrencyID,
		"available_quantity": spec.AvailableQuantity,
		"buying_mode":        spec.BuyingMode,
		"listing_type_id":    spec.ListingTypeID,
		"condition":          spec.Condition,
		"description": map[string]string{
			"plain_text": spec.Description,
		},
		"shipping": map[string]interface{}{
			"mode":          "me2",
			"free_shipping": spec.FreeShipping,
		},
	}
	if len(spec.Pictures) > 0 {
		pictures := make([]map[string]string, 0, len(spec.Pictures))
		for _, src := range spec.Pictures {
			pictures = append(pictures, map[string]string{"source": src})
		}
		payload["pictures"] = pictures
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/items", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("item creation failed with status %d", resp.StatusCode)
	}

	var created CreatedItem
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode item response: %w", err)
	}
	return &created, nil
}

// UpdateListing patches fields (price, status, available_quantity) on a
// live listing
func (c *Client) UpdateListing(ctx context.Context, itemID string, fields map[string]interface{}) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal update payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+"/items/"+itemID, bytes.NewReader(body))
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
		return fmt.Errorf("item update failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
}

func parsePrice(raw string) float64 {
	cleaned := make([]rune, 0, len(raw))
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			cleaned = append(cleaned, r)
		}
	}
	value, err := strconv.ParseFloat(string(cleaned), 64)
	if err != nil {
		return 0
	}
	return value
}
