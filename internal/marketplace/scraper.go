package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// searchHTML scrapes the public search results page. It is the fallback
// path when the JSON search endpoint is unavailable; scraped results carry
// no item IDs or sold counts, only titles, prices and shipping hints.
func (c *Client) searchHTML(ctx context.Context, keyword string, limit int) ([]SearchItem, error) {
	searchURL := fmt.Sprintf("%s/%s", c.cfg.PublicURL, url.PathEscape(keyword))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	items := make([]SearchItem, 0, limit)
	doc.Find("li.ui-search-layout__item").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find(".ui-search-item__title").First().Text())
		priceText := strings.TrimSpace(sel.Find(".andes-money-amount__fraction").First().Text())
		permalink, _ := sel.Find("a.ui-search-link").First().Attr("href")
		freeShipping := sel.Find(".ui-search-item__shipping--free").Length() > 0

		price := parsePrice(priceText)
		if title == "" || price <= 0 {
			return true
		}

		items = append(items, SearchItem{
			Title:        title,
			Price:        price,
			Permalink:    permalink,
			FreeShipping: freeShipping,
		})
		return len(items) < limit
	})

	if len(items) == 0 {
		return nil, fmt.Errorf("no results scraped for %q", keyword)
	}
	return items, nil
}
