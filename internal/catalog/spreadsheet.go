package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

// SpreadsheetSource reads a published sheet as CSV with the columns
// name, price, imageUrl, active. Row 1 is a header. Only rows whose active
// column is TRUE are listed, and a product's id is its sheet row number.
type SpreadsheetSource struct {
	URL    string
	Client *http.Client
}

func (SpreadsheetSource) Name() string { return "spreadsheet" }

func (s SpreadsheetSource) Products(ctx context.Context) ([]Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet: unexpected status %d", resp.StatusCode)
	}

	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1
	var out []Product
	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse sheet row %d: %w", row, err)
		}
		if row == 1 {
			continue
		}
		if strings.TrimSpace(col(rec, 3)) != "TRUE" {
			continue
		}
		out = append(out, Product{
			ID:       strconv.Itoa(row),
			Name:     col(rec, 0),
			Price:    normalizePrice(col(rec, 1)),
			ImageURL: col(rec, 2),
		})
	}
	return out, nil
}

func col(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

// normalizePrice formats a parseable amount to two places and passes anything
// else through unchanged.
func normalizePrice(raw string) string {
	c, err := orders.ParseCents(strings.TrimPrefix(raw, "$"))
	if err != nil {
		return raw
	}
	return c.String()
}
