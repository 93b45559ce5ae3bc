package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"tradeyard/internal/domain"
)

// ModelScorer produces an optional 0-100 sub-score for an intent. A failing
// or slow scorer degrades the assessment; it never blocks it.
type ModelScorer interface {
	Score(ctx context.Context, in ModelInput) (int, error)
}

// ModelInput is the feature payload sent to the external scorer.
type ModelInput struct {
	IntentID    string              `json:"intent_id"`
	Side        domain.Side         `json:"side"`
	PartnerID   string              `json:"partner_id"`
	CommodityID string              `json:"commodity_id"`
	Quantity    decimal.Decimal     `json:"quantity"`
	Price       decimal.NullDecimal `json:"price,omitempty"`
}

// HTTPModelScorer calls an external scoring endpoint with a hard timeout.
type HTTPModelScorer struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPModelScorer builds a scorer bounded by the given timeout.
func NewHTTPModelScorer(url string, timeout time.Duration) *HTTPModelScorer {
	return &HTTPModelScorer{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPModelScorer) Score(ctx context.Context, in ModelInput) (int, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("model scorer status=%d body=%s", resp.StatusCode, string(b))
	}
	var out struct {
		Score int `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Score < 0 || out.Score > 100 {
		return 0, fmt.Errorf("model scorer returned out-of-range score %d", out.Score)
	}
	return out.Score, nil
}
