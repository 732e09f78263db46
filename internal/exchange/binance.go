package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/errs"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

const (
	klinesEndpoint    = "/klines"
	aggTradesEndpoint = "/aggTrades"

	userAgent = "virtuos-market/1.0"
)

// BinanceClient implements Client against the Binance spot REST API.
type BinanceClient struct {
	cfg        config.ExchangeConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBinanceClient creates a Binance client. Credentials are optional; when
// an API key is configured, requests carry the key header and an HMAC
// signature.
func NewBinanceClient(cfg config.ExchangeConfig, logger *slog.Logger) *BinanceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &BinanceClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// FetchCandles implements Client.
func (c *BinanceClient) FetchCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid candle request: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("interval", req.Interval)
	params.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(req.Limit))

	body, err := c.get(ctx, klinesEndpoint, params)
	if err != nil {
		return nil, err
	}

	candles, err := parseKlines(body, strings.ToUpper(req.Symbol), req.Interval)
	if err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	c.logger.Debug("fetched candles",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"count", len(candles))
	return candles, nil
}

// FetchTrades implements Client.
func (c *BinanceClient) FetchTrades(ctx context.Context, req TradeRequest) ([]models.Trade, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trade request: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("limit", strconv.Itoa(req.Limit))
	if req.FromID > 0 {
		params.Set("fromId", strconv.FormatInt(req.FromID, 10))
	} else {
		params.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	}

	body, err := c.get(ctx, aggTradesEndpoint, params)
	if err != nil {
		return nil, err
	}

	trades, err := parseAggTrades(body, strings.ToUpper(req.Symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggTrades response: %w", err)
	}

	c.logger.Debug("fetched trades",
		"symbol", req.Symbol,
		"count", len(trades),
		"from_id", req.FromID)
	return trades, nil
}

// get performs a single GET request. Transport faults and 5xx responses
// come back as NetworkError, throttle responses as RateLimitSignal with any
// server-specified delay, and other client errors as permanent errors.
func (c *BinanceClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey != "" && c.cfg.APISecret != "" {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", sign(params, c.cfg.APISecret))
	}

	requestURL := c.cfg.BaseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// Binance answers 418 after repeated limit violations.
		return nil, &errs.RateLimitSignal{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return nil, &errs.NetworkError{
			Op:  endpoint,
			Err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client error %d from %s: %s", resp.StatusCode, endpoint, truncate(body, 200))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{Op: endpoint, Err: err}
	}
	return body, nil
}

// sign computes the HMAC-SHA256 signature over the sorted, ampersand-joined
// query string.
func sign(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// parseKlines decodes the fixed-position kline arrays:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// tradeCount, takerBuyBase, takerBuyQuote, unused].
// Taker buys are ask-side volume; bid volume is the remainder.
func parseKlines(body []byte, symbol, interval string) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 11 {
			return nil, fmt.Errorf("kline %d has %d fields, want at least 11", i, len(row))
		}

		openTime, err := klineInt(row[0])
		if err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		closeTime, err := klineInt(row[6])
		if err != nil {
			return nil, fmt.Errorf("kline %d close time: %w", i, err)
		}
		tradeCount, err := klineInt(row[8])
		if err != nil {
			return nil, fmt.Errorf("kline %d trade count: %w", i, err)
		}

		fields := make([]string, 0, 5)
		for _, idx := range []int{1, 2, 3, 4, 5} {
			s, err := klineString(row[idx])
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, idx, err)
			}
			fields = append(fields, s)
		}
		takerBuyBase, err := klineString(row[9])
		if err != nil {
			return nil, fmt.Errorf("kline %d taker buy volume: %w", i, err)
		}

		bidVolume, askVolume, err := splitVolume(fields[4], takerBuyBase)
		if err != nil {
			return nil, fmt.Errorf("kline %d volume split: %w", i, err)
		}

		candles = append(candles, models.Candle{
			Symbol:     symbol,
			Interval:   interval,
			OpenTime:   time.UnixMilli(openTime).UTC(),
			CloseTime:  time.UnixMilli(closeTime).UTC(),
			Open:       fields[0],
			High:       fields[1],
			Low:        fields[2],
			Close:      fields[3],
			Volume:     fields[4],
			BidVolume:  bidVolume,
			AskVolume:  askVolume,
			TradeCount: tradeCount,
		})
	}
	return candles, nil
}

// splitVolume derives bid/ask volume from total volume and the taker-buy
// base volume.
func splitVolume(volume, takerBuyBase string) (bid, ask string, err error) {
	total, err := decimal.NewFromString(volume)
	if err != nil {
		return "", "", err
	}
	taker, err := decimal.NewFromString(takerBuyBase)
	if err != nil {
		return "", "", err
	}
	return total.Sub(taker).String(), taker.String(), nil
}

func klineInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func klineString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// binanceTrade is the aggTrades wire format.
type binanceTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstID      int64  `json:"f"`
	LastID       int64  `json:"l"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	IsBestMatch  bool   `json:"M"`
}

func parseAggTrades(body []byte, symbol string) ([]models.Trade, error) {
	var rows []binanceTrade
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(rows))
	for _, row := range rows {
		trades = append(trades, models.Trade{
			ID:           row.ID,
			Symbol:       symbol,
			Price:        row.Price,
			Quantity:     row.Quantity,
			Timestamp:    time.UnixMilli(row.Timestamp).UTC(),
			IsBuyerMaker: row.IsBuyerMaker,
		})
	}
	return trades, nil
}
