package exchange

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultUpbitBaseURL = "https://api.upbit.com"
	defaultUpbitTimeout = 15 * time.Second

	upbitQuoteCurrency = "KRW"
	upbitSideAsk       = "ask"
	upbitSideBid       = "bid"
	upbitOrdTypeLimit  = "limit"

	upbitErrOrderNotFound = "order_not_found"
)

var ErrUpbitCredentialsMissing = errors.New("upbit credentials are missing in config")

// UpbitAPIError is an error payload returned by the Upbit REST API.
type UpbitAPIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *UpbitAPIError) Error() string {
	return fmt.Sprintf("upbit request rejected: status=%d name=%s message=%s", e.StatusCode, e.Name, e.Message)
}

type upbitAccount struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	UnitCurrency string          `json:"unit_currency"`
}

type upbitTicker struct {
	Market     string          `json:"market"`
	TradePrice decimal.Decimal `json:"trade_price"`
}

type upbitOrder struct {
	UUID    string `json:"uuid"`
	Side    string `json:"side"`
	OrdType string `json:"ord_type"`
	Price   string `json:"price"`
	State   string `json:"state"`
	Market  string `json:"market"`
	Volume  string `json:"volume"`
}

type upbitErrorResponse struct {
	Error struct {
		Name    any    `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// UpbitExchange implements entity.ExchangeGateway against Upbit KRW markets.
type UpbitExchange struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

var _ entity.ExchangeGateway = (*UpbitExchange)(nil)

func NewUpbitExchange(exchangeConfig config.ExchangeConfig) *UpbitExchange {
	baseURL := strings.TrimSpace(exchangeConfig.BaseURL)
	if baseURL == "" {
		baseURL = defaultUpbitBaseURL
	}

	timeout := exchangeConfig.Timeout
	if timeout <= 0 {
		timeout = defaultUpbitTimeout
	}

	return &UpbitExchange{
		accessKey:  strings.TrimSpace(exchangeConfig.APIKey),
		secretKey:  strings.TrimSpace(exchangeConfig.APISecret),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *UpbitExchange) GetQuoteBalance(ctx context.Context) (decimal.Decimal, error) {
	return e.currencyBalance(ctx, upbitQuoteCurrency)
}

func (e *UpbitExchange) GetBaseBalance(ctx context.Context, ticker string) (decimal.Decimal, error) {
	currency, err := upbitBaseCurrency(ticker)
	if err != nil {
		return decimal.Zero, err
	}

	return e.currencyBalance(ctx, currency)
}

// ListHeldMarkets returns the KRW markets of every non-KRW asset held in the account.
func (e *UpbitExchange) ListHeldMarkets(ctx context.Context) ([]string, error) {
	accounts, err := e.accounts(ctx)
	if err != nil {
		return nil, err
	}

	markets := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if strings.EqualFold(account.Currency, upbitQuoteCurrency) {
			continue
		}
		markets = append(markets, upbitQuoteCurrency+"-"+strings.ToUpper(account.Currency))
	}

	return markets, nil
}

func (e *UpbitExchange) GetCurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return decimal.Zero, fmt.Errorf("upbit ticker is empty")
	}

	params := url.Values{}
	params.Set("markets", ticker)

	var tickers []upbitTicker
	if err := e.do(ctx, http.MethodGet, "/v1/ticker", params, false, false, &tickers); err != nil {
		return decimal.Zero, err
	}

	for _, item := range tickers {
		if strings.EqualFold(item.Market, ticker) {
			return item.TradePrice, nil
		}
	}

	return decimal.Zero, fmt.Errorf("upbit ticker %s not found", ticker)
}

// SubmitPair places the sell leg and then the buy leg. A leg that fails is
// reported with an empty id; the buy leg is skipped when the sell leg failed
// so that a single rejected submission leaves nothing behind on the exchange.
func (e *UpbitExchange) SubmitPair(ctx context.Context, ticker string, price, amount, priceRatio decimal.Decimal) (entity.PairOrderResult, error) {
	if !price.IsPositive() || !amount.IsPositive() {
		return entity.PairOrderResult{}, fmt.Errorf("upbit pair requires positive price and amount: price=%s amount=%s", price, amount)
	}
	if !priceRatio.IsPositive() || priceRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return entity.PairOrderResult{}, fmt.Errorf("upbit pair price ratio out of range: %s", priceRatio)
	}

	sellPrice, buyPrice := entity.PairPrices(price, priceRatio)
	result := entity.PairOrderResult{
		SellPrice: e.NormalizePrice(sellPrice),
		BuyPrice:  e.NormalizePrice(buyPrice),
	}
	amount = entity.RoundAmount(amount)

	logger := logrus.WithFields(logrus.Fields{
		"ticker":     ticker,
		"sell_price": result.SellPrice.String(),
		"buy_price":  result.BuyPrice.String(),
		"amount":     amount.String(),
	})

	sellOrder, err := e.placeLimitOrder(ctx, ticker, upbitSideAsk, result.SellPrice, amount)
	if err != nil {
		logger.WithError(err).Error("upbit sell leg rejected")
		return result, nil
	}
	result.SellExternalID = sellOrder.UUID

	buyOrder, err := e.placeLimitOrder(ctx, ticker, upbitSideBid, result.BuyPrice, amount)
	if err != nil {
		logger.WithError(err).Error("upbit buy leg rejected")
		return result, nil
	}
	result.BuyExternalID = buyOrder.UUID

	logger.WithFields(logrus.Fields{
		"sell_uuid": result.SellExternalID,
		"buy_uuid":  result.BuyExternalID,
	}).Info("upbit pair placed")

	return result, nil
}

// NormalizePrice snaps a limit price to the KRW market tick size.
func (e *UpbitExchange) NormalizePrice(price decimal.Decimal) decimal.Decimal {
	return NormalizeUpbitKRWPrice(price)
}

func (e *UpbitExchange) GetOrderStatus(ctx context.Context, externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return string(entity.OrderStatusUnknown), nil
	}

	params := url.Values{}
	params.Set("uuid", externalID)

	var order upbitOrder
	err := e.do(ctx, http.MethodGet, "/v1/order", params, false, true, &order)
	if err != nil {
		var apiErr *UpbitAPIError
		if errors.As(err, &apiErr) && (apiErr.Name == upbitErrOrderNotFound || apiErr.StatusCode == http.StatusNotFound) {
			return string(entity.OrderStatusUnknown), nil
		}
		return "", err
	}

	if strings.TrimSpace(order.State) == "" {
		return string(entity.OrderStatusUnknown), nil
	}

	return order.State, nil
}

func (e *UpbitExchange) CancelOrder(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("upbit cancel requires an order uuid")
	}

	params := url.Values{}
	params.Set("uuid", externalID)

	var order upbitOrder
	if err := e.do(ctx, http.MethodDelete, "/v1/order", params, false, true, &order); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"uuid":  externalID,
		"state": order.State,
	}).Info("upbit order cancel requested")

	return nil
}

func (e *UpbitExchange) placeLimitOrder(ctx context.Context, ticker, side string, price, volume decimal.Decimal) (*upbitOrder, error) {
	params := url.Values{}
	params.Set("market", strings.ToUpper(ticker))
	params.Set("side", side)
	params.Set("volume", volume.String())
	params.Set("price", price.String())
	params.Set("ord_type", upbitOrdTypeLimit)

	var order upbitOrder
	if err := e.do(ctx, http.MethodPost, "/v1/orders", params, true, true, &order); err != nil {
		return nil, err
	}
	if strings.TrimSpace(order.UUID) == "" {
		return nil, fmt.Errorf("upbit %s order accepted without uuid", side)
	}

	return &order, nil
}

func (e *UpbitExchange) currencyBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	accounts, err := e.accounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	for _, account := range accounts {
		if strings.EqualFold(account.Currency, currency) {
			return account.Balance, nil
		}
	}

	return decimal.Zero, nil
}

func (e *UpbitExchange) accounts(ctx context.Context) ([]upbitAccount, error) {
	var accounts []upbitAccount
	if err := e.do(ctx, http.MethodGet, "/v1/accounts", nil, false, true, &accounts); err != nil {
		return nil, err
	}

	return accounts, nil
}

// do sends one request. Params go in the query string, or in a JSON body when
// asBody is set; signed requests hash the same params into the token.
func (e *UpbitExchange) do(ctx context.Context, method, path string, params url.Values, asBody bool, signed bool, out any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	endpoint := e.baseURL + path
	var body io.Reader
	if asBody {
		payload := make(map[string]string, len(params))
		for key := range params {
			payload[key] = params.Get(key)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if asBody {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	if signed {
		token, err := e.signToken(params)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &UpbitAPIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp upbitErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			if errResp.Error.Name != nil {
				apiErr.Name = fmt.Sprint(errResp.Error.Name)
			}
			if errResp.Error.Message != "" {
				apiErr.Message = errResp.Error.Message
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("upbit %s %s parse failed: status=%d body=%s", method, path, resp.StatusCode, string(respBody))
	}

	return nil
}

func (e *UpbitExchange) signToken(params url.Values) (string, error) {
	if e.accessKey == "" || e.secretKey == "" {
		return "", ErrUpbitCredentialsMissing
	}

	claims := jwt.MapClaims{
		"access_key": e.accessKey,
		"nonce":      uuid.NewString(),
	}

	if len(params) > 0 {
		query, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", err
		}
		hash := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.secretKey))
}

func upbitBaseCurrency(ticker string) (string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(ticker)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid upbit market %q, expected QUOTE-BASE", ticker)
	}

	return parts[1], nil
}

var upbitKRWTickSizes = []struct {
	floor decimal.Decimal
	tick  decimal.Decimal
}{
	{decimal.NewFromInt(2_000_000), decimal.NewFromInt(1000)},
	{decimal.NewFromInt(1_000_000), decimal.NewFromInt(500)},
	{decimal.NewFromInt(500_000), decimal.NewFromInt(100)},
	{decimal.NewFromInt(100_000), decimal.NewFromInt(50)},
	{decimal.NewFromInt(10_000), decimal.NewFromInt(10)},
	{decimal.NewFromInt(1_000), decimal.NewFromInt(1)},
}

// NormalizeUpbitKRWPrice rounds a whole-unit KRW price to the nearest valid tick.
func NormalizeUpbitKRWPrice(price decimal.Decimal) decimal.Decimal {
	price = price.Round(0)
	for _, band := range upbitKRWTickSizes {
		if price.GreaterThanOrEqual(band.floor) {
			return price.Div(band.tick).Round(0).Mul(band.tick)
		}
	}

	return price
}
