package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// LiveCEX executes spot and perp orders against a centralized exchange REST
// API and reads balances for reconciliation. Every request is HMAC-signed
// (timestamp + method + path + body), rate limited, and routed through the
// venue's circuit breaker.
type LiveCEX struct {
	name     string
	http     *resty.Client
	creds    CEXCredentials
	limiters *RateLimiters
	breakers *Breakers
	log      *runlog.Logger
}

// NewLiveCEX builds the live CEX interface. The same instance serves as
// Executor and PositionReader; both capabilities share one credential set.
func NewLiveCEX(name, baseURL string, creds CEXCredentials, limiters *RateLimiters, breakers *Breakers, log *runlog.Logger) *LiveCEX {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &LiveCEX{
		name:     name,
		http:     client,
		creds:    creds,
		limiters: limiters,
		breakers: breakers,
		log:      log,
	}
}

func (v *LiveCEX) Name() string { return v.name }

type cexOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Type          string `json:"type"` // spot | perp
	Symbol        string `json:"symbol"`
	SourceToken   string `json:"source_token,omitempty"`
	Amount        string `json:"amount"`
}

type cexOrderResponse struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"` // filled | rejected
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Filled        decimal.Decimal `json:"filled"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"fee_currency"`
	Reason        string          `json:"reason,omitempty"`
}

// Execute submits the order and converts the fill report into actual deltas.
func (v *LiveCEX) Execute(ctx context.Context, t time.Time, order types.Order) (types.ExecutionHandshake, error) {
	submitted := time.Now().UTC()

	req := cexOrderRequest{
		ClientOrderID: order.OperationID,
		Symbol:        order.TargetToken,
		Amount:        order.Amount.String(),
	}
	switch order.Type {
	case types.OpSpotTrade:
		req.Type = "spot"
		req.SourceToken = order.SourceToken
	case types.OpPerpTrade:
		req.Type = "perp"
	default:
		return types.ExecutionHandshake{}, newError(v.name, ClassNonRetryableInvalid,
			types.Codedf(types.CodeVenUnsupportedOp, "cex cannot execute %q", order.Type))
	}

	var result cexOrderResponse
	if err := v.signedCall(ctx, http.MethodPost, "/api/v1/order", req, &result); err != nil {
		return types.ExecutionHandshake{}, err
	}
	if result.Status != "filled" {
		return types.ExecutionHandshake{}, newError(v.name, ClassNonRetryableState,
			types.Codedf(types.CodeVenInvalidOrder, "order %s: %s", result.Status, result.Reason))
	}

	deltas := make(types.DeltaMap)
	switch order.Type {
	case types.OpSpotTrade:
		deltas[types.NewKey(v.name, types.PosBaseToken, order.SourceToken)] = order.Amount.Neg()
		deltas[types.NewKey(v.name, types.PosBaseToken, order.TargetToken)] = result.Filled
	case types.OpPerpTrade:
		deltas[types.NewKey(v.name, types.PosPerp, order.TargetToken)] = result.Filled
	}

	return types.ExecutionHandshake{
		OperationID:  order.OperationID,
		Status:       types.StatusConfirmed,
		ActualDeltas: deltas,
		Details: map[string]any{
			"venue":    v.name,
			"order_id": result.OrderID,
			"price":    result.ExecutedPrice.String(),
		},
		FeeAmount:     result.Fee,
		FeeCurrency:   result.FeeCurrency,
		SubmittedAt:   submitted,
		ExecutedAt:    time.Now().UTC(),
		AtomicGroupID: order.AtomicGroupID,
	}, nil
}

type cexPositionsResponse struct {
	Balances map[string]decimal.Decimal `json:"balances"`
	Perps    map[string]decimal.Decimal `json:"perps"`
}

// Positions reads spot balances and perp positions for the tight loop.
func (v *LiveCEX) Positions(ctx context.Context, t time.Time) (types.DeltaMap, error) {
	var result cexPositionsResponse
	if err := v.signedCall(ctx, http.MethodGet, "/api/v1/positions", nil, &result); err != nil {
		return nil, err
	}
	out := make(types.DeltaMap, len(result.Balances)+len(result.Perps))
	for token, amt := range result.Balances {
		out[types.NewKey(v.name, types.PosBaseToken, token)] = amt
	}
	for symbol, amt := range result.Perps {
		out[types.NewKey(v.name, types.PosPerp, symbol)] = amt
	}
	return out, nil
}

// signedCall runs one authenticated request through the rate limiter and
// circuit breaker and classifies transport failures.
func (v *LiveCEX) signedCall(ctx context.Context, method, path string, body, result any) error {
	if err := v.limiters.Wait(ctx, v.name); err != nil {
		return Classify(v.name, err)
	}

	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return newError(v.name, ClassNonRetryableInvalid, fmt.Errorf("marshal body: %w", err))
		}
		bodyStr = string(raw)
	}

	_, err := v.breakers.Do(v.name, func() (any, error) {
		r := v.http.R().
			SetContext(ctx).
			SetHeaders(v.headers(method, path, bodyStr)).
			SetResult(result)
		if bodyStr != "" {
			r = r.SetBody(json.RawMessage(bodyStr))
		}

		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			resp, err = r.Get(path)
		case http.MethodPost:
			resp, err = r.Post(path)
		default:
			return nil, fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			return nil, Classify(v.name, fmt.Errorf("%s %s: %w", method, path, err))
		}
		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			return nil, newError(v.name, ClassRetryableRateLimit,
				types.Codedf(types.CodeVenRateLimited, "%s %s: status 429", method, path))
		case resp.StatusCode() >= 500:
			return nil, newError(v.name, ClassRetryableNetwork,
				fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String()))
		case resp.StatusCode() != http.StatusOK:
			return nil, newError(v.name, ClassNonRetryableInvalid,
				fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String()))
		}
		return nil, nil
	})
	if err != nil {
		return Classify(v.name, err)
	}
	return nil
}

// headers builds the HMAC auth header set.
// signature = hex(hmac_sha256(secret, timestamp + method + path + body))
func (v *LiveCEX) headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(v.creds.APISecret))
	mac.Write([]byte(timestamp + method + path + body))
	return map[string]string{
		"X-API-KEY":   v.creds.APIKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": hex.EncodeToString(mac.Sum(nil)),
	}
}
