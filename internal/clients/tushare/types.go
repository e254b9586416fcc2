package tushare

import (
	"fmt"
	"net/http"
	"strings"
)

// Provider API names used by the gateway
const (
	APIBars       = "pro_bar"
	APIDaily      = "daily"
	APIAdjFactor  = "adj_factor"
	APITradeCal   = "trade_cal"
	APIStockBasic = "stock_basic"
)

// Provider error codes with a known meaning
const (
	CodeOK           = 0
	CodeInvalidParam = -2001
	CodeInvalidToken = 40101
	CodeNoPermission = 40203 // also returned when the per-minute quota is exceeded
	CodeServerBusy   = 50101
)

// Request is the JSON body of every provider call
type Request struct {
	APIName string                 `json:"api_name"`
	Token   string                 `json:"token"`
	Params  map[string]interface{} `json:"params"`
	Fields  string                 `json:"fields"`
}

// Response is the JSON envelope returned by the provider
type Response struct {
	RequestID string `json:"request_id"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      *Table `json:"data"`
}

// Table is a column-oriented result set.
// Numbers are decoded as json.Number so callers choose the precision.
type Table struct {
	Fields  []string        `json:"fields"`
	Items   [][]interface{} `json:"items"`
	HasMore bool            `json:"has_more"`
}

// Len returns the number of rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Items)
}

// Index returns the column position of field, or -1
func (t *Table) Index(field string) int {
	if t == nil {
		return -1
	}
	for i, f := range t.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Records returns each row as a field-name map
func (t *Table) Records() []map[string]interface{} {
	if t == nil {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(t.Items))
	for _, item := range t.Items {
		rec := make(map[string]interface{}, len(t.Fields))
		for i, f := range t.Fields {
			if i < len(item) {
				rec[f] = item[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// APIError is a non-zero provider code
type APIError struct {
	API  string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tushare %s: code %d: %s", e.API, e.Code, e.Msg)
}

// IsQuotaExceeded reports provider-side throttling.
// The provider reuses 40203 for both quota and permission errors and only the message tells them apart.
func (e *APIError) IsQuotaExceeded() bool {
	return e.Code == CodeNoPermission && containsAny(e.Msg, "每分钟", "最多访问", "per minute", "rate limit")
}

// IsServerSide reports a provider-internal failure
func (e *APIError) IsServerSide() bool {
	return e.Code == CodeServerBusy || e.Code >= 50000
}

// HTTPError is a non-200 HTTP status
type HTTPError struct {
	API        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tushare %s: status %d: %s", e.API, e.StatusCode, e.Body)
}

// IsRetryable reports 5xx and 429 responses
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
