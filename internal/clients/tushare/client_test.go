package tushare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", zerolog.New(nil).Level(zerolog.Disabled), WithBaseURL(server.URL))
}

func TestQuery_SendsEnvelopeAndDecodesTable(t *testing.T) {
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"request_id": "abc",
			"code": 0,
			"msg": "",
			"data": {
				"fields": ["ts_code", "trade_date", "close", "adj_factor"],
				"items": [["600000.SH", "20240102", 7.05, 11.2345678901], ["600000.SH", "20240103", null, 11.2345678901]],
				"has_more": false
			}
		}`))
	})

	table, err := client.Query(context.Background(), APIBars,
		map[string]interface{}{"ts_code": "600000.SH", "start_date": "20240101"},
		[]string{"ts_code", "trade_date", "close", "adj_factor"})
	require.NoError(t, err)

	assert.Equal(t, "pro_bar", got.APIName)
	assert.Equal(t, "test-token", got.Token)
	assert.Equal(t, "ts_code,trade_date,close,adj_factor", got.Fields)
	assert.Equal(t, "600000.SH", got.Params["ts_code"])

	require.Equal(t, 2, table.Len())
	assert.Equal(t, 2, table.Index("close"))
	assert.Equal(t, -1, table.Index("missing"))
	assert.Equal(t, json.Number("7.05"), table.Items[0][2])
	assert.Nil(t, table.Items[1][2])

	records := table.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "20240103", records[1]["trade_date"])
}

func TestQuery_ProviderErrorCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 40203, "msg": "抱歉，您每分钟最多访问该接口500次", "data": null}`))
	})

	_, err := client.Query(context.Background(), APIDaily, nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 40203, apiErr.Code)
	assert.True(t, apiErr.IsQuotaExceeded())
	assert.False(t, apiErr.IsServerSide())
}

func TestQuery_HTTPStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := client.Query(context.Background(), APIDaily, nil, nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, httpErr.IsRetryable())
}

func TestQuery_EmptyData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 0, "msg": ""}`))
	})

	table, err := client.Query(context.Background(), APITradeCal, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
}

func TestQuery_ContextCanceled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Query(ctx, APIDaily, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIError_Classification(t *testing.T) {
	perm := &APIError{Code: CodeNoPermission, Msg: "没有接口访问权限"}
	assert.False(t, perm.IsQuotaExceeded())

	busy := &APIError{Code: CodeServerBusy, Msg: "服务繁忙"}
	assert.True(t, busy.IsServerSide())

	badReq := &HTTPError{StatusCode: http.StatusBadRequest}
	assert.False(t, badReq.IsRetryable())
	assert.True(t, (&HTTPError{StatusCode: http.StatusTooManyRequests}).IsRetryable())
}
