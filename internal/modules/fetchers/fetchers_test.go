package fetchers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/provider"
	testingpkg "github.com/aristath/marketsync/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway mocks the provider gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) FetchEntityHistory(ctx context.Context, securityID string, r domain.DateRange) (*provider.Table, error) {
	args := m.Called(securityID, r)
	t, _ := args.Get(0).(*provider.Table)
	return t, args.Error(1)
}

func (m *MockGateway) FetchBucketAll(ctx context.Context, date time.Time) (*provider.Table, error) {
	args := m.Called(date)
	t, _ := args.Get(0).(*provider.Table)
	return t, args.Error(1)
}

func (m *MockGateway) FetchAdjFactors(ctx context.Context, securityID string, r domain.DateRange) (*provider.Table, error) {
	args := m.Called(securityID, r)
	t, _ := args.Get(0).(*provider.Table)
	return t, args.Error(1)
}

func (m *MockGateway) FetchCalendar(ctx context.Context, exchange string, r domain.DateRange) (*provider.Table, error) {
	args := m.Called(exchange, r)
	t, _ := args.Get(0).(*provider.Table)
	return t, args.Error(1)
}

func (m *MockGateway) FetchSecurities(ctx context.Context) (*provider.Table, error) {
	args := m.Called()
	t, _ := args.Get(0).(*provider.Table)
	return t, args.Error(1)
}

var quietLog = zerolog.New(nil).Level(zerolog.Disabled)

func num(s string) json.Number { return json.Number(s) }

func barTable(rows ...[]interface{}) *provider.Table {
	return &provider.Table{Fields: provider.BarFields, Items: rows}
}

func barRow(id, date, closePrice, factor string) []interface{} {
	var f interface{}
	if factor != "" {
		f = num(factor)
	}
	return []interface{}{id, date, num(closePrice), num(closePrice), num(closePrice), num(closePrice),
		nil, nil, nil, num("1000"), "12345.5", f}
}

func TestFetchHistory_NormalizesAndMergesAdjFactor(t *testing.T) {
	r := domain.NewDateRange(testingpkg.Day(0), testingpkg.Day(9))
	gw := new(MockGateway)
	gw.On("FetchEntityHistory", "600000.SH", r).Return(barTable(
		barRow("600000.SH", "20240103", "10.5", "1.2"),
		barRow("600000.SH", "20240102", "10.1", "1.1"),
	), nil)

	bars, err := NewBarFetcher(gw, quietLog).FetchHistory(context.Background(), "600000.SH", r)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, testingpkg.Day(1), bars[0].TradeDate)
	assert.Equal(t, testingpkg.Day(2), bars[1].TradeDate)
	assert.InDelta(t, 10.1, *bars[0].Close, 1e-9)
	assert.InDelta(t, 1.1, *bars[0].AdjFactor, 1e-9)
	assert.InDelta(t, 12345.5, *bars[0].Amount, 1e-9)
	assert.InDelta(t, 1000, *bars[0].Volume, 1e-9)
	assert.Nil(t, bars[0].PreClose)
}

func TestFetchHistory_DedupLastWinsAndDropsBadRows(t *testing.T) {
	r := domain.NewDateRange(testingpkg.Day(0), testingpkg.Day(9))
	gw := new(MockGateway)
	gw.On("FetchEntityHistory", "600000.SH", r).Return(barTable(
		barRow("600000.SH", "20240102", "10.0", ""),
		barRow("600000.SH", "not-a-date", "11.0", ""),
		barRow("", "20240102", "12.0", ""),
		barRow("600000.SH", "20240102", "10.2", ""),
		barRow("000001.SZ", "20240102", "9.0", ""),
		barRow("600000.SH", "20230102", "9.0", ""),
	), nil)

	bars, err := NewBarFetcher(gw, quietLog).FetchHistory(context.Background(), "600000.SH", r)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.InDelta(t, 10.2, *bars[0].Close, 1e-9)
	assert.Nil(t, bars[0].AdjFactor)
}

func TestFetchBucket_KeepsOnlyRequestedDate(t *testing.T) {
	date := testingpkg.Day(4)
	gw := new(MockGateway)
	gw.On("FetchBucketAll", date).Return(barTable(
		barRow("600000.SH", "20240105", "10.0", ""),
		barRow("000001.SZ", "20240105", "9.0", ""),
		barRow("000002.SZ", "20240104", "8.0", ""),
	), nil)

	bars, err := NewBarFetcher(gw, quietLog).FetchBucket(context.Background(), date.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "000001.SZ", bars[0].SecurityID)
	assert.Equal(t, "600000.SH", bars[1].SecurityID)
}

func TestFetchBucket_PropagatesClassifiedError(t *testing.T) {
	gw := new(MockGateway)
	gw.On("FetchBucketAll", testingpkg.Day(0)).Return(nil, domain.ErrTransient)

	_, err := NewBarFetcher(gw, quietLog).FetchBucket(context.Background(), testingpkg.Day(0))
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestAdjFactorFetcher(t *testing.T) {
	r := domain.NewDateRange(testingpkg.Day(0), testingpkg.Day(9))
	gw := new(MockGateway)
	gw.On("FetchAdjFactors", "000001.SZ", r).Return(&provider.Table{
		Fields: provider.AdjFactorFields,
		Items: [][]interface{}{
			{"000001.SZ", "20240103", num("2.5")},
			{"000001.SZ", "20240102", "2.4"},
			{"000001.SZ", "20240104", nil},
			{"000001.SZ", "20240103", num("2.6")},
		},
	}, nil)

	factors, err := NewAdjFactorFetcher(gw, quietLog).Fetch(context.Background(), "000001.SZ", r)
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, testingpkg.Day(1), factors[0].TradeDate)
	assert.InDelta(t, 2.4, factors[0].Factor, 1e-9)
	assert.InDelta(t, 2.6, factors[1].Factor, 1e-9)
}

func TestCalendarFetcher(t *testing.T) {
	r := domain.NewDateRange(testingpkg.Day(0), testingpkg.Day(9))
	gw := new(MockGateway)
	gw.On("FetchCalendar", "SSE", r).Return(&provider.Table{
		Fields: []string{"exchange", "cal_date", "is_open"},
		Items: [][]interface{}{
			{"SSE", "20240102", num("1")},
			{"SSE", "20240101", num("0")},
			{"", "20240103", "1"},
			{"SZSE", "20240104", num("1")},
		},
	}, nil)

	entries, err := NewCalendarFetcher(gw, quietLog).Fetch(context.Background(), "SSE", r)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.False(t, entries[0].IsOpen)
	assert.True(t, entries[1].IsOpen)
	assert.Equal(t, "SSE", entries[2].Exchange)
	assert.Equal(t, testingpkg.Day(2), entries[2].Date)
}

func TestSecurityFetcher(t *testing.T) {
	gw := new(MockGateway)
	gw.On("FetchSecurities").Return(&provider.Table{
		Fields: provider.SecurityFields,
		Items: [][]interface{}{
			{"600000.SH", "600000", "浦发银行", "上海", "银行", "主板", "", "19991110", "L", "H"},
			{"000001.SZ", "000001", "平安银行", "深圳", "银行", "主板", "SZSE", nil, nil, "S"},
			{nil, "x", "x", "", "", "", "", "", "", ""},
		},
	}, nil)

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	secs, err := NewSecurityFetcher(gw, testingpkg.NewFakeClock(now), quietLog).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, secs, 2)

	assert.Equal(t, "000001.SZ", secs[0].ID)
	assert.Nil(t, secs[0].ListDate)
	assert.Equal(t, domain.ListStatusListed, secs[0].ListStatus)

	assert.Equal(t, "SSE", secs[1].Exchange)
	require.NotNil(t, secs[1].ListDate)
	assert.Equal(t, time.Date(1999, 11, 10, 0, 0, 0, 0, time.UTC), *secs[1].ListDate)
	assert.Equal(t, now, secs[1].UpdatedAt)
}

func TestToFloat(t *testing.T) {
	f, ok := toFloat(num("3.25"))
	require.True(t, ok)
	assert.InDelta(t, 3.25, *f, 1e-9)

	f, ok = toFloat(" 7 ")
	require.True(t, ok)
	assert.InDelta(t, 7, *f, 1e-9)

	f, ok = toFloat(nil)
	assert.True(t, ok)
	assert.Nil(t, f)

	_, ok = toFloat("abc")
	assert.False(t, ok)
}

func TestCheckBar(t *testing.T) {
	p := domain.Float
	assert.Equal(t, "", checkBar(barPrices{p(10), p(11), p(9), p(10.5)}))
	assert.Equal(t, "high_below_low", checkBar(barPrices{p(10), p(8), p(9), p(10)}))
	assert.Equal(t, "low_above_close", checkBar(barPrices{p(10), p(12), p(9.5), p(9)}))
	assert.Equal(t, "", checkBar(barPrices{nil, p(1), p(1), p(1)}))
}
