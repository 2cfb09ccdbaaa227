package risk

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBarsQueriesCandlesticks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	analyzer := NewHistoricalAnalyzer(mock)

	rows := pgxmock.NewRows([]string{"open_time", "open", "high", "low", "close", "volume"}).
		AddRow(time.Now().Add(-2*24*time.Hour), 100.0, 102.0, 99.0, 101.0, 1000.0).
		AddRow(time.Now().Add(-1*24*time.Hour), 101.0, 105.0, 100.0, 104.0, 1200.0)

	mock.ExpectQuery("SELECT open_time, open, high, low, close, volume FROM candlesticks").
		WithArgs("SPX", "1d", 30).
		WillReturnRows(rows)

	bars, err := analyzer.LoadBars(context.Background(), "SPX", "1d", 30)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, "SPX", bars[0].Symbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBarsWithoutPoolErrors(t *testing.T) {
	analyzer := NewHistoricalAnalyzer(nil)
	_, err := analyzer.LoadBars(context.Background(), "SPX", "1d", 30)
	require.Error(t, err)
}
