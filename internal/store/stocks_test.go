package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/pkg/types"
)

func TestUpsertStockAndGetActiveStocks(t *testing.T) {
	r, _ := newTestRepository(t)

	require.NoError(t, r.UpsertStock(Stock{StockCode: "005930", StockName: "Samsung Electronics", Market: "KOSPI", Grade: types.GradeA, RSRank: 95.0, IsActive: true}))
	require.NoError(t, r.UpsertStock(Stock{StockCode: "000660", StockName: "SK Hynix", Market: "KOSPI", Grade: types.GradeB, RSRank: 88.0, IsActive: true}))
	require.NoError(t, r.UpsertStock(Stock{StockCode: "999999", StockName: "Delisted Co", Market: "KOSDAQ", Grade: types.GradeD, RSRank: 10.0, IsActive: false}))

	active, err := r.GetActiveStocks()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "005930", active[0].StockCode)
	assert.Equal(t, types.GradeA, active[0].Grade)
}

func TestUpsertStockOverwritesOnConflict(t *testing.T) {
	r, _ := newTestRepository(t)

	require.NoError(t, r.UpsertStock(Stock{StockCode: "005930", StockName: "Samsung Electronics", Market: "KOSPI", RSRank: 50.0, IsActive: true}))
	require.NoError(t, r.UpsertStock(Stock{StockCode: "005930", StockName: "Samsung Electronics", Market: "KOSPI", RSRank: 99.0, IsActive: true}))

	active, err := r.GetActiveStocks()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.InDelta(t, 99.0, active[0].RSRank, 0.001)
}
