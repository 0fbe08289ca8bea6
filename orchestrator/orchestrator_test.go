package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
)

func TestProcessingDayOnlyForAggregations(t *testing.T) {
	day := products.Day(20210212)

	require.Equal(t, &day, processingDay(products.TCGFSC, &day))
	require.Nil(t, processingDay(products.TCFSC, &day))
	require.Nil(t, processingDay(products.TCGFSC, nil))
}
