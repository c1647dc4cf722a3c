package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExternalServiceError(t *testing.T) {
	cause := errors.New("connection refused")
	err := External("featurestore", "read citibike_lag_features", cause)

	assert.ErrorIs(t, err, ErrExternalService)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "featurestore: read citibike_lag_features: connection refused", err.Error())

	wrapped := fmt.Errorf("features pipeline: %w", err)
	assert.ErrorIs(t, wrapped, ErrExternalService)

	var ext *ExternalServiceError
	assert.True(t, errors.As(wrapped, &ext))
	assert.Equal(t, "featurestore", ext.Service)
}

func TestExternal_NilAndIdempotent(t *testing.T) {
	assert.NoError(t, External("tracker", "log metric", nil))

	first := External("tracker", "log metric", errors.New("boom"))
	second := External("featurestore", "insert", first)
	assert.Same(t, first, second)
}

func TestLagColumn(t *testing.T) {
	assert.Equal(t, "lag_1", LagColumn(1))
	assert.Equal(t, "lag_28", LagColumn(28))
}
