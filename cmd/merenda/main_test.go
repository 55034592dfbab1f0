package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/merenda-erp/merenda-erp/internal/app"
	_ "github.com/merenda-erp/merenda-erp/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
