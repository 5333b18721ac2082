package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "450", cfg.Profit.PerPaidOrder)
	assert.Equal(t, 40, cfg.Profit.MemberSharePercent)
	assert.False(t, cfg.Pool.RestrictToCreationDate)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestMemberShare(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "180", cfg.MemberShare().String())

	cfg.Profit.PerPaidOrder = "100.50"
	cfg.Profit.MemberSharePercent = 50
	assert.Equal(t, "50.25", cfg.MemberShare().String())
}

func TestValidateRejectsBadProfit(t *testing.T) {
	cfg := Default()
	cfg.Profit.PerPaidOrder = "not-a-number"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Profit.PerPaidOrder = "-1"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Profit.MemberSharePercent = 101
	assert.Error(t, cfg.Validate())
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte("profit:\n  per_paid_order: \"300\"\n  member_share_percent: 25\n"))
	require.NoError(t, err)
	assert.Equal(t, "75", cfg.MemberShare().String())
	// omitted sections fall back to workable values
	assert.Equal(t, "info", cfg.Server.LogLevel)

	_, err = FromYAML([]byte("profit: ["))
	assert.Error(t, err)
}
