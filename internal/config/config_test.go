package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "spbtc-mainnet", cfg.Vault.DeploymentID)
	require.Equal(t, int32(8), cfg.Vault.SettlementDecimal)
	require.Equal(t, int64(100), cfg.Vault.MaxDeviationBps)
	require.Equal(t, time.Hour, cfg.Vault.MinUpdateInterval)
	require.Equal(t, 3, cfg.Vault.SettleMaxRetries)
	require.Empty(t, cfg.Kafka.Brokers)
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.Operators)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VAULT_DEPLOYMENT_ID", "spbtc-testnet")
	t.Setenv("VAULT_MAX_DEVIATION_BPS", "250")
	t.Setenv("VAULT_KAFKA_BROKERS", "broker-1:9092;broker-2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "spbtc-testnet", cfg.Vault.DeploymentID)
	require.Equal(t, int64(250), cfg.Vault.MaxDeviationBps)
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsDeviationOutOfRange(t *testing.T) {
	t.Setenv("VAULT_MAX_DEVIATION_BPS", "20000")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("VAULT_MAX_DEVIATION_BPS", "0")
	_, err = Load()
	require.Error(t, err)
}

func TestParseOperatorKeys(t *testing.T) {
	keys, err := parseOperatorKeys("k1=ops:redemptions:operate|liquidity:manage, k2=oracle:nav:admin")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.Equal(t, "k1", keys[0].Key)
	require.Equal(t, "ops", keys[0].Actor)
	require.Equal(t, []string{"redemptions:operate", "liquidity:manage"}, keys[0].Capabilities)

	require.Equal(t, "k2", keys[1].Key)
	require.Equal(t, "oracle", keys[1].Actor)
	require.Equal(t, []string{"nav:admin"}, keys[1].Capabilities)
}

func TestParseOperatorKeysMalformed(t *testing.T) {
	_, err := parseOperatorKeys("just-a-key")
	require.Error(t, err)
	_, err = parseOperatorKeys("k1=no-capabilities")
	require.Error(t, err)
}

func TestParseOperatorKeysEmpty(t *testing.T) {
	keys, err := parseOperatorKeys("")
	require.NoError(t, err)
	require.Nil(t, keys)
}
