package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "POSTGRESQL_CDC", want: KindPostgres},
		{in: "mysql_cdc", want: KindMySQL},
		{in: " SqlServer_Cdc ", want: KindSQLServer},
		{in: "ORACLE_CDC", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			TaskID: "T1",
			Kind:   "postgresql_cdc",
			DataSources: []DataSource{
				{Connection: &Connection{Hostname: "db", Database: "app"}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "missing id", mutate: func(c *Config) { c.TaskID = " " }},
		{name: "unknown kind", mutate: func(c *Config) { c.Kind = "MONGO" }},
		{name: "no data source", mutate: func(c *Config) { c.DataSources = nil }},
		{name: "no connection", mutate: func(c *Config) { c.DataSources[0].Connection = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, KindPostgres, cfg.Kind)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestIncludedTables(t *testing.T) {
	cfg := Config{Tables: []TableFilter{
		{SourceTableName: "public.orders"},
		{SourceTableName: "  "},
		{SourceTableName: "public.items"},
	}}
	assert.Equal(t, []string{"public.orders", "public.items"}, cfg.IncludedTables())
	assert.Nil(t, (&Config{}).IncludedTables())
}

// TestConfigWireNames checks the JSON field names operators submit
func TestConfigWireNames(t *testing.T) {
	raw := `{
		"taskId": "T1",
		"taskType": "MYSQL_CDC",
		"targetTableNamePre": "ods_",
		"dataSourceConfigs": [{"connectionConfig": {"hostname": "h", "port": "3307"}}],
		"cdcTables": [{"sourceTableName": "shop.orders"}],
		"fieldMappings": [{"from": "a", "to": "b"}]
	}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "T1", cfg.TaskID)
	assert.Equal(t, KindMySQL, cfg.Kind)
	assert.Equal(t, "ods_", cfg.TargetTablePrefix)
	require.Len(t, cfg.DataSources, 1)
	assert.Equal(t, Port("3307"), cfg.DataSources[0].Connection.Port)
	assert.JSONEq(t, `[{"from": "a", "to": "b"}]`, string(cfg.FieldMappings))
}

func TestPortAcceptsNumber(t *testing.T) {
	var conn Connection
	require.NoError(t, json.Unmarshal([]byte(`{"port": 5433}`), &conn))
	assert.Equal(t, Port("5433"), conn.Port)

	assert.Error(t, json.Unmarshal([]byte(`{"port": true}`), &conn))
}
