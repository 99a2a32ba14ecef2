package db

import (
	"strings"
	"testing"

	"github.com/zulandar/forge/internal/config"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Database: "forge"},
			want: "root@tcp(127.0.0.1:3306)/forge?parseTime=true&charset=utf8mb4",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3307, User: "forge", Password: "s3cret", Database: "forge_prod"},
			want: "forge:s3cret@tcp(db.internal:3307)/forge_prod?parseTime=true&charset=utf8mb4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "localhost", Port: 3306, User: "root", Database: "test"})
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestAllModels(t *testing.T) {
	ms := AllModels()
	if len(ms) != 3 {
		t.Errorf("AllModels() returned %d models, want 3", len(ms))
	}
}

func TestPing_NilDB(t *testing.T) {
	err := Ping(nil)
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %q", err)
	}
}
