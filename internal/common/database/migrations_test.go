package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_index.sql":    {Data: []byte("CREATE INDEX b;")},
		"migrations/001_create_table.sql": {Data: []byte("CREATE TABLE a;")},
		"migrations/README.md":            {Data: []byte("not a migration")},
	}

	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)

	assert.Equal(t, []Migration{
		NewMigration(1, "001_create_table.sql", "CREATE TABLE a;"),
		NewMigration(2, "002_add_index.sql", "CREATE INDEX b;"),
	}, migrations)
}

func TestReadMigrations_NonNumericPrefix(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/first.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	tests := map[string]struct {
		values   map[string]string
		expected string
	}{
		"empty": {
			values:   map[string]string{},
			expected: "",
		},
		"sorted keys": {
			values:   map[string]string{"port": "5432", "host": "localhost", "dbname": "taskrelay"},
			expected: "dbname='taskrelay' host='localhost' port='5432'",
		},
		"escaped": {
			values:   map[string]string{"password": `it's\secret`},
			expected: `password='it\'s\\secret'`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CreateConnectionString(tc.values))
		})
	}
}
