package runs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	for in, want := range map[string]string{
		"user:pw@tcp(db:3306)/vilt":                   "user:pw@tcp(db:3306)/vilt?parseTime=true&multiStatements=true",
		"user:pw@tcp(db:3306)/vilt?tls=true":          "user:pw@tcp(db:3306)/vilt?tls=true&parseTime=true&multiStatements=true",
		"user:pw@tcp(db:3306)/vilt?parseTime=false":   "user:pw@tcp(db:3306)/vilt?parseTime=false&multiStatements=true",
		"/vilt?multiStatements=true&parseTime=true":   "/vilt?multiStatements=true&parseTime=true",
		"user@unix(/run/mysqld/mysqld.sock)/vilt?a=b": "user@unix(/run/mysqld/mysqld.sock)/vilt?a=b&parseTime=true&multiStatements=true",
	} {
		assert.Equal(t, want, NormalizeDSN(in), in)
	}
}

func TestOpenWithoutDSN(t *testing.T) {
	rec, err := Open(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
