package store

import (
	"context"
	"errors"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", gorm.ErrRecordNotFound), ErrNotFound)
	assert.ErrorIs(t, classify("op", gorm.ErrDuplicatedKey), ErrConflict)
	assert.True(t, IsTransient(classify("op", context.DeadlineExceeded)))
	assert.True(t, IsTransient(classify("op", &mysqldrv.MySQLError{Number: 1213})))
	assert.False(t, IsTransient(classify("op", &mysqldrv.MySQLError{Number: 1064})))
	assert.True(t, IsTransient(classify("op", &pgconn.PgError{Code: "40001"})))

	plain := errors.New("syntax")
	err := classify("op", plain)
	assert.ErrorIs(t, err, plain)
	assert.False(t, IsTransient(err))

	// Already classified errors pass through unchanged.
	nf := classify("inner", gorm.ErrRecordNotFound)
	assert.Same(t, nf, classify("outer", nf))
}
