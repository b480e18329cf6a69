package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophbot/internal/dbx"
	"github.com/dmitrijs2005/gophbot/internal/server/repositories/sessions"
)

// RepositoryManager vends repositories bound to a DBTX so callers can share
// one transaction across them.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Sessions(db dbx.DBTX) sessions.Repository
}
