// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/profile"
	"github.com/MoSiYuan/cis/store"
	"github.com/MoSiYuan/cis/store/db/sqlite"
)

// NewDBDriver creates a new DB driver based on the profile.
func NewDBDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "sqlite", "":
		return sqlite.NewDB(p)
	default:
		return nil, errors.Errorf("unknown db driver %q", p.Driver)
	}
}
