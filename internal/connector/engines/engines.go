// Package engines wires the built-in change-capture engines into a
// connector.Registry.
package engines

import (
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/connector/mysqlbinlog"
	"github.com/dreamware/cdcfleet/internal/connector/pgoutput"
	"github.com/dreamware/cdcfleet/internal/connector/sqlservercdc"
	"github.com/dreamware/cdcfleet/internal/task"
)

// Default returns a registry with an engine for every task kind
func Default(log logrus.FieldLogger) *connector.Registry {
	r := connector.NewRegistry()
	r.Register(task.KindPostgres, pgoutput.NewFactory(log))
	r.Register(task.KindMySQL, mysqlbinlog.NewFactory(log))
	r.Register(task.KindSQLServer, sqlservercdc.NewFactory(log))
	return r
}
