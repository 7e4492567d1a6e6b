// Package all registers every snapshot storage backend with the storage factory.
package all

import (
	_ "histagg/internal/storage/mssql"
	_ "histagg/internal/storage/postgres"
	_ "histagg/internal/storage/sqlite"
)
