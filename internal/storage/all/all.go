// Package all registers every storage backend.
package all

import (
	_ "geometa/internal/storage/mssql"
	_ "geometa/internal/storage/postgres"
	_ "geometa/internal/storage/sqlite"
)
