// Package all registers every built-in result sink with the storage factory.
//
// Importing it for side effects makes the "postgres", "mssql" and "sqlite"
// kinds available to storage.New:
//
//	import _ "ruleetl/internal/storage/all"
package all

import (
	_ "ruleetl/internal/storage/mssql"
	_ "ruleetl/internal/storage/postgres"
	_ "ruleetl/internal/storage/sqlite"
)
