// Package mysql persists the mesh in MySQL: the graph journal and snapshot
// loader, chain links, and the pathway mint ledger. Schema changes ship as
// embedded migrations applied by Migrate.
package mysql
