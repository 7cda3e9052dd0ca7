// Package store defines the view-model types and repository interface the
// engine writes into. Implementations live in other packages; this package
// must not import database drivers or concrete clients.
package store
