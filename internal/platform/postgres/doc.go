// Package postgres provides the PostgreSQL-specific implementation of the
// task store interface defined in the internal/task package. It handles the
// details of query execution and data mapping between task records and
// database rows.
package postgres
