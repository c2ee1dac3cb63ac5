// Package mysql implements storage.Store on MySQL. It applies the embedded
// schema migrations on open and enforces the single-active-entitlement rule
// with a unique key on a nullable active_service column, so concurrent
// writers from different processes cannot both insert an active row.
package mysql
