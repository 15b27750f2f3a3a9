// Package mysql persists the trading loop's tick history. It offers an
// in-process repository, an append-only JSON Lines repository and a MySQL
// repository whose schema is maintained by embedded migrations.
package mysql
