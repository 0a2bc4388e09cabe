// Package config loads configuration structs from environment variables
// using `env` field tags, with transparent .env file support for local
// development.
package config
