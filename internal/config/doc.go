// Package config provides environment-based configuration.
//
// Loads from process environment (with .env support via godotenv in main).
// Validates required fields and numeric formats.
package config
