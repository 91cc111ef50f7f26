// Package repository provides data access for the search engine entities.
//
// A Store wraps one GORM handle. Transaction hands its callback a Store bound
// to the open transaction, so every repository call inside the callback joins
// the same transaction.
package repository
