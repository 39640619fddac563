// Package catalog defines the domain types, error taxonomy, and capability
// interfaces shared by the extraction, ingest, reclaim, migration, and sync
// engines of imagevault.
package catalog
