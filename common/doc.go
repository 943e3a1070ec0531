// Package common holds process-level plumbing shared by all binaries:
// logger construction and build metadata.
package common
