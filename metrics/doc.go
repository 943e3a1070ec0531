// Package metrics provides the Prometheus instruments of the release
// storage service and the standalone server that exposes them for
// scraping. Instruments live on a private registry so tests can build
// isolated collectors.
package metrics
