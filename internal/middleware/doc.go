// Package middleware provides HTTP middleware for the index manager API.
//
// It includes:
//   - Request logging through the application logger
//   - Prometheus request metrics labeled by route template
//   - Configurable filtering of health check and metrics requests
package middleware
