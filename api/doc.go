// Package api contains the HTTP surface of the converter.
//
// Layout:
//   - handler.go         Handler with its dependencies
//   - routes.go          route registration
//   - middleware.go      request id, recovery, access log, rate limit
//   - response.go        JSON responses and error mapping
//   - convert_handler.go /convert, /convert/batch and /convert/s3
//   - status_handler.go  /health and /config
//
// Conversion endpoints stream the multipart body straight into the upload
// root; nothing is buffered in memory beyond the PSD header.
package api
