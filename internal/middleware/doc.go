// Package middleware holds the HTTP middleware the API router stacks in
// front of its handlers: request logging, a global rate limit, CORS,
// security headers and the license gate that lets the ledger protect the
// hash endpoints.
package middleware
