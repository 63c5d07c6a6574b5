// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It acts as an adapter between external clients
// and the internal dispatcher, translating HTTP concerns to task
// operations.
package api
