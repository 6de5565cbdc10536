// Package session verifies the access tokens TaskHive clients present on HTTP and WebSocket requests.
//
// Tokens are HS256 JWTs carrying the user id and the tenant (company) id. They are issued by the
// account service; Issue exists here for tests, tooling and development seeding.
//
// Transport integration (gin middleware, WebSocket handshake) lives with the transports.
package session
