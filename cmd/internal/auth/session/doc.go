// Package session verifies the bearer access tokens presented on HTTP and websocket requests.
//
// Access tokens are PASETO v4.public. They carry the user id and the user's role in this
// deployment (operator or visitor). Issuing tokens belongs to the identity provider; the Issue
// method exists for tooling and tests.
package session
