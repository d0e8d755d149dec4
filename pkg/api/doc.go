/*
Package api serves the manager's HTTP JSON surface under /api/v1.

All responses use a common envelope: {"success": true, "data": ...} on
success, {"error": msg, "status": code} on failure, with trace error
kinds mapped onto HTTP statuses. Authentication is bearer-token based;
nodes exchange their API key for a token pair at /auth/token, then
present the access token on every other call. A missing or bad
credential is 401; an authenticated caller without the needed role is
403. Mutating control-plane endpoints additionally require the admin
permission.
*/
package api
