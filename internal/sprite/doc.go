// Package sprite talks to the sprite control plane.
//
// Client wraps the REST API used to read a sprite's status and restart it.
// Backend combines the client with the user directory and the link dialer so
// the session layer can wake, connect and restart a user's sprite without
// knowing any of the URLs involved.
//
// # Endpoints
//
//	GET  {api}/v1/sprites/{name}          status
//	POST {api}/v1/sprites/{name}/restart  restart
//	WS   {proxy}/v1/sprites/{name}/proxy  link (see internal/link)
package sprite
