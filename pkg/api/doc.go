/*
Package api is the HTTP driver surface.

It maps the manager facade onto a small JSON API: submit, record and
decision lookup, an SSE event stream (persisted trail replayed before
the live feed), webhook ingestion, and the prometheus scrape endpoint.
The API holds no state of its own.
*/
package api
