/*
Package endpoint implements the server side of the session protocol: it accepts one
WebSocket connection per session, runs the requested script through a sandbox.Runner,
and streams the script's output back as frames.

A script is scoped to its connection. If the connection dies for any reason, the script
is killed. The endpoint never drops a connection because of a bad frame: unknown,
premature, or malformed client frames are answered with an "error" frame and the
session continues.

While a script runs, its stdout is streamed as "output" frames and its stderr as
"error" frames, preserving the order each stream produced them. The endpoint does not
buffer output, which generally means the client must keep reading for the script to
make progress. When the script exits, naturally or after TERMINATE, the endpoint sends
a frame with "closed" set, exactly once.
*/
package endpoint
