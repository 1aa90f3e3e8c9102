/*
Package protocol defines the wire frames exchanged over a session's WebSocket connection.

There are two frame families. Client frames are sent client->endpoint and form a tagged
union on the "type" field: START carries the script to run, INPUT carries one line of
stdin for the running script, and TERMINATE carries nothing. Endpoint frames are sent
endpoint->client and are plain objects with optional "output", "error", and "closed"
fields; any combination may be present, and a frame with none of them is legal and
causes no state change on the client.

A session proceeds as follows:

1. The client opens a WebSocket connection with the endpoint.
2. The client sends a START frame naming a script. Script names are validated on both
sides against ValidScriptName before anything is executed.
3. While the script runs, the endpoint streams stdout bytes as "output" frames and
stderr bytes as "error" frames, in the order the process produced them, and the client
may send INPUT frames which are fed to the process as lines of stdin.
4. When the process exits, the endpoint sends a frame with "closed" set, exactly once.
5. The client sends TERMINATE at any time to kill the script; it does not wait for an
acknowledgment.

Encoding is pure: every well-formed frame has exactly one JSON representation. Decoding
is defensive: malformed payloads are reported as errors to the caller, which must treat
them as non-fatal (the session survives a bad frame).
*/
package protocol
