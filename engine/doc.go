/*
Package engine supervises one long-running GTP engine process and exposes it as a synchronous bot.

A Supervisor owns the process and a reader goroutine per process instance. Every line the engine prints is
classified with gtp.ParseLine and handed to the Session, which correlates it with the one command in
flight through a single-slot rendezvous (Slot). If the engine's stdout closes, or a command is not
answered within the response timeout, the process is killed and relaunched; the call in flight gets
ErrNoResponse and the next call uses the fresh process.

The protocol is half-duplex from the Session's point of view: operations are serialized, so at most one
command waits for an answer at any time, even though the engine may print chat and log lines whenever it
likes.
*/
package engine
