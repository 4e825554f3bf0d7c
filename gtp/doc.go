/*
Package gtp holds the pure parts of talking to a GTP engine: coordinates and moves, the commands the
session sends, and classification of the engine's output lines.

Nothing in this package does I/O. The engine package owns the process and feeds lines through ParseLine.
*/
package gtp
