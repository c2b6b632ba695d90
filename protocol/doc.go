package protocol

// This package implements the request catalog and response parsing for
// PJLink, the ASCII projector/display control protocol.
//
// PJLink is strictly request/response over a single TCP connection,
// default port 4352. Every request and response ends in 0x0D.
//
// === Requests
//
// A request is
//
//	%<class><CMD> <param>\r
//
// where <class> is '1' or '2', <CMD> a 4-letter command name and <param>
// either '?' for a status query or the value to apply. For example
//
//	%1POWR ?\r     query power state
//	%1POWR 1\r     power on
//
// Commands with variable parameters are stored in the catalog with 0x00
// placeholder bytes at fixed offsets; callers Clone() the entry and patch
// the copy.
//
// === Responses
//
// A normal reply echoes the command name and carries the value after '=',
//
//	%1POWR=1\r
//
// or one of the error codes in place of the value:
//
//	ERR1   undefined command (unsupported by this device)
//	ERR2   out of parameter
//	ERR3   unavailable time (device busy)
//	ERR4   projector/display failure
//
// === Banners and authentication
//
// The first line a device sends after a TCP connect is the banner:
//
//	PJLINK 0\r               no authentication
//	PJLINK 1 <nonce>\r       authentication required, 8-hex-digit nonce
//	PJLINK ERRA\r            authentication failed
//
// When authentication is required, the next command is preceded by the
// lowercase-hex MD5 digest of (nonce || password) with no separator.
// Authentication happens at most once per session.
//
// Devices are observed to occasionally answer with a stale reply from a
// previous request. The empty Blank command writes nothing and reads one
// line, letting the session layer scroll past such replies until the tag
// matches the expected command.
