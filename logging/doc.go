// Package logging builds the structured logger of fanz-secure.
//
// All output passes through RedactingHandler, which removes credentials
// and payment data from attributes and messages and stamps every record
// with the request id of its context:
//
//	logger, cleanup, err := logging.New(logging.FromConfig(cfg))
//	if err != nil {
//		return err
//	}
//	defer cleanup()
//
//	logger.InfoContext(ctx, "login", "password", pw) // password=[REDACTED] request_id=...
//
// Setting a log file adds a lumberjack-rotated JSON stream next to
// standard output.
package logging
