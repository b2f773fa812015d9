package mqttsink

import "log/slog"

// NewUnconnected builds a Client around an already-established
// publisher, skipping New's dial. It exists only for tests in this
// package's external test file, which supply a fake broker connection.
func NewUnconnected(underlying publisher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: underlying, logger: logger}
}
