package notify

import "context"

// LogNotifier writes messages to the service log instead of delivering them.
// The message text is logged, so it must never be used in production.
type LogNotifier struct {
	logger Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the message. It fails only when ctx is already done.
func (n *LogNotifier) Send(ctx context.Context, externalID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.logger != nil {
		n.logger.Info("notification", "external_id", externalID, "text", text)
	}
	return nil
}
