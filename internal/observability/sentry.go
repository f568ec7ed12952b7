package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// scrubEvent drops credentials the SDK would otherwise attach from the request.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request == nil {
		return event
	}
	for _, header := range []string{"Authorization", "Cookie", "X-Csrf-Token"} {
		if _, ok := event.Request.Headers[header]; ok {
			event.Request.Headers[header] = "[redacted]"
		}
	}
	event.Request.Cookies = ""
	return event
}
