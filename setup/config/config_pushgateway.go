package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type PushGateway struct {
	Matrix *Global `yaml:"-"`

	// Timeout for one notification request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Pushers of local users. Clients normally register these through the
	// client API, here they are given inline.
	Pushers []Pusher `yaml:"pushers"`
}

// Pusher delivers notifications for one device of a local user.
type Pusher struct {
	UserID  string `yaml:"user_id"`
	PushKey string `yaml:"pushkey"`
	AppID   string `yaml:"app_id"`
	// URL of the push gateway, normally ending in /_matrix/push/v1/notify.
	URL string `yaml:"url"`
	// "event_id_only" leaves the event content out of notifications.
	Format string `yaml:"format"`
}

func (c *PushGateway) Defaults(opts DefaultOpts) {
	c.RequestTimeout = 30 * time.Second
}

func (c *PushGateway) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "push_gateway.request_timeout", int64(c.RequestTimeout))
	for i, p := range c.Pushers {
		prefix := fmt.Sprintf("push_gateway.pushers[%d]", i)
		checkNotEmpty(configErrs, prefix+".user_id", p.UserID)
		checkNotEmpty(configErrs, prefix+".pushkey", p.PushKey)
		checkNotEmpty(configErrs, prefix+".url", p.URL)
		if p.UserID != "" && !strings.HasPrefix(p.UserID, "@") {
			configErrs.Add(fmt.Sprintf("invalid user ID %q for %s", p.UserID, prefix))
		}
		if p.URL != "" {
			if _, err := url.Parse(p.URL); err != nil {
				configErrs.Add(fmt.Sprintf("invalid URL %q for %s: %s", p.URL, prefix, err))
			}
		}
	}
}
