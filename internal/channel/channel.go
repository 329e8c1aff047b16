package channel

import (
	"fmt"
	"strings"
)

// Channel identifies the delivery medium of a campaign.
type Channel string

const (
	SMS      Channel = "sms"
	Email    Channel = "email"
	WhatsApp Channel = "whatsapp"
)

// All lists the supported channels.
var All = []Channel{SMS, Email, WhatsApp}

// Parse maps user input onto a supported channel.
func Parse(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sms":
		return SMS, nil
	case "email", "mail":
		return Email, nil
	case "whatsapp", "wa":
		return WhatsApp, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// UsesPhone reports whether recipients on the channel are phone numbers.
func (c Channel) UsesPhone() bool {
	return c == SMS || c == WhatsApp
}

func (c Channel) String() string {
	return string(c)
}
