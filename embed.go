package ragchatwidget

import "embed"

// ReplyFS contains the reply scripts of the development backend. replies/default.yaml is used when no
// script is configured.
//
//go:embed replies/*.yaml
var ReplyFS embed.FS
