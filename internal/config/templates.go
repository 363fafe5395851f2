package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes an example daemon config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

const Template = `designator = "alice"
transport = "tcp"
listen = "127.0.0.1:7100"
admin = "127.0.0.1:7110"
# admin_token = "change-me"
cors_origins = ["http://localhost:3000"]

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
handoff_timeout = "15s"
dial_attempts = 3
key_scheme = "ed25519"

[session.backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true

[frame]
max_payload_bytes = 8388608
max_extension_bytes = 4096

[[sturdyref]]
swissnum = "greeter"
object = "greeter"

[[sturdyref]]
swissnum = "counter"
object = "counter"
`
