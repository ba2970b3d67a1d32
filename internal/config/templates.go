package config

import (
	"fmt"
	"os"
)

func Template() string {
	return realmctlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(realmctlTemplate), 0o600)
}

// Environment variables of the same name in upper case override every key.
const realmctlTemplate = `service_url = "http://keycloak:8080"
admin_username = "admin"
admin_password = "admin"
admin_client_id = "admin-cli"
admin_realm = "master"

realm_name = "myrealm"
recreate_realm = false
content_security_policy = "frame-src 'self'; frame-ancestors 'self' http://localhost:8000; object-src 'none';"

frontend_client_id = "myfrontendclient"
backend_client_id = "mybackendclient"
client_secret = "mysecret"
redirect_uris = ["http://localhost:8000/*"]
web_origins = ["http://localhost:8000"]

test_username = "testuser"
test_password = "testpassword"

max_retries = 10
retry_interval_ms = 50000
request_timeout = "30s"
# ca_file = "/etc/realmctl/ca.crt"
# metrics_textfile = "/var/lib/node_exporter/textfile/realmctl.prom"
`
