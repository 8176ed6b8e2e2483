package runtime

import (
	"bytes"
	"net/http"
	"time"
)

var webhookClient = &http.Client{Timeout: 2 * time.Second}

// postWebhook delivers the terminal task JSON to the configured error sink.
// Best effort: failures are logged and dropped.
func (rt *Runtime) postWebhook(raw []byte) {
	resp, err := webhookClient.Post(rt.cfg.WebhookURL, "application/json", bytes.NewReader(raw))
	if err != nil {
		rt.log.Warnf("webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		rt.log.Warnf("webhook delivery rejected: status=%d", resp.StatusCode)
	}
}
