package telemetry

import (
	"log"
	"time"
)

// PingPublisher sends a one-shot liveness message on the ping topic.
type PingPublisher func(topic string, payload interface{}, qos int, retain bool) error

// StartPing publishes an initial ping immediately on startup and then every
// interval, so the server can tell a live device from a dead uplink.
func StartPing(topic, deviceID string, interval time.Duration, publish PingPublisher, stop <-chan struct{}) {
	send := func() {
		payload := map[string]interface{}{"deviceId": deviceID, "ts": time.Now().Unix()}
		if err := publish(topic, payload, 0, false); err != nil {
			log.Printf("telemetry: ping publish failed: %v", err)
		}
	}
	send()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			send()
		}
	}
}
