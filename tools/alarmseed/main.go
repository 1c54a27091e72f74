// Command alarmseed posts synthetic detection events to a running engine's
// signed ingest endpoint. Useful for exercising the creation queue, the
// dedup window and the pending sweeper against a live instance.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

type config struct {
	baseURL   string
	secret    string
	count     int
	alarmType string
	interval  time.Duration
	sameDest  bool
}

func main() {
	cfg := parseConfig()
	if cfg.secret == "" {
		log.Fatal("-secret is required")
	}
	if cfg.count <= 0 {
		log.Fatal("-count must be > 0")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for i := 0; i < cfg.count; i++ {
		event := map[string]any{
			"type":        cfg.alarmType,
			"p.device.ip": fmt.Sprintf("192.168.1.%d", 10+i%200),
			"p.device.mac": fmt.Sprintf("AA:BB:CC:DD:%02X:%02X",
				(i/256)%256, i%256),
			"p.dest.ip": destIP(cfg, i),
			"message":   fmt.Sprintf("seeded event %d", i),
		}
		if err := post(client, cfg, event); err != nil {
			log.Fatalf("event %d: %v", i, err)
		}
		if cfg.interval > 0 {
			time.Sleep(cfg.interval)
		}
	}
	log.Printf("posted %d events to %s", cfg.count, cfg.baseURL)
}

func parseConfig() config {
	var cfg config
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8087", "engine base url")
	flag.StringVar(&cfg.secret, "secret", "", "ingest HMAC secret")
	flag.IntVar(&cfg.count, "count", 10, "number of events to post")
	flag.StringVar(&cfg.alarmType, "type", "ALARM_INTEL", "alarm type of the seeded events")
	flag.DurationVar(&cfg.interval, "interval", 0, "pause between events")
	flag.BoolVar(&cfg.sameDest, "same-dest", false, "reuse one destination so events deduplicate")
	flag.Parse()
	return cfg
}

func destIP(cfg config, i int) string {
	if cfg.sameDest {
		return "203.0.113.1"
	}
	return fmt.Sprintf("203.0.113.%d", 1+i%250)
}

func post(client *http.Client, cfg config, event map[string]any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, cfg.baseURL+"/api/v1/ingest/alarms", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Timestamp", timestamp)
	req.Header.Set("X-Ingest-Signature", sign([]byte(cfg.secret), timestamp, body))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// sign mirrors the engine's ingest signature: hex HMAC-SHA256 over
// "timestamp\nbody".
func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
