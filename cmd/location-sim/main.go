package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const metersPerDegree = 111320.0

type samplePayload struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device-id", "default-device", "Device identifier the server is watching")
	lat := flag.Float64("lat", 6.7106, "Base latitude")
	lon := flag.Float64("lon", 79.9074, "Base longitude")
	jitter := flag.Float64("jitter-m", 25, "Maximum random offset from the base position in meters")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published samples")
	deny := flag.Bool("deny", false, "Answer permission requests with \"denied\" and publish no samples")
	watchNotify := flag.Bool("watch-notify", true, "Print contact notifications published by the server")

	flag.Parse()

	permission := "granted"
	if *deny {
		permission = "denied"
	}

	clientID := fmt.Sprintf("%s-location-sim-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	permissionTopic := fmt.Sprintf("devices/%s/permission", *deviceID)
	publishPermission := func() {
		token := client.Publish(permissionTopic, 1, true, permission)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish permission: %v", err)
			return
		}
		log.Printf("published %s %s", permissionTopic, permission)
	}

	publishPermission()
	client.Subscribe(permissionTopic+"/request", 1, func(mqtt.Client, mqtt.Message) {
		log.Print("permission requested by server")
		publishPermission()
	}).Wait()

	if *watchNotify {
		client.Subscribe("contacts/+/notify", 1, func(_ mqtt.Client, msg mqtt.Message) {
			log.Printf("notification on %s: %s", msg.Topic(), msg.Payload())
		}).Wait()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	locationTopic := fmt.Sprintf("devices/%s/location", *deviceID)
	publish := func() {
		if *deny {
			return
		}

		dLat, dLon := offset(*lat, *jitter)
		payload := samplePayload{
			Latitude:   *lat + dLat,
			Longitude:  *lon + dLon,
			CapturedAt: time.Now().UTC(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(locationTopic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s %.6f,%.6f", locationTopic, payload.Latitude, payload.Longitude)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// offset returns a random displacement of at most maxM meters, in degrees.
func offset(lat, maxM float64) (float64, float64) {
	if maxM <= 0 {
		return 0, 0
	}
	dist := rand.Float64() * maxM
	bearing := rand.Float64() * 2 * math.Pi
	dLat := dist * math.Cos(bearing) / metersPerDegree
	dLon := dist * math.Sin(bearing) / (metersPerDegree * math.Cos(lat*math.Pi/180))
	return dLat, dLon
}
