// Meshbridge relays messages between a Meshtastic LoRa mesh and a Matrix
// room, in both directions. It follows packets across MQTT gateways and an
// optional LAN radio, keeps one Matrix event per mesh message no matter how
// many gateways report it, and carries replies and reactions across.
//
// Configuration comes from environment variables, optionally overlaid on a
// YAML file passed with -config (or CONFIG_FILE).
//
// Required environment variables:
//
//	MATRIX_HOMESERVER   - Matrix homeserver URL (e.g. "https://matrix.org")
//	MATRIX_USER         - bridge's Matrix ID (e.g. "@meshbridge:matrix.org")
//	MATRIX_PASSWORD     - login password, or an access token (MATRIX_TOKEN)
//	MATRIX_ROOM         - bridged room, as an !id or #alias
//
// At least one mesh source:
//
//	MQTT_BROKER         - Meshtastic MQTT broker host
//	MESHTASTIC_HOST     - LAN radio address (required for Matrix → mesh)
//
// Optional environment variables:
//
//	MQTT_PORT, MQTT_USER, MQTT_PASSWORD, MQTT_TOPIC, MQTT_USE_TLS, MQTT_PSK
//	MESHTASTIC_PORT, MESHTASTIC_CHANNEL_IDX, MESHTASTIC_CHANNELS,
//	MESHTASTIC_CHANNEL_PSK
//	NODE_DB_PATH              - SQLite path (default: /data/nodes.db)
//	MESSAGE_STATE_MAX_AGE_SEC - state retention (default: 86400)
//	MESSAGE_STATE_MAX_SIZE    - state cap (default: 10000)
//	CLEANUP_INTERVAL_SEC      - eviction cadence (default: 3600)
//	LOG_LEVEL                 - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                - "text" or "json" (default: "text")
//	HEALTH_ADDR               - enables GET /healthz when set (e.g. ":8080")
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bdobrica/meshbridge/common/version"
	"github.com/bdobrica/meshbridge/internal/app"
	"github.com/bdobrica/meshbridge/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: %v\n", err)
		os.Exit(1)
	}

	bridge, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: failed to initialize: %v\n", err)
		os.Exit(1)
	}

	// Run blocks until SIGINT/SIGTERM. Stop is not deferred: os.Exit would
	// skip it, and the drain + persistence flush must run on the signal path.
	runErr := bridge.Run()
	bridge.Stop()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: %v\n", runErr)
		os.Exit(1)
	}
}
