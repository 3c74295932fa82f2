package config

import (
	"fmt"
	"os"
)

// Default controller endpoint: the ESP32 bridge in access-point mode.
const (
	DefaultControllerHost = "192.168.4.1"
	DefaultControllerPort = "81"
	DefaultControllerURL  = "ws://" + DefaultControllerHost + ":" + DefaultControllerPort + "/ws"
)

// ControllerURL returns the controller address from CONTROLLER_URL env var.
// Falls back to the provided default if not set.
func ControllerURL(defaultURL string) string {
	if u := os.Getenv("CONTROLLER_URL"); u != "" {
		return u
	}
	return defaultURL
}

// ControllerTCPAddress builds a host:port for the serial bridge transport.
func ControllerTCPAddress(host, port string) string {
	if host == "" {
		host = DefaultControllerHost
	}
	if port == "" {
		port = "23"
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// GoogleProject returns the Firestore project from GOOGLE_CLOUD_PROJECT.
func GoogleProject(defaultProject string) string {
	if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		return p
	}
	return defaultProject
}

// GoogleCredentials returns the service account file from
// GOOGLE_APPLICATION_CREDENTIALS.
func GoogleCredentials(defaultFile string) string {
	if f := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); f != "" {
		return f
	}
	return defaultFile
}
