package main

import (
	"log"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/mbe-lab/staibctl/ebeam"
	"github.com/mbe-lab/staibctl/telemetry"
	"github.com/mbe-lab/staibctl/usb3000"
)

// USBConfig selects the acquisition card.
type USBConfig struct {
	// VID and PID identify the card on the bus.
	VID int `yaml:"vid" koanf:"vid"`
	PID int `yaml:"pid" koanf:"pid"`

	// Simulated forces simulated mode without touching the bus, for
	// bench work away from the instrument.
	Simulated bool `yaml:"simulated" koanf:"simulated"`
}

// Config is the daemon's whole configuration surface.  Everything has a
// usable default; a missing config file is not an error.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" koanf:"addr"`

	USB USBConfig `yaml:"usb" koanf:"usb"`

	// MQTT telemetry; an empty broker disables it.  Credentials come from
	// MQTT_USERNAME / MQTT_PASSWORD in the environment (or .env).
	MQTT telemetry.Config `yaml:"mqtt" koanf:"mqtt"`

	// Settings is the instrument calibration block.
	Settings ebeam.Settings `yaml:"settings" koanf:"settings"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8150",
		USB: USBConfig{
			VID: usb3000.DefaultVID,
			PID: usb3000.DefaultPID,
		},
		MQTT: telemetry.Config{
			ClientID:  "staibsrv",
			TopicRoot: "staib",
		},
		Settings: ebeam.DefaultSettings(),
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

var (
	// ConfigFileName is what it sounds like
	ConfigFileName = "staibsrv.yml"
	k              = koanf.New(".")
)
