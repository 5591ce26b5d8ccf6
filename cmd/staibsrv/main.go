package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/joho/godotenv"
	"github.com/pkg/profile"
	yml "gopkg.in/yaml.v2"

	"github.com/mbe-lab/staibctl/ebeam"
	"github.com/mbe-lab/staibctl/telemetry"
	"github.com/mbe-lab/staibctl/usb3000"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func root() {
	str := `staibsrv drives the Staib e-beam source's analog channels over the
USB-3000 acquisition card and exposes an HTTP control interface, so the
front panel, scripts, and the staibctl shell all speak to one daemon.

Without the card attached it runs in a simulated mode that behaves
identically, minus the electrons.

Usage:
	staibsrv <command>

Commands:
	run [-cpuprofile]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `staibsrv is amenable to configuration via its .yaml file (staibsrv.yml).
"staibsrv mkconf" writes one with the defaults filled in.

Config blocks:
- addr: HTTP listen address
- usb: vid/pid of the acquisition card, or simulated: true to stay off
  the bus entirely
- mqtt: broker URL for telemetry, empty to disable.  Credentials are
  MQTT_USERNAME / MQTT_PASSWORD from the environment; a .env file next to
  the binary is loaded if present.
- settings: the instrument calibration block -- idle/work voltages and
  ramp rates for ENERGY and FILAMENT, calibration defaults for the direct
  channels, and the COMPUTER_CONTROL on-level.

The HTTP interface:
	POST /voltage           {"channel": "ENERGY", "voltage": 8.62}
	POST /preset            {"preset": "idle"|"work"}
	POST /computer-control  {"bool": true}
	POST /shutdown
	GET  /state
	GET  /idle
	GET  /lock

While computer control is engaged (or a handover is pending), manual
voltage and preset intents are refused with 423 Locked.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("staibsrv version %v\n", Version)
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cpuprofile := fs.Bool("cpuprofile", false, "write a CPU profile for this run")
	fs.Parse(args)
	if *cpuprofile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: loading .env: %v", err)
	}

	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}

	var dev *usb3000.Device
	if c.USB.Simulated {
		dev = usb3000.NewSimulated()
	} else {
		dev = usb3000.New(uint16(c.USB.VID), uint16(c.USB.PID))
	}

	bus := ebeam.NewBroadcaster()
	policy := ebeam.NewPolicy(c.Settings)
	engine := ebeam.NewEngine(dev, policy, bus)
	co := ebeam.NewCoordinator(engine, dev, policy, bus)

	if !dev.Open() {
		// non-fatal by design: the whole system proceeds uniformly,
		// the operator just gets told once
		log.Println("warning: acquisition card not opened; check the USB cable and driver.  Continuing simulated.")
	}
	bus.Publish(ebeam.Event{Kind: ebeam.EventDeviceOpen, Message: fmt.Sprintf("simulated=%v", dev.Simulated())})

	if err := engine.InitializeDefaults(); err != nil {
		log.Println("initializing channel defaults:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// console copy of the status stream; ramp snapshots are already
	// logged (throttled) by the gateway
	go func() {
		for ev := range bus.Subscribe(64) {
			if ev.Kind == ebeam.EventRamp || ev.Kind == ebeam.EventWrite {
				continue
			}
			log.Printf("%s %s %s", ev.Kind, ev.Channel, ev.Message)
		}
	}()

	if c.MQTT.Broker != "" {
		mc := c.MQTT
		mc.Username = os.Getenv("MQTT_USERNAME")
		mc.Password = os.Getenv("MQTT_PASSWORD")
		pub, err := telemetry.Dial(mc)
		if err != nil {
			log.Println("warning:", err, "- continuing without telemetry")
		} else {
			go pub.Run(ctx, bus.Subscribe(256))
			log.Println("telemetry publishing to", mc.Broker)
		}
	}

	rootR := chi.NewRouter()
	rootR.Use(middleware.Logger)
	lock := ebeam.NewLockout(co)
	rootR.Use(lock.Check)
	h := ebeam.NewHTTP(engine, co, policy)
	h.RouteTable.Bind(rootR)

	// a signal is the same intent as POST /shutdown: go idle first if
	// computer control is engaged, then close the card, then exit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		deferred, delay := co.Shutdown()
		if deferred {
			log.Println("shutdown deferred", delay, "for idle ramp")
		}
	}()
	go func() {
		<-co.Done()
		cancel()
		os.Exit(0)
	}()

	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, rootR))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
