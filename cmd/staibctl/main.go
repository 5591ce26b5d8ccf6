// Command staibctl is an interactive operator shell for a running staibsrv.
// It speaks the daemon's HTTP interface; nothing here touches hardware.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/chzyer/readline"
	"github.com/theckman/yacspin"
)

var addr = flag.String("addr", "http://localhost:8150", "base URL of staibsrv")

const usage = `commands:
	state                   show every channel's current and target voltage
	set <channel> <volts>   command a voltage (ENERGY and FILAMENT ramp)
	idle | work             apply a preset to ENERGY and FILAMENT
	cc on|off               toggle computer control (waits for the idle gate)
	lock                    show whether manual intents are locked out
	shutdown                idle the instrument, close the card, stop the daemon
	help
	quit`

type reading struct {
	Channel string  `json:"channel"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

type deferredT struct {
	Deferred bool    `json:"deferred"`
	DelayS   float64 `json:"delayS"`
}

type boolT struct {
	Bool bool `json:"bool"`
}

func getJSON(path string, into interface{}) error {
	resp, err := http.Get(*addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func postJSON(path string, body interface{}, into interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(*addr+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusLocked {
		return fmt.Errorf("locked: the instrument is under computer control")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// waitServer blocks until the daemon answers, with a capped exponential
// backoff so a shell started a moment before the daemon still connects.
func waitServer() error {
	op := func() error {
		var rs []reading
		return getJSON("/state", &rs)
	}
	return backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
}

// spinUntilIdle shows a spinner while polling the daemon's idle predicate.
// This is the poll-based path; the daemon's own deferred action still fires
// on its time estimate.
func spinUntilIdle(suffix string) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " " + suffix,
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		return err
	}
	spinner.Start()
	defer spinner.Stop()
	for {
		var b boolT
		if err := getJSON("/idle", &b); err != nil {
			return err
		}
		if b.Bool {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func printState() error {
	var rs []reading
	if err := getJSON("/state", &rs); err != nil {
		return err
	}
	for _, r := range rs {
		marker := ""
		if diff := r.Target - r.Current; diff > 0.001 || diff < -0.001 {
			marker = fmt.Sprintf("  -> %.2f", r.Target)
		}
		fmt.Printf("%-16s %7.2f V%s\n", r.Channel, r.Current, marker)
	}
	return nil
}

func dispatch(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(usage)
	case "state":
		err = printState()
	case "lock":
		var b boolT
		if err = getJSON("/lock", &b); err == nil {
			fmt.Println("locked:", b.Bool)
		}
	case "set":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: set <channel> <volts>")
		}
		var v float64
		v, err = strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return false, err
		}
		err = postJSON("/voltage", map[string]interface{}{
			"channel": strings.ToUpper(fields[1]),
			"voltage": v,
		}, nil)
	case "idle", "work":
		err = postJSON("/preset", map[string]string{"preset": strings.ToLower(fields[0])}, nil)
	case "cc":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: cc on|off")
		}
		on := strings.ToLower(fields[1]) == "on"
		var d deferredT
		if err = postJSON("/computer-control", boolT{Bool: on}, &d); err != nil {
			return false, err
		}
		if d.Deferred {
			fmt.Printf("deferred ~%.1fs while the instrument goes idle\n", d.DelayS)
			err = spinUntilIdle("ramping to idle")
		}
	case "shutdown":
		var d deferredT
		if err = postJSON("/shutdown", struct{}{}, &d); err != nil {
			return false, err
		}
		if d.Deferred {
			fmt.Printf("shutdown deferred ~%.1fs while the instrument goes idle\n", d.DelayS)
			if err = spinUntilIdle("idling for shutdown"); err != nil {
				return true, err
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, err
}

func main() {
	flag.Parse()
	if err := waitServer(); err != nil {
		log.Fatalf("no staibsrv at %s: %v", *addr, err)
	}

	rl, err := readline.New("staib> ")
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()

	fmt.Println("connected to", *addr, "- try help")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		quit, err := dispatch(line)
		if err != nil {
			fmt.Println("error:", err)
		}
		if quit {
			return
		}
	}
}
