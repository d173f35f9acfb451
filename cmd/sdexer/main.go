// SD subsystem serial exerciser
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// sdexer drives the target debug console over a serial port, either
// relaying a single command (testFS by default) and reporting its exit
// status, or bridging the local terminal for an interactive session.
//
// Connection settings can be kept in a YAML profile:
//
//	port: /dev/ttyUSB0
//	baud: 115200
//	command: testFS
//	deadline: 10s
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"golang.org/x/term"
	"gopkg.in/yaml.v2"
)

// the console terminates command output with an exit status line
const statusPrefix = "exit: "

// escape character ending an interactive session (Ctrl-])
const escape = 0x1d

type profile struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	Command  string `yaml:"command"`
	Deadline string `yaml:"deadline"`
}

type config struct {
	profile

	deadline    time.Duration
	interactive bool
}

func load(path string, p *profile) error {
	buf, err := os.ReadFile(path)

	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(buf, p)
}

func parse() (cfg *config, err error) {
	cfg = &config{
		profile: profile{
			Baud:    115200,
			Command: "testFS",
		},
		deadline: 10 * time.Second,
	}

	profilePath := flag.String("c", "", "YAML connection profile")
	port := flag.String("p", "", "serial port device")
	baud := flag.Int("b", 0, "baud rate")
	command := flag.String("cmd", "", "console command to run")
	deadline := flag.Duration("t", 0, "command deadline")
	flag.BoolVar(&cfg.interactive, "i", false, "interactive console session")

	flag.Parse()

	if *profilePath != "" {
		if err = load(*profilePath, &cfg.profile); err != nil {
			return nil, fmt.Errorf("cannot load profile: %v", err)
		}
	}

	if cfg.Deadline != "" {
		if cfg.deadline, err = time.ParseDuration(cfg.Deadline); err != nil {
			return nil, fmt.Errorf("invalid profile deadline: %v", err)
		}
	}

	// flags override the profile
	if *port != "" {
		cfg.Port = *port
	}

	if *baud != 0 {
		cfg.Baud = *baud
	}

	if *command != "" {
		cfg.Command = *command
	}

	if *deadline != 0 {
		cfg.deadline = *deadline
	}

	if cfg.Port == "" {
		return nil, fmt.Errorf("no serial port set (-p or profile)")
	}

	return
}

func open(cfg *config) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	return serial.Open(cfg.Port, mode)
}

// run relays one command and returns its reported exit status.
func run(port serial.Port, cfg *config) (int, error) {
	if _, err := port.Write([]byte(cfg.Command + "\r\n")); err != nil {
		return -1, err
	}

	// a read timeout keeps the deadline check live on a silent console
	port.SetReadTimeout(100 * time.Millisecond)

	var pending []byte

	buf := make([]byte, 256)
	deadline := time.Now().Add(cfg.deadline)

	for time.Now().Before(deadline) {
		n, err := port.Read(buf)

		if err != nil {
			return -1, err
		}

		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)

		for {
			nl := bytes.IndexByte(pending, '\n')

			if nl < 0 {
				break
			}

			line := strings.TrimRight(string(pending[:nl]), "\r")
			pending = pending[nl+1:]

			if strings.HasPrefix(line, statusPrefix) {
				status, err := strconv.Atoi(strings.TrimPrefix(line, statusPrefix))

				if err != nil {
					return -1, fmt.Errorf("malformed status line %q", line)
				}

				return status, nil
			}

			fmt.Println(line)
		}
	}

	return -1, fmt.Errorf("no exit status within %v", cfg.deadline)
}

// bridge ties the local terminal to the console until the escape
// character is typed.
func bridge(port serial.Port) error {
	fd := int(os.Stdin.Fd())

	state, err := term.MakeRaw(fd)

	if err != nil {
		return err
	}
	defer term.Restore(fd, state)

	go io.Copy(os.Stdout, port)

	in := make([]byte, 1)

	for {
		if _, err := os.Stdin.Read(in); err != nil {
			return err
		}

		if in[0] == escape {
			return nil
		}

		if _, err := port.Write(in); err != nil {
			return err
		}
	}
}

func main() {
	log.SetFlags(0)

	cfg, err := parse()

	if err != nil {
		log.Fatalf("sdexer: %v", err)
	}

	port, err := open(cfg)

	if err != nil {
		log.Fatalf("sdexer: cannot open %s: %v", cfg.Port, err)
	}
	defer port.Close()

	if cfg.interactive {
		if err = bridge(port); err != nil {
			log.Fatalf("sdexer: %v", err)
		}

		return
	}

	status, err := run(port, cfg)

	if err != nil {
		log.Fatalf("sdexer: %v", err)
	}

	os.Exit(status)
}
