// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main implements a CLI tool that answers attestation requests over TCP with a
// provisioned identity.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/spdm"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/go-spdm-attest/transport"
	"github.com/google/logger"
)

var (
	listen           = flag.String("listen", ":2323", "The address to accept requesters on.")
	dir              = flag.String("dir", "", "The directory holding the provisioned identity.")
	measurementsPath = flag.String("measurements", "", "Path to the YAML measurement list. "+
		"If unset, the responder does not advertise measurements.")
	ctExponent = flag.Uint("ct_exponent", spdm.DefaultCTExponent,
		"The advertised cryptographic timeout exponent. The timeout is 2^ct_exponent microseconds.")
	unsigned = flag.Bool("unsigned", false, "Advertise unsigned measurements only.")
	deferOne = flag.String("defer", "",
		"A request code, such as 0x81, answered once with RESPONSE_NOT_READY.")
	verbose = flag.Bool("v", false, "Enable verbose logging.")
)

func config() (spdm.Config, error) {
	cfg := spdm.Config{CTExponent: uint8(*ctExponent)}
	if *unsigned {
		cfg.Caps = abi.CertCap | abi.ChalCap | abi.MeasCapNoSig
	}
	if *deferOne != "" {
		code, err := strconv.ParseUint(*deferOne, 0, 8)
		if err != nil {
			return spdm.Config{}, err
		}
		cfg.DeferOnce = abi.RequestCode(code)
	}
	return cfg, nil
}

func main() {
	flag.Parse()
	logger.Init("", *verbose, false, os.Stderr)

	if *dir == "" {
		logger.Fatal("-dir is required")
	}
	if *ctExponent > 0xff {
		logger.Fatalf("-ct_exponent is %d. Expect at most 255.", *ctExponent)
	}
	c := &primitives.Software{}
	id, err := (&store.Dir{Path: *dir, Crypto: c}).Identity()
	if err != nil {
		logger.Fatal(err)
	}
	var m *store.Measurements
	if *measurementsPath != "" {
		if m, err = store.LoadMeasurements(*measurementsPath); err != nil {
			logger.Fatal(err)
		}
	}
	cfg, err := config()
	if err != nil {
		logger.Fatalf("-defer=%q: %v", *deferOne, err)
	}
	// Fail before listening if the identity or configuration is unusable.
	if _, err := spdm.NewResponder(c, id, m, cfg); err != nil {
		logger.Fatal(err)
	}

	l, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger.Infof("responding as %v identity on %v", id.Width, l.Addr())
	err = transport.Serve(ctx, l, func() transport.Handler {
		r, err := spdm.NewResponder(c, id, m, cfg)
		if err != nil {
			// Unreachable after the check above.
			logger.Fatal(err)
		}
		return r
	})
	if err != nil {
		logger.Fatal(err)
	}
}
