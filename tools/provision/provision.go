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

// Package main implements a CLI tool that provisions a device identity and, optionally, the
// measurement list the device reports and a policy accepting it.
package main

import (
	"flag"
	"os"

	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/go-spdm-attest/tools/lib/cmdline"
	"github.com/google/logger"
	"github.com/google/uuid"
)

var (
	dir    = flag.String("dir", "", "The directory to provision the identity in.")
	width  = flag.Int("width", 384, "The key and hash width in bits: 256 or 384.")
	inform = flag.String("inform", "hex", "The format of -measurement values. One of hex, base64, or auto.")
	values = cmdline.MeasurementsFlag("measurement",
		"A measurement as index:type:value or index:value for a raw bit stream. Repeatable.")
	measurementsOut = flag.String("measurements_out", "", "Path to write the YAML measurement list to.")
	policyOut       = flag.String("policy_out", "", "Path to write a YAML policy accepting exactly the measurements to.")
	peer            = flag.String("peer", "", "The peer UUID of the policy. A random UUID if unset.")
	verbose         = flag.Bool("v", false, "Enable verbose logging.")
)

func writeYAML(path string, marshal func() ([]byte, error)) {
	data, err := marshal()
	if err != nil {
		logger.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.Fatal(err)
	}
}

func main() {
	flag.Parse()
	logger.Init("", *verbose, false, os.Stderr)
	if err := cmdline.Parse(*inform); err != nil {
		logger.Fatal(err)
	}

	if *dir == "" {
		logger.Fatal("-dir is required")
	}
	w, err := cmdline.Width(*width)
	if err != nil {
		logger.Fatal(err)
	}
	m := values.Get()
	if m == nil && (*measurementsOut != "" || *policyOut != "") {
		logger.Fatal("-measurements_out and -policy_out need at least one -measurement")
	}
	peerID := uuid.New()
	if *peer != "" {
		if peerID, err = uuid.Parse(*peer); err != nil {
			logger.Fatalf("-peer=%q: %v", *peer, err)
		}
	}

	c := &primitives.Software{}
	id, err := store.ProvisionNew(&store.Dir{Path: *dir, Crypto: c}, c, w)
	if err != nil {
		logger.Fatal(err)
	}
	if err := id.Check(c); err != nil {
		logger.Fatal(err)
	}
	if *measurementsOut != "" {
		writeYAML(*measurementsOut, m.Marshal)
	}
	if *policyOut != "" {
		writeYAML(*policyOut, store.PolicyFor(peerID, m).Marshal)
		logger.Infof("policy for peer %v written to %s", peerID, *policyOut)
	}
}
