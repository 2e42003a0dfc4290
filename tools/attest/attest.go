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

// Package main implements a CLI tool that attests a peer device over TCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/spdm"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/go-spdm-attest/transport"
	"github.com/google/logger"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	addr       = flag.String("addr", "localhost:2323", "The host:port of the responder.")
	peer       = flag.String("peer", "", "The UUID the responder is listed under in -policy.")
	policyPath = flag.String("policy", "", "Path to the YAML measurement policy.")
	retries    = flag.Int("retries", spdm.DefaultRetries,
		"The number of retries of BUSY, timeouts, and resynchronization. -1 disables retries.")
	timeout    = flag.Duration("timeout", spdm.DefaultTimeout, "The wait for each reply.")
	deadline   = flag.Duration("deadline", time.Minute, "The bound on the whole attestation.")
	certWindow = flag.Int("cert_window", spdm.DefaultCertWindow, "The chain bytes requested per GET_CERTIFICATE.")
	unsigned   = flag.Bool("unsigned", false, "Request measurements without signatures.")
	summary    = flag.String("summary", "none",
		"The measurement summary hash requested in CHALLENGE. One of \"none\", \"tcb\", or \"all\".")
	out = flag.String("out", "", "Path to output file to write the YAML attestation result to. "+
		"If unset, outputs to stdout.")
	verbose = flag.Bool("v", false, "Enable verbose logging.")
)

// report is the YAML attestation result.
type report struct {
	Peer     string `yaml:"peer"`
	Addr     string `yaml:"addr"`
	Result   string `yaml:"result"`
	Error    string `yaml:"error,omitempty"`
	Duration string `yaml:"duration"`
}

func summaryHashType() (uint8, error) {
	switch *summary {
	case "none":
		return abi.SummaryHashNone, nil
	case "tcb":
		return abi.SummaryHashTCB, nil
	case "all":
		return abi.SummaryHashAll, nil
	}
	return 0, fmt.Errorf("-summary is %s. Expect \"none\", \"tcb\", or \"all\"", *summary)
}

func outWriter() (io.Writer, *os.File, error) {
	if *out == "" {
		return os.Stdout, nil, nil
	}
	file, err := os.Create(*out)
	if err != nil {
		return nil, nil, err
	}
	return file, file, nil
}

func main() {
	flag.Parse()
	logger.Init("", *verbose, false, os.Stderr)

	peerID, err := uuid.Parse(*peer)
	if err != nil {
		logger.Fatalf("-peer=%q: %v", *peer, err)
	}
	if *policyPath == "" {
		logger.Fatal("-policy is required")
	}
	policy, err := store.LoadPolicy(*policyPath)
	if err != nil {
		logger.Fatal(err)
	}
	if _, ok := policy.For(peerID); !ok {
		logger.Fatalf("policy %s lists no peer %v", *policyPath, peerID)
	}
	summaryType, err := summaryHashType()
	if err != nil {
		logger.Fatal(err)
	}

	outwriter, filetoclose, err := outWriter()
	if err != nil {
		logger.Fatal(err)
	}
	defer func() {
		if filetoclose != nil {
			filetoclose.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *deadline)
	defer cancel()
	conn, err := transport.Dial(ctx, *addr)
	if err != nil {
		logger.Fatal(err)
	}
	defer conn.Close()

	r := spdm.NewRequester(&primitives.Software{}, conn, policy, spdm.Config{
		Retries:              *retries,
		Timeout:              *timeout,
		CertWindow:           *certWindow,
		SummaryHashType:      summaryType,
		UnsignedMeasurements: *unsigned,
	})
	start := time.Now()
	res := r.Attest(ctx, peerID)
	rep := &report{
		Peer:     peerID.String(),
		Addr:     *addr,
		Result:   res.Kind.String(),
		Duration: time.Since(start).String(),
	}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	bytes, err := yaml.Marshal(rep)
	if err != nil {
		logger.Fatal(err)
	}
	if _, err := outwriter.Write(bytes); err != nil {
		logger.Fatal(err)
	}
	if !res.OK() {
		logger.Errorf("attestation of %v failed: %v", peerID, res)
		os.Exit(1)
	}
	logger.Infof("attested %v at %s", peerID, *addr)
}
