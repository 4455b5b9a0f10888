// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/DataDog/pcap-correlate/pkg/correrr"
	"github.com/DataDog/pcap-correlate/pkg/flowhash"
)

// newHashCommand exposes pkg/flowhash.Hash directly for interop testing
// against the wire contract described in spec.md §4.2/§6.
func newHashCommand() *cobra.Command {
	var proto uint8

	cmd := &cobra.Command{
		Use:   "hash <ip1> <port1> <ip2> <port2>",
		Short: "Compute the flow-hash wire value for a TCP/IPv4 5-tuple",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip1, err := parseIPv4(args[0])
			if err != nil {
				return err
			}
			ip2, err := parseIPv4(args[2])
			if err != nil {
				return err
			}
			port1, err := parsePort(args[1])
			if err != nil {
				return err
			}
			port2, err := parsePort(args[3])
			if err != nil {
				return err
			}

			hash, marker, err := flowhash.Hash(ip1, port1, ip2, port2, proto)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", hash, marker)
			return nil
		},
	}

	cmd.Flags().Uint8Var(&proto, "proto", 6, "IP protocol number (only TCP/6 is part of the wire contract)")
	return cmd
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("%q is not a valid IP address", s))
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("%q is not an IPv4 address", s))
	}
	copy(out[:], ip4)
	return out, nil
}

func parsePort(s string) (uint16, error) {
	var v uint16
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("%q is not a valid port: %w", s, err))
	}
	return v, nil
}
