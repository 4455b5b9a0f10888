// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DataDog/pcap-correlate/internal/logx"
)

func newRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "pcap-correlate",
		Short: "Correlate TCP connections observed at two capture points",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			if verbose {
				cfg = zap.NewDevelopmentConfig()
			}
			l, err := cfg.Build()
			if err != nil {
				return err
			}
			logx.SetLogger(l)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newCorrelateCommand())
	root.AddCommand(newHashCommand())
	return root
}

// exitCodeFor maps the error taxonomy of spec.md §7 to a process exit
// code. Only fatal decoder/IO and invalid-argument errors ever reach
// Execute() as a returned error; "no matches" is logged as a warning by
// pkg/pipeline and never surfaces here, per §6's CLI surface contract (0
// on success, non-zero only on a fatal error).
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
