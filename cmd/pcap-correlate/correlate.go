// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	_ "github.com/go-sql-driver/mysql"

	"github.com/DataDog/pcap-correlate/pkg/config"
	"github.com/DataDog/pcap-correlate/pkg/export"
	"github.com/DataDog/pcap-correlate/pkg/pipeline"
)

func newCorrelateCommand() *cobra.Command {
	var (
		configPath string
		outputPath string
		dbDSN      string
		caseID     string
	)

	cmd := &cobra.Command{
		Use:   "correlate <capture-a> <capture-b>",
		Short: "Match TCP connections between two packet captures",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			result, err := pipeline.Run(cmd.Context(), args[0], args[1], cfg.DecoderOptions, cfg.Policy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if err := export.WriteJSON(out, result.MatchSet); err != nil {
				return err
			}

			if dbDSN == "" {
				return nil
			}
			if caseID == "" {
				return fmt.Errorf("correlate: --case-id is required when --db-dsn is set")
			}

			db, err := sqlx.ConnectContext(cmd.Context(), "mysql", dbDSN)
			if err != nil {
				return fmt.Errorf("correlate: connecting to mysql: %w", err)
			}
			defer db.Close()

			writer := export.NewDBWriter(db, caseID)
			if err := writer.WriteMatchSet(cmd.Context(), result.MatchSet); err != nil {
				return err
			}
			return writer.WriteTopology(cmd.Context(), result.TopologyReport)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a policy config file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the MatchSet JSON here instead of stdout")
	cmd.Flags().StringVar(&dbDSN, "db-dsn", "", "mysql DSN to also write kase_<id>_tcp_stream_extra/kase_<id>_topological_graph rows into")
	cmd.Flags().StringVar(&caseID, "case-id", "", "case id used to name the kase_<id>_* tables, required with --db-dsn")
	return cmd
}
