// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads matcher policy and decoder options with the
// teacher's env + file + default layering, via github.com/spf13/viper.
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"github.com/DataDog/pcap-correlate/pkg/capture"
	"github.com/DataDog/pcap-correlate/pkg/correrr"
	"github.com/DataDog/pcap-correlate/pkg/match"
)

const envPrefix = "PCAP_CORRELATE"

// Config is the full set of runtime-tunable values a correlate run reads,
// layered over spec.md's fixed wire-contract constants (M=64, K=512).
type Config struct {
	Policy         match.Policy
	DecoderOptions capture.Options
}

// Load builds a viper instance with defaults matching the spec's worked
// constants, then layers an optional config file at path (ignored if
// empty or not found) and environment variables prefixed PCAP_CORRELATE_.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, correrr.Wrap(correrr.ErrInvalidArgument, err)
			}
		}
	}

	cfg := Config{
		Policy: match.Policy{
			MatchMode:          match.Mode(v.GetString("match.mode")),
			Threshold:          v.GetFloat64("match.threshold"),
			Bucket:             match.BucketStrategy(v.GetString("match.bucket")),
			RequireTimeOverlap: v.GetBool("match.require_time_overlap"),
		},
		DecoderOptions: capture.Options{
			HeaderOnly:        v.GetBool("decoder.header_only"),
			PayloadHashPrefix: v.GetInt("decoder.payload_hash_prefix"),
		},
	}

	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := match.DefaultPolicy()
	v.SetDefault("match.mode", string(def.MatchMode))
	v.SetDefault("match.threshold", def.Threshold)
	v.SetDefault("match.bucket", string(def.Bucket))
	v.SetDefault("match.require_time_overlap", def.RequireTimeOverlap)

	decoderDef := capture.DefaultOptions()
	v.SetDefault("decoder.header_only", decoderDef.HeaderOnly)
	v.SetDefault("decoder.payload_hash_prefix", decoderDef.PayloadHashPrefix)
}
