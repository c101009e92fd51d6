package main

import (
	"context"
	"flag"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func runMetrics(_ context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	prefix := fs.String("prefix", "entitycache_", "only print metric families whose name starts with this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	families, err := a.registry.PrometheusRegistry().Gather()
	if err != nil {
		return err
	}
	return writeMetrics(out, families, *prefix)
}

func writeMetrics(out io.Writer, families []*dto.MetricFamily, prefix string) error {
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
