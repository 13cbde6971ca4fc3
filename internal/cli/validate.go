package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tilt-dev/testrig/pkg/telemetry"
)

type validateCmd struct {
	out io.Writer

	metrics   bool
	require   []string
	types     []string
	strictIDs bool
}

func newValidateCmd() *validateCmd {
	return &validateCmd{out: os.Stdout}
}

func (c *validateCmd) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate OTLP/JSON trace or metric exports against attribute rules",
		Example: `  testrig validate --require service.name --type http.status_code=int traces.json
  testrig validate --metrics --require service.name metrics.json`,
		Args: cobra.MinimumNArgs(1),
	}
	cmd.Flags().BoolVar(&c.metrics, "metrics", false, "Files contain metrics rather than traces")
	cmd.Flags().StringSliceVar(&c.require, "require", nil, "Attribute every record must carry")
	cmd.Flags().StringArrayVar(&c.types, "type", nil, "Attribute type constraint KEY=TYPE (string, int, float, bool)")
	cmd.Flags().BoolVar(&c.strictIDs, "strict-ids", false, "Reject all-zero trace and span IDs")
	return cmd
}

func (c *validateCmd) run(ctx context.Context, args []string) error {
	types, err := parseAttributeTypes(c.types)
	if err != nil {
		return err
	}

	total := 0
	for _, path := range args {
		errs, n, err := c.validateFile(path, types)
		if err != nil {
			return err
		}
		for _, e := range errs {
			_, _ = fmt.Fprintf(c.out, "%s: %v\n", path, e)
		}
		_, _ = fmt.Fprintf(c.out, "%s: %d record(s), %d invalid\n", path, n, len(errs))
		total += len(errs)
	}

	if total > 0 {
		return fmt.Errorf("%d invalid record(s)", total)
	}
	return nil
}

func (c *validateCmd) validateFile(path string, types map[string]attribute.Type) ([]*telemetry.ValidationError, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "validate")
	}
	defer func() { _ = f.Close() }()

	if c.metrics {
		metrics, err := telemetry.DecodeOTLPJSONMetrics(f)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "reading %s", path)
		}
		v := telemetry.MetricValidator{RequiredAttributes: c.require, AttributeTypes: types}
		return v.ValidateAll(metrics), len(metrics), nil
	}

	spans, err := telemetry.DecodeOTLPJSONTraces(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "reading %s", path)
	}
	v := telemetry.SpanValidator{RequiredAttributes: c.require, AttributeTypes: types, StrictIDs: c.strictIDs}
	return v.ValidateAll(spans), len(spans), nil
}

var attributeTypeNames = map[string]attribute.Type{
	"string":   attribute.STRING,
	"int":      attribute.INT64,
	"float":    attribute.FLOAT64,
	"bool":     attribute.BOOL,
	"string[]": attribute.STRINGSLICE,
	"int[]":    attribute.INT64SLICE,
	"float[]":  attribute.FLOAT64SLICE,
	"bool[]":   attribute.BOOLSLICE,
}

func parseAttributeTypes(specs []string) (map[string]attribute.Type, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make(map[string]attribute.Type, len(specs))
	for _, s := range specs {
		k, name, ok := strings.Cut(s, "=")
		t, known := attributeTypeNames[name]
		if !ok || k == "" || !known {
			return nil, fmt.Errorf("--type %q: want KEY=TYPE with TYPE one of string, int, float, bool (or a [] slice)", s)
		}
		result[k] = t
	}
	return result, nil
}
