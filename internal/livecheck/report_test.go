package livecheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/testrig/internal/testutils/tempdir"
	"github.com/tilt-dev/testrig/pkg/telemetry"
)

const spanReport = `{
  "samples": [
    {
      "kind": "span",
      "name": "GET /users",
      "live_check_result": {
        "all_advice": [
          {"advice_type": "missing_attribute", "advice_level": "violation", "value": "http.request.method", "message": "required by registry"},
          {"advice_type": "deprecated", "advice_level": "improvement", "value": "http.method"}
        ],
        "highest_advice_level": "violation"
      }
    },
    {
      "kind": "span",
      "name": "db.query",
      "live_check_result": {"all_advice": [], "highest_advice_level": null}
    }
  ],
  "statistics": {"total_entities": 2, "total_advisories": 2, "advice_level_counts": {"violation": 1, "improvement": 1}}
}`

const metricReport = `{
  "samples": [
    {
      "kind": "metric",
      "name": "http.server.request.duration",
      "live_check_result": {
        "all_advice": [
          {"advice_type": "type_mismatch", "advice_level": "violation", "value": "http.response.status_code", "message": "expected int"},
          {"advice_type": "not_stable", "advice_level": "violation", "value": 3}
        ]
      }
    }
  ],
  "statistics": {"total_entities": 1, "total_advisories": 2, "advice_level_counts": {"violation": 2}}
}`

func TestReadReportMergesFiles(t *testing.T) {
	f := tempdir.NewTempDirFixture(t)
	f.WriteFile("a.json", spanReport)
	f.WriteFile("b.json", metricReport)
	f.WriteFile("notes.txt", "ignored")

	r, err := ReadReport(f.Path())
	require.NoError(t, err)
	assert.Len(t, r.Samples, 3)
	assert.Len(t, r.Files, 2)
	assert.Equal(t, 3, r.Statistics.TotalEntities)
	assert.Equal(t, 3, r.Statistics.AdviceLevelCount[LevelViolation])
	assert.Equal(t, "3 sample(s), 4 advisories, 3 violation, 1 improvement", r.String())

	assert.Len(t, r.Findings(LevelImprovement), 4)
	assert.Len(t, r.Violations(), 3)

	errs, rest := r.ValidationErrors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], &telemetry.ValidationError{Kind: telemetry.MissingAttribute, Attribute: "http.request.method"})
	assert.Equal(t, "GET /users", errs[0].Record)
	assert.ErrorIs(t, errs[1], telemetry.ErrInvalidAttributeType)
	assert.Equal(t, "http.response.status_code", errs[1].Attribute)

	require.Len(t, rest, 1)
	assert.Equal(t, "not_stable", rest[0].Advice.Type)
	assert.Equal(t, "3", rest[0].Advice.ValueString())
	assert.Equal(t, `metric http.server.request.duration: violation not_stable "3"`, rest[0].String())
}

func TestReadReportRejectsBadDocuments(t *testing.T) {
	f := tempdir.NewTempDirFixture(t)
	f.WriteFile("bad.json", `{"samples": [{"kind": "span", "name": "x", "live_check_result": {"all_advice": [{"advice_type": "x", "advice_level": "fatal"}]}}]}`)

	_, err := ReadReport(f.Path())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
	assert.Contains(t, err.Error(), "report schema")
}

func TestReadReportNotJSON(t *testing.T) {
	_, err := ParseReport([]byte("weaver crashed"))
	assert.ErrorContains(t, err, "decoding report")
}

func TestReadReportEmptyDir(t *testing.T) {
	f := tempdir.NewTempDirFixture(t)
	_, err := ReadReport(f.Path())
	assert.ErrorContains(t, err, "no *.json report")
}
