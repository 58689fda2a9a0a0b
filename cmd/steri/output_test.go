package main

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer

	got, err := resolveFormat("", &buf)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, got, "non-terminal writers default to json")

	got, err = resolveFormat("YML", &buf)
	require.NoError(t, err)
	assert.Equal(t, formatYAML, got)

	_, err = resolveFormat("xml", &buf)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	v := row{Name: "B1", Count: 3}

	var out bytes.Buffer
	require.NoError(t, render(&out, formatJSON, v, nil))
	assert.JSONEq(t, `{"name":"B1","count":3}`, out.String())

	out.Reset()
	require.NoError(t, render(&out, formatYAML, v, nil))
	assert.Contains(t, out.String(), "name: B1")
	assert.Contains(t, out.String(), "count: 3")

	out.Reset()
	require.NoError(t, render(&out, formatTable, v, func(w io.Writer) {
		fmt.Fprintln(w, "NAME\tCOUNT")
		fmt.Fprintf(w, "%s\t%d\n", v.Name, v.Count)
	}))
	assert.Equal(t, "NAME  COUNT\nB1    3\n", out.String())
}

func TestParseInfo(t *testing.T) {
	info, err := parseInfo([]string{"cycle=42", " autoclave = AC-2 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"cycle": "42", "autoclave": "AC-2"}, info)
	assert.Equal(t, []string{"autoclave", "cycle"}, sortedKeys(info))

	_, err = parseInfo([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseInfo([]string{"=x"})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-05-20")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2026-05-20T08:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Hour())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestRiskConfigFromSettings(t *testing.T) {
	rc := config.Default().Risk
	rc.SeverityWeight = 0.55
	rc.HighThreshold = 0.8
	rc.DailyRateCap = 3

	got := riskConfig(rc)
	assert.Equal(t, 0.55, got.SeverityWeight)
	assert.Equal(t, 0.8, got.HighThreshold)
	assert.Equal(t, 3.0, got.DailyRateCap)
	assert.Equal(t, 10.0, got.SeverityCap)

	rc.TrendCap = 0
	assert.Equal(t, 2.0, riskConfig(rc).TrendCap, "unset caps keep their defaults")
}
