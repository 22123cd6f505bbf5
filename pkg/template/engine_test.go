package template

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateScalar(t *testing.T) {
	vars := map[string]interface{}{
		"requestedMinCapacity": "1Gi",
	}
	got, err := EvaluateScalar("volumeCreation.capacity", "{{ .requestedMinCapacity }}", vars, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, "1Gi", got)
}

func TestEvaluateMissingVariableFails(t *testing.T) {
	_, err := EvaluateScalar("volumeCreation.capacity", "{{ .nope }}", map[string]interface{}{"requestedMinCapacity": "1Gi"}, Capabilities{})
	require.Error(t, err)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "volumeCreation.capacity", tErr.Path)
}

func TestEvaluateDeterministic(t *testing.T) {
	vars := map[string]interface{}{"handle": "pvc-abc"}
	r1, err := EvaluateScalar("x", "vol-{{ .handle }}", vars, Capabilities{})
	require.NoError(t, err)
	r2, err := EvaluateScalar("x", "vol-{{ .handle }}", vars, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestEvaluateYAMLSentinelWholeSubtree(t *testing.T) {
	tmpl := "{{ yaml }}\nname: {{ .pvcName }}\nsize: {{ .size }}\n"
	vars := map[string]interface{}{"pvcName": "data", "size": 3}

	result, err := Evaluate("params", tmpl, vars, Capabilities{})
	require.NoError(t, err)
	require.True(t, result.IsStructured)

	m, ok := result.Structured.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "data", m["name"])
}

func TestEvaluateWithoutYAMLSentinelStaysText(t *testing.T) {
	result, err := Evaluate("params", "plain string", nil, Capabilities{})
	require.NoError(t, err)
	assert.False(t, result.IsStructured)
	assert.Equal(t, "plain string", result.Text)
}

func TestLookupClaimHookUnavailableFails(t *testing.T) {
	_, err := EvaluateScalar("x", `{{ lookupClaim "a" "b" }}`, nil, Capabilities{})
	require.Error(t, err)
}

func TestLookupClaimHookInvoked(t *testing.T) {
	var gotName, gotNS string
	caps := Capabilities{LookupClaim: func(name, ns string) (interface{}, error) {
		gotName, gotNS = name, ns
		return map[string]string{"uid": "1234"}, nil
	}}
	_, err := Evaluate("x", `{{ with lookupClaim "my-claim" "default" }}{{ .uid }}{{ end }}`, nil, caps)
	require.NoError(t, err)
	assert.Equal(t, "my-claim", gotName)
	assert.Equal(t, "default", gotNS)
}

func TestToShellTokenRoundTripsThroughPOSIXShell(t *testing.T) {
	// ANSI-C quoting needs a shell that implements $'...'; dash does not.
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("no shell with ANSI-C quoting available")
	}

	inputs := []string{
		"simple",
		"has space",
		"has'quote",
		"multi\nline\ntext",
		"tab\there",
		"",
		"back\\slash",
	}

	for _, s := range inputs {
		token, err := ToShellToken(s)
		require.NoError(t, err)

		out, err := exec.Command("bash", "-c", "printf %s "+"\"$("+"echo "+token+")\"").CombinedOutput()
		require.NoErrorf(t, err, "shell rejected token %q for input %q: %s", token, s, out)
		assert.Equal(t, s, string(out), "round trip failed for input %q (token %q)", s, token)
	}
}

func TestToStructuredJSONNeverEmitsNewline(t *testing.T) {
	v := map[string]interface{}{
		"a": "line1\nline2",
		"b": []interface{}{1, 2, 3},
	}
	s, err := ToStructuredJSON(v)
	require.NoError(t, err)
	assert.False(t, strings.Contains(s, "\n"))
}

func TestPreprocessWhitespaceStripsStatementOnlyLines(t *testing.T) {
	tmpl := "  {{ if true }}  \nkept\n  {{ end }}  \n"
	got, err := EvaluateScalar("x", tmpl, nil, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, "kept\n", got)
}
