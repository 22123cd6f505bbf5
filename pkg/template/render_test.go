package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestRenderPodTemplateSubstitutesStringLeaves(t *testing.T) {
	tmpl := &corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:    "worker",
				Image:   "busybox",
				Command: []string{"sh", "-c", "echo {{ .handle | toShellToken }} > /pav/volume/handle"},
			}},
		},
	}
	vars := map[string]interface{}{"handle": "pvc-1234"}

	got, err := RenderPodTemplate("volumeStaging.podTemplate", tmpl, vars, Capabilities{})
	require.NoError(t, err)
	require.Len(t, got.Spec.Containers, 1)
	assert.Equal(t, "echo 'pvc-1234' > /pav/volume/handle", got.Spec.Containers[0].Command[2])
	// Untemplated leaves pass through untouched.
	assert.Equal(t, "busybox", got.Spec.Containers[0].Image)
}

func TestRenderPodTemplateFailsWithLeafPath(t *testing.T) {
	tmpl := &corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "worker",
				Image: "{{ .missing }}",
			}},
		},
	}

	_, err := RenderPodTemplate("volumeCreation.podTemplate", tmpl, nil, Capabilities{})
	require.Error(t, err)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Contains(t, tErr.Path, "volumeCreation.podTemplate")
}

func TestRenderTreeYAMLSubtreeIsNotReevaluated(t *testing.T) {
	tree := map[string]interface{}{
		"env": "{{ yaml }}\nname: EXTRA\nvalue: \"{{ `{{ not a template }}` }}\"\n",
	}

	rendered, err := RenderTree("spec", tree, nil, Capabilities{})
	require.NoError(t, err)

	m := rendered.(map[string]interface{})
	sub, ok := m["env"].(map[string]interface{})
	require.True(t, ok, "yaml sentinel should replace the leaf with structured data")
	// The substituted subtree keeps its template-looking text verbatim.
	assert.Equal(t, "{{ not a template }}", sub["value"])
}

func TestRenderTreeLeavesNonStringsAlone(t *testing.T) {
	tree := map[string]interface{}{
		"replicas": int64(3),
		"enabled":  true,
	}
	rendered, err := RenderTree("spec", tree, nil, Capabilities{})
	require.NoError(t, err)
	m := rendered.(map[string]interface{})
	assert.Equal(t, int64(3), m["replicas"])
	assert.Equal(t, true, m["enabled"])
}
