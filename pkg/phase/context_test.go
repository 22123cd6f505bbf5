package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestCreationDeletionVarsExtendValidationContext(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"},
	}

	vars, err := CreationDeletionVars("Filesystem", []string{"ReadOnlyMany"}, 1<<30, 0, map[string]string{"k": "v"}, nil, pvc, "pvc-1234")
	require.NoError(t, err)

	assert.Equal(t, "pvc-1234", vars["defaultHandle"])
	assert.Equal(t, int64(1<<30), vars["requestedMinCapacity"])

	// Typed objects surface with their JSON field names.
	pvcVars := vars["pvc"].(map[string]interface{})
	meta := pvcVars["metadata"].(map[string]interface{})
	assert.Equal(t, "data", meta["name"])

	// Absent objects surface as nil, not as a zero-valued object.
	assert.Nil(t, vars["sc"])
}

func TestStagingUnstagingVarsShape(t *testing.T) {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}}

	vars, err := StagingUnstagingVars("Block", []string{"ReadWriteOnce"}, 1<<20, nil, "vol-1", true, nil, nil, node)
	require.NoError(t, err)

	assert.Equal(t, "vol-1", vars["handle"])
	assert.Equal(t, true, vars["readOnly"])
	nodeVars := vars["node"].(map[string]interface{})
	meta := nodeVars["metadata"].(map[string]interface{})
	assert.Equal(t, "node-1", meta["name"])
}

func TestDescriptorsCoverEveryPhase(t *testing.T) {
	for _, k := range []Kind{Validation, Creation, Deletion, Staging, Unstaging} {
		d, ok := Descriptors[k]
		require.True(t, ok, k)
		assert.Equal(t, k, d.Kind)
	}

	assert.Equal(t, Deletion, Descriptors[Creation].RollbackPhase)
	assert.Equal(t, Unstaging, Descriptors[Staging].RollbackPhase)
	assert.True(t, Descriptors[Staging].LongRunning)
}
