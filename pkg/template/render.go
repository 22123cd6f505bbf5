package template

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// RenderTree walks an arbitrary JSON-shaped tree (maps, slices, scalars) and
// evaluates every string leaf that contains a template action. A leaf whose
// evaluation raises the yaml sentinel is replaced by the re-parsed
// structured value; the substituted subtree is not evaluated again
// (single-pass).
func RenderTree(path string, value interface{}, vars map[string]interface{}, caps Capabilities) (interface{}, error) {
	switch t := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			rendered, err := RenderTree(path+"."+k, v, vars, caps)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			rendered, err := RenderTree(fmt.Sprintf("%s[%d]", path, i), v, vars, caps)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		if !strings.Contains(t, "{{") {
			return t, nil
		}
		result, err := Evaluate(path, t, vars, caps)
		if err != nil {
			return nil, err
		}
		if result.IsStructured {
			return result.Structured, nil
		}
		return result.Text, nil
	default:
		return value, nil
	}
}

// RenderPodTemplate evaluates every templated string leaf of a pod template
// and returns the resulting concrete template. The typed object round-trips
// through its unstructured form so that the walk sees the same JSON field
// names operators write in the custom resource.
func RenderPodTemplate(path string, tmpl *corev1.PodTemplateSpec, vars map[string]interface{}, caps Capabilities) (*corev1.PodTemplateSpec, error) {
	uns, err := runtime.DefaultUnstructuredConverter.ToUnstructured(tmpl)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	rendered, err := RenderTree(path, uns, vars, caps)
	if err != nil {
		return nil, err
	}

	renderedMap, ok := rendered.(map[string]interface{})
	if !ok {
		return nil, &Error{Path: path, Err: fmt.Errorf("pod template rendered to a non-object value")}
	}

	out := &corev1.PodTemplateSpec{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(renderedMap, out); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("rendered pod template does not parse: %w", err)}
	}
	return out, nil
}
