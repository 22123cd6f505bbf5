package schema

import (
	"fmt"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
)

// ValidationError collects every violation found by ValidateForAdmission, so that a
// single admission response can report them all together (a human-readable
// "reason").
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	msg := fmt.Sprintf("%d schema violations:", len(e.Violations))
	for _, v := range e.Violations {
		msg += "\n  - " + v
	}
	return msg
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

// ValidateName checks the provisioner's cluster-scoped name against the
// DNS-label shape.
func ValidateName(name string) error {
	if !ValidateLeaf(ShapeStrict, KindDNSLabel, name) {
		return fmt.Errorf("metadata.name %q must be a DNS label (lowercase alphanumerics and '-', <=63 chars, starts/ends alphanumeric)", name)
	}
	return nil
}

// ValidateForAdmission runs the admission-time schema walk: structural
// rules are enforced strictly, every other string leaf is
// template-permissive (see the package doc for why).
func ValidateForAdmission(spec *v1alpha1.PavProvisionerSpec) error {
	verr := &ValidationError{}

	validateStructure(spec, verr)
	validateLeaves(spec, TemplatePermissive, verr)

	if len(verr.Violations) > 0 {
		return verr
	}
	return nil
}

// ValidateRendered re-checks a single evaluated (post-template) scalar
// against its intrinsic regex in shape-strict mode: a leaf expressed as a
// template must evaluate to a string whose trimmed content parses as the
// expected scalar.
func ValidateRendered(kind FieldKind, path, value string) error {
	if !ValidateLeaf(ShapeStrict, kind, value) {
		return fmt.Errorf("template %s: rendered value %q does not match the expected shape", path, value)
	}
	return nil
}

func validateStructure(spec *v1alpha1.PavProvisionerSpec, verr *ValidationError) {
	if len(spec.ProvisioningModes) == 0 {
		verr.add("provisioningModes must be non-empty")
	}

	seen := map[v1alpha1.ProvisioningMode]bool{}
	dynamic, static := false, false
	for _, m := range spec.ProvisioningModes {
		if !ValidateLeaf(ShapeStrict, KindProvisioningMode, string(m)) {
			verr.add("provisioningModes contains invalid value %q", m)
			continue
		}
		if seen[m] {
			verr.add("provisioningModes contains duplicate value %q", m)
		}
		seen[m] = true
		switch m {
		case v1alpha1.ProvisioningModeDynamic:
			dynamic = true
		case v1alpha1.ProvisioningModeStatic:
			static = true
		}
	}

	// Static alone forbids volumeCreation/volumeDeletion.
	if !dynamic {
		if spec.VolumeCreation != nil {
			verr.add("volumeCreation is only allowed when provisioningModes includes Dynamic")
		}
		if spec.VolumeDeletion != nil {
			verr.add("volumeDeletion is only allowed when provisioningModes includes Dynamic")
		}
	}

	// Static-volume validation is rejected outright, since the phase
	// runner never executes a validation worker for statically provisioned
	// volumes.
	if static && !dynamic && spec.VolumeValidation != nil && spec.VolumeValidation.PodTemplate != nil {
		verr.add("volumeValidation.podTemplate is not supported for Static-only provisioners")
	}

	if len(spec.VolumeStaging.PodTemplate.Spec.Containers) == 0 {
		verr.add("volumeStaging.podTemplate must define at least one container")
	}
}

func validateLeaves(spec *v1alpha1.PavProvisionerSpec, mode Mode, verr *ValidationError) {
	if vv := spec.VolumeValidation; vv != nil {
		for _, vm := range vv.VolumeModes {
			if !ValidateLeaf(mode, KindVolumeMode, vm) {
				verr.add("volumeValidation.volumeModes: invalid value %q", vm)
			}
		}
		for _, am := range vv.AccessModes {
			if !ValidateLeaf(mode, KindAccessMode, am) {
				verr.add("volumeValidation.accessModes: invalid value %q", am)
			}
		}
		if vv.MinCapacity != "" && !ValidateLeaf(mode, KindCapacity, vv.MinCapacity) {
			verr.add("volumeValidation.minCapacity: invalid value %q", vv.MinCapacity)
		}
		if vv.MaxCapacity != "" && !ValidateLeaf(mode, KindCapacity, vv.MaxCapacity) {
			verr.add("volumeValidation.maxCapacity: invalid value %q", vv.MaxCapacity)
		}
	}

	if vc := spec.VolumeCreation; vc != nil {
		if vc.Handle != "" && !ValidateLeaf(mode, KindHandle, vc.Handle) {
			verr.add("volumeCreation.handle: invalid value %q", vc.Handle)
		}
		if !ValidateLeaf(mode, KindCapacity, vc.Capacity) {
			verr.add("volumeCreation.capacity: invalid value %q", vc.Capacity)
		}
	}
}
