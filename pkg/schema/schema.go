// Package schema implements PaV's provisioner schema validation: a
// declarative schema walk over a PavProvisioner object with two
// realisations parameterised by a single switch.
//
// A note on the two modes: every string leaf outside provisioningModes is
// a *template*, evaluated in its phase's context (the canonical example
// sets volumeCreation.capacity to "{{ .requestedMinCapacity }}", and that
// object must be admitted). Running pure shape-strict validation against
// CR create/update would reject it, so the admission-time walk is strict
// about *structure* (required-field presence per provisioningModes,
// uniqueness, name shape) and about provisioningModes itself (never
// templated), but template-permissive about every other leaf. Shape-strict
// leaf checking applies to values *after* template evaluation, where no
// template syntax can legitimately remain: a rendered value must parse as
// the expected scalar.
package schema

import "regexp"

// Mode selects which of the two leaf-acceptance rules ValidateLeaf applies.
type Mode int

const (
	// ShapeStrict requires literal values that match the field's intrinsic
	// regex; template syntax is rejected. Used to validate rendered
	// (post-evaluation) scalars.
	ShapeStrict Mode = iota
	// TemplatePermissive accepts a literal matching the intrinsic regex,
	// or any string containing the template-opening token "{{". Used by
	// AdmissionWebhook to validate the CR as authored.
	TemplatePermissive
)

// TemplateOpenToken is the sentinel substring that marks a string leaf as
// (at least partially) a template rather than a plain literal.
const TemplateOpenToken = "{{"

// FieldKind names the intrinsic regex a string leaf is checked against.
type FieldKind int

const (
	KindDNSLabel FieldKind = iota
	KindProvisioningMode
	KindVolumeMode
	KindAccessMode
	KindCapacity
	KindHandle
	// KindOpaque is used for pod-template string leaves (container
	// images, command args, env values, ...): any literal content is
	// acceptable, so only the template-permissive/shape-strict distinction
	// (i.e. whether templating is allowed at all) applies, never a content
	// regex.
	KindOpaque
)

var intrinsicRegexes = map[FieldKind]*regexp.Regexp{
	KindDNSLabel:         regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`),
	KindProvisioningMode: regexp.MustCompile(`^(Dynamic|Static)$`),
	KindVolumeMode:       regexp.MustCompile(`^(Filesystem|Block)$`),
	KindAccessMode:       regexp.MustCompile(`^(ReadWriteOnce|ReadOnlyMany|ReadWriteMany|ReadWriteOncePod)$`),
	KindCapacity:         regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(Ki|Mi|Gi|Ti|Pi|Ei|k|M|G|T|P|E)?$`),
	KindHandle:           regexp.MustCompile(`^[-._a-zA-Z0-9]+$`),
}

// ValidateLeaf checks one string leaf's value against kind's intrinsic
// regex under mode.
func ValidateLeaf(mode Mode, kind FieldKind, value string) bool {
	if kind == KindOpaque {
		return mode == TemplatePermissive || (mode == ShapeStrict && !containsTemplate(value))
	}

	re, ok := intrinsicRegexes[kind]
	literal := ok && re.MatchString(value)

	switch mode {
	case ShapeStrict:
		return literal
	case TemplatePermissive:
		return literal || containsTemplate(value)
	default:
		return false
	}
}

func containsTemplate(value string) bool {
	for i := 0; i+1 < len(value); i++ {
		if value[i] == '{' && value[i+1] == '{' {
			return true
		}
	}
	return false
}
