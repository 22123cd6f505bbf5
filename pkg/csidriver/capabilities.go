package csidriver

import (
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

// VolumeModeName maps a CSI volume capability to the volume-mode name used
// in evaluation contexts and admission filters.
func VolumeModeName(cap *csi.VolumeCapability) string {
	if cap.GetBlock() != nil {
		return "Block"
	}
	return "Filesystem"
}

// AccessModeName maps a CSI access mode onto its Kubernetes name.
func AccessModeName(mode csi.VolumeCapability_AccessMode_Mode) (string, error) {
	switch mode {
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER:
		return "ReadWriteOnce", nil
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_SINGLE_WRITER:
		return "ReadWriteOncePod", nil
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_MULTI_WRITER:
		return "ReadWriteOnce", nil
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY:
		return "ReadOnlyMany", nil
	case csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		return "ReadOnlyMany", nil
	case csi.VolumeCapability_AccessMode_MULTI_NODE_SINGLE_WRITER:
		return "ReadWriteOnce", nil
	case csi.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER:
		return "ReadWriteMany", nil
	default:
		return "", fmt.Errorf("unsupported access mode %s", mode)
	}
}

// AccessModeNames maps every capability in caps, deduplicated, preserving
// first-seen order.
func AccessModeNames(caps []*csi.VolumeCapability) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, c := range caps {
		if c.GetAccessMode() == nil {
			continue
		}
		name, err := AccessModeName(c.GetAccessMode().GetMode())
		if err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}
